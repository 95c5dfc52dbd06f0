package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries the workflow hook signature.
const SignatureHeader = "X-Keel-Signature"

const webhookKeySize = 32

// WebhookKeys derives per-org HMAC keys from a single master secret using
// HKDF-SHA256, so each org verifies callbacks with its own key and no org
// key reveals another's.
type WebhookKeys struct {
	master []byte
}

func NewWebhookKeys(master string) (*WebhookKeys, error) {
	if master == "" {
		return nil, fmt.Errorf("webhook master secret must not be empty")
	}
	return &WebhookKeys{master: []byte(master)}, nil
}

// KeyFor derives the HMAC key for one org. Derivation is deterministic: the
// same org always gets the same key.
func (k *WebhookKeys) KeyFor(orgID string) ([]byte, error) {
	if orgID == "" {
		return nil, fmt.Errorf("orgID must not be empty")
	}

	r := hkdf.New(sha256.New, k.master, []byte("keel-webhook-kdf"), []byte(orgID))
	key := make([]byte, webhookKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

// Sign computes the signature for a callback body, in the form
// "sha256=<hex>" expected in the signature header.
func (k *WebhookKeys) Sign(orgID string, body []byte) (string, error) {
	key, err := k.KeyFor(orgID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a callback signature in constant time. Any malformed or
// mismatched signature is a plain false, never an error the caller might
// accidentally treat as success.
func (k *WebhookKeys) Verify(orgID string, body []byte, signature string) bool {
	encoded, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(encoded)
	if err != nil || len(got) != sha256.Size {
		return false
	}

	key, err := k.KeyFor(orgID)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
