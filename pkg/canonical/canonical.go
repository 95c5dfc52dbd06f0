// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) serialization
// and content hashing. Every hash in the kernel (event chain, decision hashes, proof
// pack manifests) is computed over the canonical form, so that two encodings of the
// same value always produce the same digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// The value is first encoded with encoding/json (honoring struct tags), then
// transformed to canonical form: lexicographically sorted keys, no HTML escaping,
// ES6 number formatting.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// MarshalString returns the canonical form as a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeStrings walks a decoded JSON value and returns a copy with every
// string NFC-normalized. Payloads are normalized before they enter the event
// log so that visually identical Unicode spellings hash identically.
func NormalizeStrings(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = NormalizeStrings(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = NormalizeStrings(elem)
		}
		return out
	default:
		return v
	}
}

// NormalizeRawMessage applies NormalizeStrings to a raw JSON document and
// re-encodes it canonically. Nil or empty input is returned unchanged.
func NormalizeRawMessage(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return Marshal(NormalizeStrings(generic))
}
