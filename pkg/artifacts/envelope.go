package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/sign"
)

// MaxEvidenceSize bounds one evidence payload.
const MaxEvidenceSize = 10 * 1024 * 1024

// Envelope wraps one piece of evidentiary material: the structured document
// plus the deal, material type, and producer it belongs to, and an optional
// detached signature. Envelopes are stored canonically encoded, so the same
// evidence always lands at the same ref.
type Envelope struct {
	DealID       string          `json:"dealId"`
	MaterialType string          `json:"materialType"`
	TruthClass   deal.TruthClass `json:"truthClass"`
	Producer     string          `json:"producer"`
	RecordedAt   time.Time       `json:"recordedAt"`
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature,omitempty"`
	KeyID        string          `json:"keyId,omitempty"`
	PublicKey    string          `json:"publicKey,omitempty"`
}

// ErrSignerNotConfigured is returned when signing is requested without a key.
var ErrSignerNotConfigured = errors.New("artifacts: signer not configured")

// SignEnvelope signs the payload bytes and stamps the signature metadata.
func SignEnvelope(env *Envelope, signer sign.Signer) error {
	if env == nil {
		return errors.New("artifacts: nil envelope")
	}
	if signer == nil {
		return ErrSignerNotConfigured
	}
	if len(env.Payload) == 0 {
		return errors.New("artifacts: missing payload")
	}

	sig, err := signer.Sign(env.Payload)
	if err != nil {
		return fmt.Errorf("artifacts: sign failed: %w", err)
	}
	env.Signature = sig
	env.KeyID = signer.KeyID()
	env.PublicKey = signer.PublicKey()
	return nil
}

// Registry validates, stores, and verifies evidence envelopes on top of a
// blob store. Verification is fail-closed: without trusted keys configured,
// no envelope verifies.
type Registry struct {
	store   Store
	trusted map[string]string // key id -> public key hex
}

func NewRegistry(store Store, trusted map[string]string) *Registry {
	return &Registry{store: store, trusted: trusted}
}

// Put validates the envelope and persists its canonical encoding, returning
// the evidence ref to carry in a material event.
func (r *Registry) Put(ctx context.Context, env *Envelope) (string, error) {
	if env == nil {
		return "", errors.New("artifacts: nil envelope")
	}
	if env.DealID == "" {
		return "", errors.New("artifacts: missing deal id")
	}
	if env.MaterialType == "" {
		return "", errors.New("artifacts: missing material type")
	}
	if !env.TruthClass.Valid() {
		return "", fmt.Errorf("artifacts: unknown truth class %q", env.TruthClass)
	}
	if len(env.Payload) == 0 {
		return "", errors.New("artifacts: missing payload")
	}
	if len(env.Payload) > MaxEvidenceSize {
		return "", fmt.Errorf("artifacts: payload exceeds limit of %d bytes", MaxEvidenceSize)
	}

	data, err := canonical.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("artifacts: encode envelope: %w", err)
	}
	return r.store.Put(ctx, data)
}

// Exists reports whether a blob is present at ref.
func (r *Registry) Exists(ctx context.Context, ref string) (bool, error) {
	return r.store.Exists(ctx, ref)
}

// Get retrieves and decodes an envelope by ref.
func (r *Registry) Get(ctx context.Context, ref string) (*Envelope, error) {
	data, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("artifacts: corrupt envelope at %s: %w", ref, err)
	}
	return &env, nil
}

// Verify rechecks an envelope by ref and reports why it fails. The reported
// key id must be trusted, and the signature must verify against the trusted
// public key for that id, never against the key embedded in the envelope.
func (r *Registry) Verify(ctx context.Context, ref string) (bool, []string, error) {
	env, err := r.Get(ctx, ref)
	if err != nil {
		return false, nil, err
	}

	var reasons []string
	if env.MaterialType == "" {
		reasons = append(reasons, "missing material type")
	}
	if env.Signature == "" || env.KeyID == "" {
		return false, append(reasons, "missing signature or key id"), nil
	}
	if len(r.trusted) == 0 {
		return false, append(reasons, "no trusted signing keys configured"), nil
	}

	trustedKey, ok := r.trusted[env.KeyID]
	if !ok {
		return false, append(reasons, fmt.Sprintf("unknown signing key %q", env.KeyID)), nil
	}
	if env.PublicKey != "" && env.PublicKey != trustedKey {
		reasons = append(reasons, "embedded public key does not match trusted key")
	}

	ok, err = sign.Verify(trustedKey, env.Signature, env.Payload)
	if err != nil {
		return false, append(reasons, fmt.Sprintf("signature check failed: %v", err)), nil
	}
	if !ok {
		reasons = append(reasons, "signature invalid")
	}
	return len(reasons) == 0, reasons, nil
}
