// Package proofpack exports a deal's decision surface at an instant as a
// reproducible, sealed bundle: the projected snapshot, the contributing
// event slice, the active authority profile, and one explain result per
// action, all canonically encoded and content-hashed. The same deal, org,
// and instant always produce byte-identical packs.
package proofpack

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/projection"
	"github.com/keelhq/keel/pkg/sign"
)

// Member names inside a pack.
const (
	ManifestName = "manifest.json"
	SealName     = "seal.json"
	SnapshotName = "snapshot.json"
	EventsName   = "events.json"
	RulesetName  = "ruleset.json"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = "1.0"

// Manifest indexes a pack: every member with its content hash, bound to the
// instant and the ruleset the decisions were evaluated under. PackID is the
// canonical hash of the manifest with the PackID field still empty, so the
// id commits to every member hash.
type Manifest struct {
	Version     string            `json:"version"`
	OrgID       string            `json:"orgId"`
	DealID      string            `json:"dealId"`
	At          string            `json:"at"`
	Seq         int64             `json:"seq"`
	RulesetHash string            `json:"rulesetHash"`
	Files       map[string]string `json:"files"`
	PackID      string            `json:"packId"`
}

// Seal is the detached signature over the canonical manifest.
type Seal struct {
	Scheme    string `json:"scheme"`
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Pack is a fully built proof pack. Files holds the canonical bytes of
// every member except the manifest and seal.
type Pack struct {
	Manifest Manifest
	Files    map[string][]byte
	Seal     *Seal
}

// ExplainMemberName returns the member path of one action's explain result.
func ExplainMemberName(action deal.Action) string {
	return "explain/" + string(action) + ".json"
}

// Exporter builds packs from live kernel state. A nil signer produces
// unsealed packs; Verify still checks their hashes.
type Exporter struct {
	kernel    *kernel.Kernel
	projector *projection.Projector
	signer    sign.Signer
}

func NewExporter(k *kernel.Kernel, signer sign.Signer) *Exporter {
	return &Exporter{
		kernel:    k,
		projector: projection.New(k.Rules()),
		signer:    signer,
	}
}

// Export builds the pack for a deal at an instant. A zero at resolves to
// the creation time of the last event, so "latest" is still reproducible.
func (e *Exporter) Export(ctx context.Context, orgID, dealID string, at time.Time) (*Pack, error) {
	events, err := e.kernel.EventsAt(ctx, orgID, dealID, at)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		if len(events) == 0 {
			return nil, fmt.Errorf("proofpack: deal %s has no events to pack", dealID)
		}
		at = events[len(events)-1].CreatedAt
	}
	at = at.UTC()

	proj := e.projector.Project(dealID, events)
	rules := e.kernel.Rules()

	files := make(map[string][]byte)
	if files[SnapshotName], err = canonical.Marshal(proj); err != nil {
		return nil, fmt.Errorf("proofpack: encode snapshot: %w", err)
	}
	if files[EventsName], err = canonical.Marshal(events); err != nil {
		return nil, fmt.Errorf("proofpack: encode events: %w", err)
	}
	if files[RulesetName], err = canonical.Marshal(rules.Profile()); err != nil {
		return nil, fmt.Errorf("proofpack: encode ruleset: %w", err)
	}

	for _, action := range rules.Actions() {
		res, err := e.kernel.ExplainAt(ctx, kernel.ExplainQuery{
			OrgID:  orgID,
			DealID: dealID,
			Action: action,
			At:     at,
		})
		if err != nil {
			return nil, fmt.Errorf("proofpack: explain %s: %w", action, err)
		}
		body, err := res.CanonicalJSON()
		if err != nil {
			return nil, fmt.Errorf("proofpack: encode explain %s: %w", action, err)
		}
		files[ExplainMemberName(action)] = body
	}

	manifest := Manifest{
		Version:     ManifestVersion,
		OrgID:       orgID,
		DealID:      dealID,
		At:          at.Format(time.RFC3339Nano),
		Seq:         proj.Seq,
		RulesetHash: rules.Hash(),
		Files:       make(map[string]string, len(files)),
	}
	for name, data := range files {
		manifest.Files[name] = "sha256:" + canonical.HashBytes(data)
	}
	id, err := canonical.Hash(manifest)
	if err != nil {
		return nil, fmt.Errorf("proofpack: manifest hash: %w", err)
	}
	manifest.PackID = "sha256:" + id

	pack := &Pack{Manifest: manifest, Files: files}
	if e.signer != nil {
		if pack.Seal, err = seal(manifest, e.signer); err != nil {
			return nil, err
		}
	}
	return pack, nil
}

func seal(manifest Manifest, signer sign.Signer) (*Seal, error) {
	msg, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("proofpack: seal encode: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("proofpack: seal sign: %w", err)
	}
	return &Seal{
		Scheme:    sign.Scheme,
		KeyID:     signer.KeyID(),
		PublicKey: signer.PublicKey(),
		Signature: sig,
	}, nil
}

// Verify rechecks the pack from its bytes: every member hash against the
// manifest, the pack id against the manifest content, and the seal
// signature when one is present. Whether the sealing key is trusted is the
// caller's decision; Verify only proves internal consistency.
func (p *Pack) Verify() error {
	for name, want := range p.Manifest.Files {
		data, ok := p.Files[name]
		if !ok {
			return fmt.Errorf("proofpack: member %s listed in manifest but missing", name)
		}
		got := "sha256:" + canonical.HashBytes(data)
		if got != want {
			return fmt.Errorf("proofpack: member %s hash mismatch: manifest %s, content %s", name, want, got)
		}
	}
	for name := range p.Files {
		if _, ok := p.Manifest.Files[name]; !ok {
			return fmt.Errorf("proofpack: member %s not listed in manifest", name)
		}
	}

	unidentified := p.Manifest
	unidentified.PackID = ""
	id, err := canonical.Hash(unidentified)
	if err != nil {
		return fmt.Errorf("proofpack: manifest hash: %w", err)
	}
	if want := "sha256:" + id; p.Manifest.PackID != want {
		return fmt.Errorf("proofpack: pack id mismatch: manifest %s, content %s", p.Manifest.PackID, want)
	}

	if p.Seal != nil {
		if p.Seal.Scheme != sign.Scheme {
			return fmt.Errorf("proofpack: unsupported seal scheme %q", p.Seal.Scheme)
		}
		msg, err := canonical.Marshal(p.Manifest)
		if err != nil {
			return fmt.Errorf("proofpack: seal encode: %w", err)
		}
		ok, err := sign.Verify(p.Seal.PublicKey, p.Seal.Signature, msg)
		if err != nil {
			return fmt.Errorf("proofpack: seal verify: %w", err)
		}
		if !ok {
			return fmt.Errorf("proofpack: seal signature does not verify")
		}
	}
	return nil
}
