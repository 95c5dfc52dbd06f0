package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/sign"
)

func testFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "evidence"))
	require.NoError(t, err)
	return store
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()
	data := []byte(`{"wireAmountCents":125000000}`)

	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "sha256:", ref[:7])

	retrieved, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, retrieved))

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, ref))
	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_PutIsIdempotent(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileStore_BadRefs(t *testing.T) {
	store := testFileStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "not-a-ref")
	assert.ErrorContains(t, err, "invalid ref format")

	_, err = store.Get(ctx, "sha256:zz")
	assert.ErrorContains(t, err, "invalid ref hex")

	_, err = store.Get(ctx, "sha256:"+"00e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b8")
	assert.ErrorContains(t, err, "blob not found")
}

func TestNewStoreFromEnv_DefaultIsFS(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("KEEL_EVIDENCE_BACKEND", "")
	t.Setenv("KEEL_DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "evidence"), fs.baseDir)
}

func TestNewStoreFromEnv_S3NeedsBucket(t *testing.T) {
	t.Setenv("KEEL_EVIDENCE_BACKEND", "s3")
	t.Setenv("KEEL_EVIDENCE_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	assert.ErrorContains(t, err, "KEEL_EVIDENCE_S3_BUCKET is required")
}

func TestNewStoreFromEnv_UnsupportedBackend(t *testing.T) {
	t.Setenv("KEEL_EVIDENCE_BACKEND", "azure")

	_, err := NewStoreFromEnv(context.Background())
	assert.ErrorContains(t, err, "unsupported evidence backend")
}

func testEnvelope() *Envelope {
	return &Envelope{
		DealID:       "deal-1",
		MaterialType: "WireConfirmation",
		TruthClass:   deal.TruthDoc,
		Producer:     "ops-1",
		RecordedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:      json.RawMessage(`{"wireAmountCents":125000000,"bankRef":"FW-2231"}`),
	}
}

func TestRegistry_PutGetRoundTrip(t *testing.T) {
	reg := NewRegistry(testFileStore(t), nil)
	ctx := context.Background()

	env := testEnvelope()
	ref, err := reg.Put(ctx, env)
	require.NoError(t, err)

	got, err := reg.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, env.MaterialType, got.MaterialType)
	assert.Equal(t, env.TruthClass, got.TruthClass)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))

	again, err := reg.Put(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, ref, again, "identical evidence must land at the same ref")
}

func TestRegistry_PutValidation(t *testing.T) {
	reg := NewRegistry(testFileStore(t), nil)
	ctx := context.Background()

	env := testEnvelope()
	env.MaterialType = ""
	_, err := reg.Put(ctx, env)
	assert.ErrorContains(t, err, "missing material type")

	env = testEnvelope()
	env.TruthClass = "RUMOR"
	_, err = reg.Put(ctx, env)
	assert.ErrorContains(t, err, "unknown truth class")

	env = testEnvelope()
	env.Payload = nil
	_, err = reg.Put(ctx, env)
	assert.ErrorContains(t, err, "missing payload")

	env = testEnvelope()
	env.Payload = bytes.Repeat([]byte("x"), MaxEvidenceSize+1)
	_, err = reg.Put(ctx, env)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestRegistry_VerifySignedEvidence(t *testing.T) {
	signer, err := sign.FromSeedHex("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60", "evidence-1")
	require.NoError(t, err)

	reg := NewRegistry(testFileStore(t), map[string]string{"evidence-1": signer.PublicKey()})
	ctx := context.Background()

	env := testEnvelope()
	require.NoError(t, SignEnvelope(env, signer))
	ref, err := reg.Put(ctx, env)
	require.NoError(t, err)

	valid, reasons, err := reg.Verify(ctx, ref)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, reasons)
}

func TestRegistry_VerifyFailures(t *testing.T) {
	signer, err := sign.FromSeedHex("9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60", "evidence-1")
	require.NoError(t, err)
	intruder, err := sign.New("evidence-1")
	require.NoError(t, err)

	store := testFileStore(t)
	trusted := map[string]string{"evidence-1": signer.PublicKey()}
	ctx := context.Background()

	t.Run("unsigned", func(t *testing.T) {
		reg := NewRegistry(store, trusted)
		ref, err := reg.Put(ctx, testEnvelope())
		require.NoError(t, err)

		valid, reasons, err := reg.Verify(ctx, ref)
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Contains(t, reasons, "missing signature or key id")
	})

	t.Run("no trusted keys fails closed", func(t *testing.T) {
		reg := NewRegistry(store, nil)
		env := testEnvelope()
		require.NoError(t, SignEnvelope(env, signer))
		ref, err := reg.Put(ctx, env)
		require.NoError(t, err)

		valid, reasons, err := reg.Verify(ctx, ref)
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Contains(t, reasons, "no trusted signing keys configured")
	})

	t.Run("unknown key id", func(t *testing.T) {
		reg := NewRegistry(store, trusted)
		env := testEnvelope()
		require.NoError(t, SignEnvelope(env, signer))
		env.KeyID = "evidence-9"
		ref, err := reg.Put(ctx, env)
		require.NoError(t, err)

		valid, reasons, err := reg.Verify(ctx, ref)
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Contains(t, reasons, `unknown signing key "evidence-9"`)
	})

	t.Run("key substitution is rejected", func(t *testing.T) {
		reg := NewRegistry(store, trusted)
		env := testEnvelope()
		require.NoError(t, SignEnvelope(env, intruder))
		ref, err := reg.Put(ctx, env)
		require.NoError(t, err)

		valid, reasons, err := reg.Verify(ctx, ref)
		require.NoError(t, err)
		assert.False(t, valid, "a signature from an untrusted key must not verify even with its public key embedded")
		assert.Contains(t, reasons, "embedded public key does not match trusted key")
		assert.Contains(t, reasons, "signature invalid")
	})
}
