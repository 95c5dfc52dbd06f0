package sign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func TestSignAndVerify(t *testing.T) {
	s, err := New("pack-seal-1")
	require.NoError(t, err)

	data := []byte(`{"packId":"sha256:abc"}`)
	sig, err := s.Sign(data)
	require.NoError(t, err)

	ok, err := Verify(s.PublicKey(), sig, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte(`{"packId":"sha256:def"}`))
	require.NoError(t, err)
	assert.False(t, ok, "a tampered payload must not verify")
}

func TestFromSeedHexIsDeterministic(t *testing.T) {
	first, err := FromSeedHex(testSeed, "pack-seal-1")
	require.NoError(t, err)
	second, err := FromSeedHex(testSeed, "pack-seal-1")
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey(), second.PublicKey())

	sig, err := first.Sign([]byte("payload"))
	require.NoError(t, err)
	ok, err := Verify(second.PublicKey(), sig, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFromSeedHexRejectsBadInput(t *testing.T) {
	_, err := FromSeedHex("not-hex", "k")
	assert.ErrorContains(t, err, "invalid seed hex")

	_, err = FromSeedHex("abcd", "k")
	assert.ErrorContains(t, err, "seed must be 32 bytes")
}

func TestVerifyRejectsBadInput(t *testing.T) {
	_, err := Verify("zz", "00", []byte("x"))
	assert.ErrorContains(t, err, "invalid public key hex")

	_, err = Verify("abcd", "zz", []byte("x"))
	assert.ErrorContains(t, err, "invalid signature hex")

	_, err = Verify("abcd", "00", []byte("x"))
	assert.ErrorContains(t, err, "invalid public key size")
}

func TestSignatureType(t *testing.T) {
	s, err := FromSeedHex(testSeed, "pack-seal-1")
	require.NoError(t, err)
	assert.Equal(t, "ed25519:pack-seal-1", s.SignatureType())
	assert.Equal(t, "pack-seal-1", s.KeyID())
}
