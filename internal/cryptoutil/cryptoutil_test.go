package cryptoutil

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := NewKeyRing(map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
		"k2": []byte("fedcba9876543210fedcba9876543210"),
	}, "k1")
	require.NoError(t, err)
	return ring
}

func TestNewKeyRingValidation(t *testing.T) {
	_, err := NewKeyRing(nil, "k1")
	assert.Error(t, err)

	_, err = NewKeyRing(map[string][]byte{"short": []byte("too short")}, "short")
	assert.Error(t, err)

	_, err = NewKeyRing(map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
	}, "missing")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring := testKeyRing(t)

	plaintext := []byte("a client secret with umlauts äöü and \x00 bytes")
	ciphertext, keyID, err := ring.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "k1", keyID)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := ring.Decrypt(ciphertext, keyID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	ring := testKeyRing(t)

	ciphertext, _, err := ring.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = ring.Decrypt(ciphertext, "k2")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = ring.Decrypt(ciphertext, "unknown")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	ring := testKeyRing(t)

	ciphertext, keyID, err := ring.Encrypt([]byte("payload"))
	require.NoError(t, err)

	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		_, err := ring.Decrypt(tampered, keyID)
		assert.ErrorIs(t, err, ErrDecrypt, "flipping byte %d must fail", i)
	}

	_, err = ring.Decrypt(ciphertext[:4], keyID)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPKCEChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	challenge := PKCEChallenge(verifier)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)
	assert.NotContains(t, challenge, "=")

	// A one-bit flip in the verifier must produce a different challenge.
	flipped := []byte(verifier)
	flipped[0] ^= 0x01
	assert.NotEqual(t, challenge, PKCEChallenge(string(flipped)))
}

func TestRandAlnum(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		s, err := RandAlnum(32)
		require.NoError(t, err)
		assert.Len(t, s, 32)
		for _, r := range s {
			assert.True(t, strings.ContainsRune(alnum, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[s], "duplicate random string")
		seen[s] = true
	}
}

func TestRandURLSafe(t *testing.T) {
	s, err := RandURLSafe(32)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(s)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
