// Package cryptoutil provides the symmetric encryption, PKCE hashing, and
// random-token primitives used by the stores and flows. Encryption is
// AES-256-GCM keyed by a ring of named master keys so that records encrypted
// under an older key remain readable after a key migration.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when a ciphertext cannot be decrypted — unknown
// key id, truncated data, or a failed authentication tag. The message is
// intentionally uniform for all three cases.
var ErrDecrypt = errors.New("cryptoutil: decryption failed")

// alnum is the alphabet for RandAlnum. 62 characters.
const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// KeyRing holds the process-wide set of 32-byte master keys. One key is
// active and used for every new encryption; the others remain available for
// decryption only. The ring is initialized once at startup and never mutated.
type KeyRing struct {
	keys     map[string][]byte
	activeID string
}

// NewKeyRing builds a KeyRing from named keys. Every key must be exactly
// 32 bytes (AES-256) and activeID must name one of them.
func NewKeyRing(keys map[string][]byte, activeID string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, errors.New("cryptoutil: at least one master key is required")
	}

	owned := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("cryptoutil: master key %q must be exactly 32 bytes, got %d", id, len(key))
		}
		k := make([]byte, 32)
		copy(k, key)
		owned[id] = k
	}

	if _, ok := owned[activeID]; !ok {
		return nil, fmt.Errorf("cryptoutil: active key id %q not present in key set", activeID)
	}

	return &KeyRing{keys: owned, activeID: activeID}, nil
}

// ActiveID returns the id of the key used for new encryptions.
func (r *KeyRing) ActiveID() string {
	return r.activeID
}

// Encrypt seals plaintext under the active master key and returns the
// ciphertext together with the key id that was used, so the caller can store
// both and later decrypt regardless of which key is active by then.
//
// The ciphertext layout is nonce || sealed, with the GCM tag appended by Seal.
func (r *KeyRing) Encrypt(plaintext []byte) (ciphertext []byte, keyID string, err error) {
	ciphertext, err = r.EncryptWithID(plaintext, r.activeID)
	return ciphertext, r.activeID, err
}

// EncryptWithID seals plaintext under a specific key of the ring.
func (r *KeyRing) EncryptWithID(plaintext []byte, keyID string) ([]byte, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("cryptoutil: unknown encryption key id %q", keyID)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: creating GCM: %w", err)
	}

	// A unique nonce per encryption is critical for GCM — never reuse a
	// nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the named key.
// Any failure — unknown key id, short data, bad tag — yields ErrDecrypt.
func (r *KeyRing) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecrypt
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrDecrypt
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// PKCEChallenge computes the S256 code challenge for a verifier:
// base64url-no-pad(SHA-256(verifier)). It is used both for validating
// downstream clients and for the upstream federation leg.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoutil: reading random bytes: %w", err)
	}
	return b, nil
}

// RandAlnum returns a random alphanumeric string of length n.
// Used for store ids, callback ids, and XSRF tokens.
func RandAlnum(n int) (string, error) {
	raw, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alnum[int(b)%len(alnum)]
	}
	return string(out), nil
}

// RandURLSafe returns a base64url-no-pad encoded random string of n bytes
// of entropy. Used for session ids and auth codes.
func RandURLSafe(n int) (string, error) {
	raw, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
