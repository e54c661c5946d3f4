package db

import (
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/veridian-auth/veridian/internal/cryptoutil"
)

// keyRing is the package-level master key ring used by EncryptedString.
// It must be initialized once at startup via InitEncryption before any
// database operation involving encrypted fields.
var keyRing *cryptoutil.KeyRing

// InitEncryption sets the master key ring used to encrypt and decrypt
// sensitive fields at rest. Call this once during startup, before db.New.
func InitEncryption(ring *cryptoutil.KeyRing) error {
	if ring == nil {
		return errors.New("db: key ring must not be nil")
	}
	keyRing = ring
	return nil
}

// EncryptedString is a string that is transparently encrypted with
// AES-256-GCM before being written to the database and decrypted after being
// read. Use it for any sensitive field (password hashes, client secrets).
//
// The stored format is "keyID:base64(nonce + ciphertext)" so the record stays
// decryptable after the active master key changes. An empty EncryptedString
// is stored as an empty string without encryption.
type EncryptedString string

// Value implements driver.Valuer. Called by GORM before writing.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if keyRing == nil {
		return nil, errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	ciphertext, keyID, err := keyRing.Encrypt([]byte(e))
	if err != nil {
		return nil, fmt.Errorf("db: encrypting field: %w", err)
	}

	return keyID + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner. Called by GORM after reading.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		if b, isBytes := value.([]byte); isBytes {
			str = string(b)
		} else {
			return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
		}
	}
	if str == "" {
		*e = ""
		return nil
	}
	if keyRing == nil {
		return errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	keyID, encoded, found := strings.Cut(str, ":")
	if !found {
		return errors.New("db: encrypted field is missing its key id prefix")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("db: decoding encrypted field: %w", err)
	}

	plaintext, err := keyRing.Decrypt(ciphertext, keyID)
	if err != nil {
		return fmt.Errorf("db: decrypting field with key %q: %w", keyID, err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
