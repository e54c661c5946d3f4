// Package jwks manages the token signing keys: encrypted-at-rest key pair
// records, rotation, JWKS publication, and signing/verification dispatch
// across the supported algorithms.
package jwks

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-auth/veridian/internal/apperr"
)

// KeyPairAlg tags a key pair with its JWS algorithm. The tag drives every
// signing and verification dispatch — adding an algorithm means one arm in
// each switch below.
type KeyPairAlg string

const (
	AlgRS256 KeyPairAlg = "RS256"
	AlgRS384 KeyPairAlg = "RS384"
	AlgRS512 KeyPairAlg = "RS512"
	AlgEdDSA KeyPairAlg = "EdDSA"
)

// Algs lists every supported algorithm. Rotation generates one fresh key
// pair per entry.
var Algs = []KeyPairAlg{AlgRS256, AlgRS384, AlgRS512, AlgEdDSA}

// algNames is the allow-list handed to the JWT parser so tokens signed with
// anything else (none, HMAC) are rejected before any key lookup.
var algNames = []string{"RS256", "RS384", "RS512", "EdDSA"}

// ParseAlg converts a stored algorithm tag back to its typed form.
func ParseAlg(s string) (KeyPairAlg, error) {
	switch KeyPairAlg(s) {
	case AlgRS256, AlgRS384, AlgRS512, AlgEdDSA:
		return KeyPairAlg(s), nil
	default:
		return "", apperr.Errorf(apperr.BadRequest, "invalid JWT algorithm %q", s)
	}
}

// SigningMethod returns the golang-jwt signing method for the tag.
func (a KeyPairAlg) SigningMethod() jwt.SigningMethod {
	switch a {
	case AlgRS256:
		return jwt.SigningMethodRS256
	case AlgRS384:
		return jwt.SigningMethodRS384
	case AlgRS512:
		return jwt.SigningMethodRS512
	case AlgEdDSA:
		return jwt.SigningMethodEdDSA
	default:
		// Unreachable for values produced by ParseAlg.
		return nil
	}
}

// rsaBits returns the RSA modulus size for the given RS* algorithm.
// Larger hashes get larger keys, matching common JOSE practice.
func (a KeyPairAlg) rsaBits() int {
	switch a {
	case AlgRS384:
		return 3072
	case AlgRS512:
		return 4096
	default:
		return 2048
	}
}

// generate creates a fresh private key for the algorithm.
func (a KeyPairAlg) generate() (crypto.Signer, error) {
	switch a {
	case AlgRS256, AlgRS384, AlgRS512:
		key, err := rsa.GenerateKey(rand.Reader, a.rsaBits())
		if err != nil {
			return nil, fmt.Errorf("jwks: generating RSA key for %s: %w", a, err)
		}
		return key, nil
	case AlgEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("jwks: generating Ed25519 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("jwks: cannot generate key for unknown algorithm %q", a)
	}
}
