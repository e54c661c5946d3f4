package jwks

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/veridian-auth/veridian/internal/apperr"
)

// Key types for the JWKS view.
const (
	KtyRSA = "RSA"
	KtyOKP = "OKP"
)

// JWKS is the published set of public keys.
type JWKS struct {
	Keys []PublicKey `json:"keys"`
}

// PublicKey is the public projection of a stored key pair. RSA keys carry
// (n, e) and no x; OKP keys carry crv=Ed25519 and x, and no (n, e).
type PublicKey struct {
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	X   string `json:"x,omitempty"`
}

// projectPublic derives the JWKS view of a decrypted key pair.
func projectPublic(kp *KeyPair) (PublicKey, error) {
	switch pub := kp.Private.Public().(type) {
	case *rsa.PublicKey:
		return PublicKey{
			Kty: KtyRSA,
			Alg: string(kp.Alg),
			Kid: kp.Kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}, nil
	case ed25519.PublicKey:
		return PublicKey{
			Kty: KtyOKP,
			Alg: string(kp.Alg),
			Crv: "Ed25519",
			Kid: kp.Kid,
			X:   base64.RawURLEncoding.EncodeToString(pub),
		}, nil
	default:
		return PublicKey{}, apperr.Errorf(apperr.Internal, "key %s has unsupported public key type", kp.Kid)
	}
}

// ValidateSelf checks a publicly received JWK against the supported shapes.
// It rejects a missing alg, a kty/alg mismatch, RSA keys without (n, e) or
// with an x component, and OKP keys without x or with (n, e) components.
func (k *PublicKey) ValidateSelf() error {
	if k.Alg == "" {
		return apperr.New(apperr.BadRequest, "no 'alg' in JWK")
	}
	alg, err := ParseAlg(k.Alg)
	if err != nil {
		return err
	}

	switch k.Kty {
	case KtyRSA:
		if alg == AlgEdDSA {
			return apperr.New(apperr.BadRequest, "RSA kty cannot have EdDSA alg")
		}
		if k.N == "" || k.E == "" {
			return apperr.New(apperr.BadRequest, "no public key components for RSA key")
		}
		if k.X != "" {
			return apperr.New(apperr.BadRequest, "RSA key cannot have 'x' public key component")
		}

	case KtyOKP:
		if alg != AlgEdDSA {
			return apperr.New(apperr.BadRequest, "OKP kty must have EdDSA alg")
		}
		if k.N != "" || k.E != "" {
			return apperr.New(apperr.BadRequest, "EdDSA key cannot have 'n' or 'e' public key components")
		}
		if k.X == "" {
			return apperr.New(apperr.BadRequest, "OKP key must have 'x' public key component")
		}

	default:
		return apperr.Errorf(apperr.BadRequest, "unsupported kty %q", k.Kty)
	}

	return nil
}
