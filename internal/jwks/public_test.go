package jwks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testN = "r5Xn8yuwc7ekL5NLFnBw76cRUiYbIQqNgPq6XYw6_Mgle3BSJ-UTKTWjGLDoTSlF"
	testX = "suwfa9fyMHqS0yOh9T-Bsdkji0naFVRRGZFBNrGX_RQ"
)

func TestValidateSelf(t *testing.T) {
	tests := []struct {
		name    string
		key     PublicKey
		wantErr bool
	}{
		{
			name: "valid RS256",
			key:  PublicKey{Kty: KtyRSA, Alg: "RS256", N: testN, E: "AQAB"},
		},
		{
			name: "valid RS384",
			key:  PublicKey{Kty: KtyRSA, Alg: "RS384", N: testN, E: "AQAB"},
		},
		{
			name: "valid RS512",
			key:  PublicKey{Kty: KtyRSA, Alg: "RS512", N: testN, E: "AQAB"},
		},
		{
			name: "valid EdDSA",
			key:  PublicKey{Kty: KtyOKP, Alg: "EdDSA", X: testX},
		},
		{
			name:    "missing alg",
			key:     PublicKey{Kty: KtyRSA, N: testN, E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "unknown alg",
			key:     PublicKey{Kty: KtyRSA, Alg: "HS256", N: testN, E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "OKP with RSA alg",
			key:     PublicKey{Kty: KtyOKP, Alg: "RS256", N: testN, E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "OKP with RSA components",
			key:     PublicKey{Kty: KtyOKP, Alg: "EdDSA", N: testN, E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "RSA with EdDSA alg",
			key:     PublicKey{Kty: KtyRSA, Alg: "EdDSA", N: testN, E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "RSA missing n",
			key:     PublicKey{Kty: KtyRSA, Alg: "RS256", E: "AQAB"},
			wantErr: true,
		},
		{
			name:    "RSA missing e",
			key:     PublicKey{Kty: KtyRSA, Alg: "RS256", N: testN},
			wantErr: true,
		},
		{
			name:    "RSA with x component",
			key:     PublicKey{Kty: KtyRSA, Alg: "RS256", N: testN, E: "AQAB", X: testX},
			wantErr: true,
		},
		{
			name:    "OKP missing x",
			key:     PublicKey{Kty: KtyOKP, Alg: "EdDSA"},
			wantErr: true,
		},
		{
			name:    "OKP with n and x",
			key:     PublicKey{Kty: KtyOKP, Alg: "EdDSA", N: "n", X: testX},
			wantErr: true,
		},
		{
			name:    "OKP with e and x",
			key:     PublicKey{Kty: KtyOKP, Alg: "EdDSA", E: "e", X: testX},
			wantErr: true,
		},
		{
			name:    "unknown kty",
			key:     PublicKey{Kty: "EC", Alg: "RS256"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.ValidateSelf()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProjectPublic(t *testing.T) {
	for _, alg := range []KeyPairAlg{AlgRS256, AlgRS384, AlgRS512, AlgEdDSA} {
		t.Run(string(alg), func(t *testing.T) {
			signer, err := alg.generate()
			require.NoError(t, err)

			pub, err := projectPublic(&KeyPair{Kid: "kid-" + string(alg), Alg: alg, Private: signer})
			require.NoError(t, err)

			assert.Equal(t, string(alg), pub.Alg)
			assert.Equal(t, "kid-"+string(alg), pub.Kid)

			if alg == AlgEdDSA {
				assert.Equal(t, KtyOKP, pub.Kty)
				assert.Equal(t, "Ed25519", pub.Crv)
				assert.NotEmpty(t, pub.X)
				assert.Empty(t, pub.N)
				assert.Empty(t, pub.E)
			} else {
				assert.Equal(t, KtyRSA, pub.Kty)
				assert.NotEmpty(t, pub.N)
				assert.NotEmpty(t, pub.E)
				assert.Empty(t, pub.X)
				assert.Empty(t, pub.Crv)
			}

			// The projection of a stored key must itself validate.
			assert.NoError(t, pub.ValidateSelf())
		})
	}
}
