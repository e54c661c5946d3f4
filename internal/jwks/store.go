package jwks

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/apperr"
	"github.com/veridian-auth/veridian/internal/cache"
	"github.com/veridian-auth/veridian/internal/cryptoutil"
	"github.com/veridian-auth/veridian/internal/db"
	"github.com/veridian-auth/veridian/internal/repository"
)

// ErrInvalidToken is the single error surfaced for every verification
// failure. Signature errors and claim errors are deliberately not
// distinguishable by the caller.
var ErrInvalidToken = apperr.New(apperr.Unauthorized, "invalid token")

const (
	// kidLength is the length of generated key ids.
	kidLength = 24

	// Cache key prefixes within cache.NameJwk.
	idxLatest = "latest_"
	idxKid    = "kid_"
	idxJWKS   = "jwks"
)

// KeyPair is a decrypted signing key pair held in memory only.
type KeyPair struct {
	Kid     string
	Alg     KeyPairAlg
	Private crypto.Signer
}

// Store is the JWK store: persistent encrypted key pairs with a cached
// latest-per-algorithm read view. Rotation inserts new records and
// invalidates the cached views atomically behind this store — in-memory
// handles are never mutated.
type Store struct {
	repo   repository.JwkRepository
	cache  cache.Cache
	keys   *cryptoutil.KeyRing
	issuer string
	logger *zap.Logger
}

// NewStore creates a Store. issuer is written into and required from every
// token this store signs or verifies.
func NewStore(repo repository.JwkRepository, c cache.Cache, keys *cryptoutil.KeyRing, issuer string, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		cache:  c,
		keys:   keys,
		issuer: issuer,
		logger: logger.Named("jwks"),
	}
}

// EnsureKeys generates an initial key set on first startup, when the jwks
// table is still empty. Subsequent startups are no-ops.
func (s *Store) EnsureKeys(ctx context.Context) error {
	existing, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	s.logger.Info("no signing keys found, generating initial key set")
	return s.Rotate(ctx)
}

// Rotate generates a fresh key pair for every supported algorithm, encrypts
// the PKCS#8 DER bytes under the active master key, persists the records,
// and invalidates the cached read views. Old keys remain verifiable until
// an operator deletes them.
func (s *Store) Rotate(ctx context.Context) error {
	createdAt := time.Now().Unix()

	// Keys of one rotation share created_at, kept strictly above every
	// earlier key's so LatestByAlg resolves the fresh key even when two
	// rotations fall within the same second.
	for _, alg := range Algs {
		prev, err := s.repo.LatestByAlg(ctx, string(alg))
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err == nil && prev.CreatedAt >= createdAt {
			createdAt = prev.CreatedAt + 1
		}
	}

	for _, alg := range Algs {
		signer, err := alg.generate()
		if err != nil {
			return err
		}

		der, err := x509.MarshalPKCS8PrivateKey(signer)
		if err != nil {
			return fmt.Errorf("jwks: marshaling %s key: %w", alg, err)
		}

		encrypted, encKeyID, err := s.keys.Encrypt(der)
		if err != nil {
			return fmt.Errorf("jwks: encrypting %s key: %w", alg, err)
		}

		kid, err := cryptoutil.RandAlnum(kidLength)
		if err != nil {
			return err
		}

		record := &db.Jwk{
			Kid:       kid,
			CreatedAt: createdAt,
			Alg:       string(alg),
			EncKeyID:  encKeyID,
			Encrypted: encrypted,
		}
		if err := s.repo.Create(ctx, record); err != nil {
			return err
		}

		// Invalidate the per-alg latest pointer so the next signing call
		// resolves the fresh key.
		if err := s.cache.Del(ctx, cache.NameJwk, idxLatest+string(alg)); err != nil {
			return err
		}

		s.logger.Info("rotated signing key", zap.String("alg", string(alg)), zap.String("kid", kid))
	}

	// The published set changed as a whole.
	return s.cache.Del(ctx, cache.NameJwk, idxJWKS)
}

// decrypt opens a stored record into a usable key pair.
func (s *Store) decrypt(record *db.Jwk) (*KeyPair, error) {
	alg, err := ParseAlg(record.Alg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "jwk record carries unknown algorithm", err)
	}

	der, err := s.keys.Decrypt(record.Encrypted, record.EncKeyID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decrypting jwk record", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "parsing jwk private key", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, apperr.New(apperr.Internal, "jwk private key does not implement crypto.Signer")
	}

	return &KeyPair{Kid: record.Kid, Alg: alg, Private: signer}, nil
}

// latest returns the newest key pair for the algorithm, preferring the
// cached record. The cache holds the encrypted record, never key material.
func (s *Store) latest(ctx context.Context, alg KeyPairAlg) (*KeyPair, error) {
	var record db.Jwk
	err := s.cache.Get(ctx, cache.NameJwk, idxLatest+string(alg), &record)
	if err == nil {
		return s.decrypt(&record)
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	fromDB, err := s.repo.LatestByAlg(ctx, string(alg))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Errorf(apperr.Internal, "no signing key exists for %s", alg)
		}
		return nil, err
	}

	if err := s.cache.Put(ctx, cache.NameJwk, idxLatest+string(alg), fromDB, cache.AckQuorum); err != nil {
		return nil, err
	}

	return s.decrypt(fromDB)
}

// byKid returns the key pair with the given key id, preferring the cache.
func (s *Store) byKid(ctx context.Context, kid string) (*KeyPair, error) {
	var record db.Jwk
	err := s.cache.Get(ctx, cache.NameJwk, idxKid+kid, &record)
	if err == nil {
		return s.decrypt(&record)
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	fromDB, err := s.repo.GetByKid(ctx, kid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Errorf(apperr.NotFound, "no key with kid %s", kid)
		}
		return nil, err
	}

	if err := s.cache.Put(ctx, cache.NameJwk, idxKid+kid, fromDB, cache.AckQuorum); err != nil {
		return nil, err
	}

	return s.decrypt(fromDB)
}

// SignClaims signs the claims with the latest key of the given algorithm and
// returns the compact JWS. The kid travels in the token header.
func (s *Store) SignClaims(ctx context.Context, alg KeyPairAlg, claims jwt.Claims) (string, error) {
	kp, err := s.latest(ctx, alg)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(alg.SigningMethod(), claims)
	token.Header["kid"] = kp.Kid

	signed, err := token.SignedString(kp.Private)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "signing token", err)
	}
	return signed, nil
}

// Verify parses and verifies a compact JWS signed by this store. The kid
// from the header selects the key; the token's algorithm must match the
// stored record's tag. Standard claims (exp, iss) are validated. Every
// failure maps to ErrInvalidToken.
func (s *Store) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token header has no kid")
			}
			kp, err := s.byKid(ctx, kid)
			if err != nil {
				return nil, err
			}
			if t.Method.Alg() != string(kp.Alg) {
				return nil, fmt.Errorf("token alg %s does not match key %s", t.Method.Alg(), kid)
			}
			return kp.Private.Public(), nil
		},
		jwt.WithValidMethods(algNames),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PublicSet returns the JWKS snapshot of every stored key, cached as a whole.
func (s *Store) PublicSet(ctx context.Context) (*JWKS, error) {
	var cached JWKS
	err := s.cache.Get(ctx, cache.NameJwk, idxJWKS, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	set := &JWKS{Keys: make([]PublicKey, 0, len(records))}
	for i := range records {
		kp, err := s.decrypt(&records[i])
		if err != nil {
			return nil, err
		}
		pub, err := projectPublic(kp)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, pub)
	}

	if err := s.cache.Put(ctx, cache.NameJwk, idxJWKS, set, cache.AckQuorum); err != nil {
		return nil, err
	}

	return set, nil
}

// PublicKeyByKid returns the public projection of a single key.
func (s *Store) PublicKeyByKid(ctx context.Context, kid string) (*PublicKey, error) {
	kp, err := s.byKid(ctx, kid)
	if err != nil {
		return nil, err
	}
	pub, err := projectPublic(kp)
	if err != nil {
		return nil, err
	}
	return &pub, nil
}
