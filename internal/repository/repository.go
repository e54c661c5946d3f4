// Package repository provides the persistence layer over GORM.
// Each store owns its entity type; every method takes a context and returns
// ErrNotFound as its sentinel for missing rows so callers can use errors.Is
// without knowing about GORM.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-auth/veridian/internal/db"
)

// ErrNotFound is returned when no record matches the given identifier.
var ErrNotFound = errors.New("repository: record not found")

// UserRepository persists users and their optional side values.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) (err error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)

	// GetByFederation looks a user up by its upstream provider link.
	GetByFederation(ctx context.Context, providerID uuid.UUID, federationUID string) (*db.User, error)

	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]db.User, int64, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]db.User, error)

	GetValues(ctx context.Context, userID uuid.UUID) (*db.UserValues, error)
	UpsertValues(ctx context.Context, values *db.UserValues) error
}

// SessionRepository persists browser sessions.
type SessionRepository interface {
	Save(ctx context.Context, session *db.Session) error
	GetByID(ctx context.Context, id string) (*db.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
}

// ClientRepository persists downstream OIDC clients.
type ClientRepository interface {
	Create(ctx context.Context, client *db.Client) error
	GetByID(ctx context.Context, id string) (*db.Client, error)
	Update(ctx context.Context, client *db.Client) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]db.Client, error)
}

// AuthProviderRepository persists upstream identity providers.
type AuthProviderRepository interface {
	Create(ctx context.Context, provider *db.AuthProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AuthProvider, error)
	Update(ctx context.Context, provider *db.AuthProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]db.AuthProvider, error)
}

// JwkRepository persists encrypted signing key pairs.
type JwkRepository interface {
	Create(ctx context.Context, jwk *db.Jwk) error
	GetByKid(ctx context.Context, kid string) (*db.Jwk, error)
	List(ctx context.Context) ([]db.Jwk, error)

	// LatestByAlg returns the key pair with the greatest created_at for the
	// given algorithm tag.
	LatestByAlg(ctx context.Context, alg string) (*db.Jwk, error)
}

// RefreshTokenRepository persists refresh-token records for revocation.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// ApiKeyRepository persists API keys.
type ApiKeyRepository interface {
	Create(ctx context.Context, key *db.ApiKey) error
	GetByName(ctx context.Context, name string) (*db.ApiKey, error)
	Update(ctx context.Context, key *db.ApiKey) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]db.ApiKey, error)
}

// now is an indirection for tests that need deterministic expiry handling.
var now = time.Now
