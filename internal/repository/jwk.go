package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormJwkRepository is the GORM implementation of JwkRepository.
type gormJwkRepository struct {
	db *gorm.DB
}

// NewJwkRepository returns a JwkRepository backed by the provided *gorm.DB.
func NewJwkRepository(db *gorm.DB) JwkRepository {
	return &gormJwkRepository{db: db}
}

// Create inserts a new key-pair record. Rotation only ever inserts — old keys
// stay verifiable until an operator deletes them.
func (r *gormJwkRepository) Create(ctx context.Context, jwk *db.Jwk) error {
	if err := r.db.WithContext(ctx).Create(jwk).Error; err != nil {
		return fmt.Errorf("jwks: create: %w", err)
	}
	return nil
}

// GetByKid retrieves a key pair by its key id.
// Returns ErrNotFound if no record exists.
func (r *gormJwkRepository) GetByKid(ctx context.Context, kid string) (*db.Jwk, error) {
	var jwk db.Jwk
	err := r.db.WithContext(ctx).First(&jwk, "kid = ?", kid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jwks: get by kid: %w", err)
	}
	return &jwk, nil
}

// List returns all key pairs ordered oldest first.
func (r *gormJwkRepository) List(ctx context.Context) ([]db.Jwk, error) {
	var jwks []db.Jwk
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&jwks).Error; err != nil {
		return nil, fmt.Errorf("jwks: list: %w", err)
	}
	return jwks, nil
}

// LatestByAlg returns the most recently created key pair for the algorithm.
// The created_at ordering is the tie-break rule for signing-key selection.
func (r *gormJwkRepository) LatestByAlg(ctx context.Context, alg string) (*db.Jwk, error) {
	var jwk db.Jwk
	err := r.db.WithContext(ctx).
		Where("alg = ?", alg).
		Order("created_at DESC").
		First(&jwk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jwks: latest by alg: %w", err)
	}
	return &jwk, nil
}
