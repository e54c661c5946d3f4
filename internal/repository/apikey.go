package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormApiKeyRepository is the GORM implementation of ApiKeyRepository.
type gormApiKeyRepository struct {
	db *gorm.DB
}

// NewApiKeyRepository returns an ApiKeyRepository backed by the provided *gorm.DB.
func NewApiKeyRepository(db *gorm.DB) ApiKeyRepository {
	return &gormApiKeyRepository{db: db}
}

// Create inserts a new API key record.
func (r *gormApiKeyRepository) Create(ctx context.Context, key *db.ApiKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("api_keys: create: %w", err)
	}
	return nil
}

// GetByName retrieves an API key by its unique name.
// Returns ErrNotFound if no record exists.
func (r *gormApiKeyRepository) GetByName(ctx context.Context, name string) (*db.ApiKey, error) {
	var key db.ApiKey
	err := r.db.WithContext(ctx).First(&key, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api_keys: get by name: %w", err)
	}
	return &key, nil
}

// Update persists changes to an existing API key record.
func (r *gormApiKeyRepository) Update(ctx context.Context, key *db.ApiKey) error {
	result := r.db.WithContext(ctx).Save(key)
	if result.Error != nil {
		return fmt.Errorf("api_keys: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes an API key record.
func (r *gormApiKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.ApiKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("api_keys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all API keys ordered by name.
func (r *gormApiKeyRepository) List(ctx context.Context) ([]db.ApiKey, error) {
	var keys []db.ApiKey
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("api_keys: list: %w", err)
	}
	return keys, nil
}
