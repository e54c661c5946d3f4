package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormAuthProviderRepository is the GORM implementation of AuthProviderRepository.
type gormAuthProviderRepository struct {
	db *gorm.DB
}

// NewAuthProviderRepository returns an AuthProviderRepository backed by the
// provided *gorm.DB.
func NewAuthProviderRepository(db *gorm.DB) AuthProviderRepository {
	return &gormAuthProviderRepository{db: db}
}

// Create inserts a new provider record.
func (r *gormAuthProviderRepository) Create(ctx context.Context, provider *db.AuthProvider) error {
	if err := r.db.WithContext(ctx).Create(provider).Error; err != nil {
		return fmt.Errorf("auth_providers: create: %w", err)
	}
	return nil
}

// GetByID retrieves a provider by UUID. Returns ErrNotFound if no record exists.
func (r *gormAuthProviderRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AuthProvider, error) {
	var provider db.AuthProvider
	err := r.db.WithContext(ctx).First(&provider, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("auth_providers: get by id: %w", err)
	}
	return &provider, nil
}

// Update persists changes to an existing provider record.
func (r *gormAuthProviderRepository) Update(ctx context.Context, provider *db.AuthProvider) error {
	result := r.db.WithContext(ctx).Save(provider)
	if result.Error != nil {
		return fmt.Errorf("auth_providers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes a provider record.
func (r *gormAuthProviderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.AuthProvider{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("auth_providers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all providers ordered by name.
func (r *gormAuthProviderRepository) List(ctx context.Context) ([]db.AuthProvider, error) {
	var providers []db.AuthProvider
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("auth_providers: list: %w", err)
	}
	return providers, nil
}
