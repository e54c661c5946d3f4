package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user record. A duplicate email surfaces as the
// database's uniqueness error wrapped with context.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by UUID. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by email. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// GetByFederation retrieves a user by (provider id, foreign uid).
// Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByFederation(ctx context.Context, providerID uuid.UUID, federationUID string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		First(&user, "auth_provider_id = ? AND federation_uid = ?", providerID, federationUID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by federation: %w", err)
	}
	return &user, nil
}

// Update persists changes to an existing user record via Save so that fields
// set back to their zero value (e.g. failed_login_attempts) are written too.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes a user record and its side values.
func (r *gormUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.UserValues{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("users: delete values: %w", err)
		}
		result := tx.Delete(&db.User{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("users: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns a page of users and the total count.
func (r *gormUserRepository) List(ctx context.Context, limit, offset int) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(limit).
		Offset(offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}

// ListByProvider returns every user linked to the given upstream provider.
func (r *gormUserRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]db.User, error) {
	var users []db.User
	if err := r.db.WithContext(ctx).
		Where("auth_provider_id = ?", providerID).
		Order("email ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("users: list by provider: %w", err)
	}
	return users, nil
}

// GetValues retrieves the side values for a user.
// Returns ErrNotFound if none have been stored yet.
func (r *gormUserRepository) GetValues(ctx context.Context, userID uuid.UUID) (*db.UserValues, error) {
	var values db.UserValues
	err := r.db.WithContext(ctx).First(&values, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get values: %w", err)
	}
	return &values, nil
}

// UpsertValues inserts or replaces the side values for a user.
func (r *gormUserRepository) UpsertValues(ctx context.Context, values *db.UserValues) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(values).Error
	if err != nil {
		return fmt.Errorf("users: upsert values: %w", err)
	}
	return nil
}
