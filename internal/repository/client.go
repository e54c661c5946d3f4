package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormClientRepository is the GORM implementation of ClientRepository.
type gormClientRepository struct {
	db *gorm.DB
}

// NewClientRepository returns a ClientRepository backed by the provided *gorm.DB.
func NewClientRepository(db *gorm.DB) ClientRepository {
	return &gormClientRepository{db: db}
}

// Create inserts a new client record.
func (r *gormClientRepository) Create(ctx context.Context, client *db.Client) error {
	if err := r.db.WithContext(ctx).Create(client).Error; err != nil {
		return fmt.Errorf("clients: create: %w", err)
	}
	return nil
}

// GetByID retrieves a client by its client_id. Returns ErrNotFound if no
// record exists.
func (r *gormClientRepository) GetByID(ctx context.Context, id string) (*db.Client, error) {
	var client db.Client
	err := r.db.WithContext(ctx).First(&client, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by id: %w", err)
	}
	return &client, nil
}

// Update persists changes to an existing client record.
func (r *gormClientRepository) Update(ctx context.Context, client *db.Client) error {
	result := r.db.WithContext(ctx).Save(client)
	if result.Error != nil {
		return fmt.Errorf("clients: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes a client record.
func (r *gormClientRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&db.Client{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("clients: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all clients ordered by id.
func (r *gormClientRepository) List(ctx context.Context) ([]db.Client, error) {
	var clients []db.Client
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("clients: list: %w", err)
	}
	return clients, nil
}
