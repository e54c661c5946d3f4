package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridian-auth/veridian/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// Save inserts or updates a session. Sessions mutate in place (state
// transitions, last_seen bumps), so upsert semantics keep the call sites simple.
func (r *gormSessionRepository) Save(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("sessions: save: %w", err)
	}
	return nil
}

// GetByID retrieves a session. Returns ErrNotFound if no record exists.
func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &session, nil
}

// Delete removes a session. Deleting a missing session is a no-op — the
// desired state (session gone) is already met.
func (r *gormSessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

// DeleteExpired removes all sessions past their absolute expiry.
// Called periodically by the cleanup scheduler.
func (r *gormSessionRepository) DeleteExpired(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Where("exp < ?", now().Unix()).
		Delete(&db.Session{}).Error
	if err != nil {
		return fmt.Errorf("sessions: delete expired: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every session of a user. Used on password change
// and account-level security events.
func (r *gormSessionRepository) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&db.Session{}).Error
	if err != nil {
		return fmt.Errorf("sessions: delete all for user: %w", err)
	}
	return nil
}
