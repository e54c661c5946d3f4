// Package scheduler runs the periodic maintenance jobs: purging expired
// sessions and refresh-token records. Everything here is best effort — a
// failed run is logged and retried on the next tick.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/repository"
)

// cleanupInterval is how often the purge jobs run.
const cleanupInterval = time.Hour

// Scheduler owns the background job runner.
type Scheduler struct {
	scheduler gocron.Scheduler
	sessions  repository.SessionRepository
	refresh   repository.RefreshTokenRepository
	logger    *zap.Logger
}

// New creates the scheduler with its cleanup jobs registered.
func New(sessions repository.SessionRepository, refresh repository.RefreshTokenRepository, logger *zap.Logger) (*Scheduler, error) {
	inner, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		scheduler: inner,
		sessions:  sessions,
		refresh:   refresh,
		logger:    logger.Named("scheduler"),
	}

	if _, err := inner.NewJob(
		gocron.DurationJob(cleanupInterval),
		gocron.NewTask(s.cleanup),
	); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins executing the registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("cleanup scheduler started", zap.Duration("interval", cleanupInterval))
}

// Stop shuts the job runner down, waiting for a running job to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// cleanup purges expired sessions and refresh-token records.
func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.sessions.DeleteExpired(ctx); err != nil {
		s.logger.Warn("purging expired sessions failed", zap.Error(err))
	}
	if err := s.refresh.DeleteExpired(ctx); err != nil {
		s.logger.Warn("purging expired refresh tokens failed", zap.Error(err))
	}
}
