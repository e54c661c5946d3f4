package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/cache"
)

const (
	// delayInitialMs is the login delay target before the governor has
	// observed any successful login.
	delayInitialMs = 2000

	// delayCacheKey is where the target is persisted so all nodes agree.
	delayCacheKey = "login_time"
)

// DelayGovernor normalizes the wall time of every login attempt so that
// successful and failed logins are indistinguishable from the outside.
//
// It tracks an exponential moving average of the real cost of successful
// password logins and pads every attempt — success or failure — to that
// target. Failed attempts are therefore never shorter than successful ones.
type DelayGovernor struct {
	cache  cache.Cache
	logger *zap.Logger

	// targetMs is the local copy of the persisted target.
	targetMs atomic.Int64

	loaded atomic.Bool
}

// NewDelayGovernor creates a governor with the initial 2000ms target.
// The persisted value is loaded lazily on first use so construction does not
// need a context.
func NewDelayGovernor(c cache.Cache, logger *zap.Logger) *DelayGovernor {
	g := &DelayGovernor{
		cache:  c,
		logger: logger.Named("login_delay"),
	}
	g.targetMs.Store(delayInitialMs)
	return g
}

// Target returns the current delay target in milliseconds.
func (g *DelayGovernor) Target(ctx context.Context) int64 {
	g.load(ctx)
	return g.targetMs.Load()
}

// Finish pads the response of a login attempt. start must be captured before
// any real work. On success the moving average is updated with the observed
// cost and replicated through the cache with quorum acknowledgement.
//
// The sleep deliberately ignores caller cancellation: a disconnecting client
// must not bias the average or reveal timing.
func (g *DelayGovernor) Finish(ctx context.Context, start time.Time, success bool) {
	g.load(ctx)

	elapsed := time.Since(start)

	if success {
		observed := elapsed.Milliseconds()
		target := (g.targetMs.Load()*4 + observed) / 5
		if target < 1 {
			target = 1
		}
		g.targetMs.Store(target)

		if err := g.cache.Put(ctx, cache.NameLoginDelay, delayCacheKey, target, cache.AckQuorum); err != nil {
			g.logger.Warn("persisting login delay target failed", zap.Error(err))
		}
	}

	remaining := time.Duration(g.targetMs.Load())*time.Millisecond - elapsed
	if remaining > 0 {
		time.Sleep(remaining)
	}
}

// load pulls the replicated target once per process lifetime; later updates
// flow through Finish on this node and through the cache from other nodes'
// successful logins at next startup.
func (g *DelayGovernor) load(ctx context.Context) {
	if g.loaded.Load() {
		return
	}

	var target int64
	err := g.cache.Get(ctx, cache.NameLoginDelay, delayCacheKey, &target)
	switch {
	case err == nil && target > 0:
		g.targetMs.Store(target)
	case err != nil && !errors.Is(err, cache.ErrNotFound):
		g.logger.Warn("loading login delay target failed", zap.Error(err))
		return // retry on the next attempt
	}
	g.loaded.Store(true)
}
