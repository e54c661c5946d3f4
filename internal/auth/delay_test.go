package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/cache"
)

// seedDelayTarget plants a small persisted target so the tests do not have
// to sleep through the 2000ms cold-start default.
func seedDelayTarget(t *testing.T, c cache.Cache, ms int64) {
	t.Helper()
	require.NoError(t, c.Put(context.Background(), cache.NameLoginDelay, delayCacheKey, ms, cache.AckQuorum))
}

func TestDelayGovernorLoadsPersistedTarget(t *testing.T) {
	mem := cache.NewMemory(nil)
	defer mem.Close()
	seedDelayTarget(t, mem, 80)

	g := NewDelayGovernor(mem, zap.NewNop())
	assert.Equal(t, int64(80), g.Target(context.Background()))
}

func TestDelayGovernorColdStartDefault(t *testing.T) {
	mem := cache.NewMemory(nil)
	defer mem.Close()

	g := NewDelayGovernor(mem, zap.NewNop())
	assert.Equal(t, int64(delayInitialMs), g.Target(context.Background()))
}

func TestDelayGovernorPadsFailedAttempts(t *testing.T) {
	mem := cache.NewMemory(nil)
	defer mem.Close()
	seedDelayTarget(t, mem, 60)

	g := NewDelayGovernor(mem, zap.NewNop())
	ctx := context.Background()

	// A failure that took almost no real time is padded to the target.
	start := time.Now()
	g.Finish(ctx, start, false)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 55*time.Millisecond)
	// And the target is untouched by failures.
	assert.Equal(t, int64(60), g.Target(ctx))
}

func TestDelayGovernorUpdatesAverageOnSuccess(t *testing.T) {
	mem := cache.NewMemory(nil)
	defer mem.Close()
	seedDelayTarget(t, mem, 100)

	g := NewDelayGovernor(mem, zap.NewNop())
	ctx := context.Background()

	// A fast successful login pulls the moving average down.
	g.Finish(ctx, time.Now().Add(-10*time.Millisecond), true)

	target := g.Target(ctx)
	assert.Less(t, target, int64(100))
	assert.GreaterOrEqual(t, target, int64(10))

	// The new target was replicated through the cache.
	var persisted int64
	require.NoError(t, mem.Get(ctx, cache.NameLoginDelay, delayCacheKey, &persisted))
	assert.Equal(t, target, persisted)
}

func TestDelayGovernorFailuresNotShorterThanSuccesses(t *testing.T) {
	mem := cache.NewMemory(nil)
	defer mem.Close()
	seedDelayTarget(t, mem, 50)

	g := NewDelayGovernor(mem, zap.NewNop())
	ctx := context.Background()

	measure := func(success bool) time.Duration {
		start := time.Now()
		g.Finish(ctx, start, success)
		return time.Since(start)
	}

	failed := measure(false)
	succeeded := measure(true)

	// The failure is padded to the seeded 50ms; the success first lowers the
	// target to 40ms and is padded to that. The two stay within 25ms.
	assert.InDelta(t, float64(succeeded.Milliseconds()), float64(failed.Milliseconds()), 25)
}
