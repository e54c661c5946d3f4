package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is the replicated Cache backend. Keys are namespaced as
// "veridian:<name>:<key>" with the per-name TTL applied on every Put.
//
// AckQuorum is implemented with the WAIT command: the write must be
// acknowledged by a majority of the known replicas before Put returns.
// AckOnce returns as soon as the primary has accepted the value.
type Redis struct {
	rdb      *redis.Client
	ttls     map[string]time.Duration
	replicas int
	logger   *zap.Logger

	// healthy is flipped by the probe loop; reads must stay cheap because
	// Health is consulted on request paths.
	healthy atomic.Bool
}

// NewRedis connects to the given address and verifies the connection.
// replicas is the number of replicas in the deployment; 0 means a single
// primary, in which case quorum writes degrade to AckOnce.
func NewRedis(ctx context.Context, addr, password string, replicas int, ttls map[string]time.Duration, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connecting to redis at %s: %w", addr, err)
	}

	r := &Redis{
		rdb:      rdb,
		ttls:     ttls,
		replicas: replicas,
		logger:   logger.Named("cache"),
	}
	r.healthy.Store(true)
	go r.probe()

	return r, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(name, key string) string {
	return "veridian:" + name + ":" + key
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, name, key string, value any, ack AckLevel) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	ttl := r.ttls[name] // zero is "no expiry" for redis as well

	if err := r.rdb.Set(ctx, r.key(name, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: put %s/%s: %w", name, key, err)
	}

	if ack == AckQuorum && r.replicas > 0 {
		quorum := r.replicas/2 + 1
		acked, err := r.rdb.Wait(ctx, quorum, 2*time.Second).Result()
		if err != nil {
			return fmt.Errorf("cache: quorum wait for %s/%s: %w", name, key, err)
		}
		if int(acked) < quorum {
			return fmt.Errorf("cache: quorum not reached for %s/%s: %d/%d replicas acked", name, key, acked, quorum)
		}
	}

	return nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, name, key string, dest any) error {
	raw, err := r.rdb.Get(ctx, r.key(name, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("cache: get %s/%s: %w", name, key, err)
	}
	return json.Unmarshal(raw, dest)
}

// Del implements Cache.
func (r *Redis) Del(ctx context.Context, name, key string) error {
	if err := r.rdb.Del(ctx, r.key(name, key)).Err(); err != nil {
		return fmt.Errorf("cache: del %s/%s: %w", name, key, err)
	}
	return nil
}

// Health implements Cache. The connected-host count includes the primary.
func (r *Redis) Health() Health {
	state := StateLeader
	if !r.healthy.Load() {
		state = StateRetry
	}
	return Health{
		Good:           r.healthy.Load(),
		State:          state,
		ConnectedHosts: r.replicas + 1,
	}
}

// probe pings the primary every few seconds and flips the health flag.
func (r *Redis) probe() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.rdb.Ping(ctx).Err()
		cancel()

		was := r.healthy.Swap(err == nil)
		if was && err != nil {
			r.logger.Warn("cache connection lost", zap.Error(err))
		} else if !was && err == nil {
			r.logger.Info("cache connection restored")
		}
	}
}
