// Package cache is the facade over the replicated key-value store that holds
// the hot objects: auth codes, provider configs, JWKs, upstream callback
// records, and the login-delay target. Sessions are not cached; they live in
// the database only. Values are JSON-encoded.
//
// Two backends exist: an in-process Memory cache for single-node deployments
// and tests, and a Redis-backed cache for multi-node setups. The replication
// transport itself is outside this package — the facade only selects the
// acknowledgement level a write requires.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// AckLevel selects how many nodes must acknowledge a write before Put returns.
type AckLevel int

const (
	// AckOnce returns after a single node has accepted the value. Good
	// enough for ephemeral per-request artefacts tied to one browser
	// round-trip, where a random key cannot collide across nodes.
	AckOnce AckLevel = iota

	// AckQuorum returns only after a majority of nodes have accepted the
	// value. Required for writes that must be coherently readable from any
	// node, such as provider configs and the login-delay target.
	AckQuorum
)

// HealthState describes the node's role in the replication group.
type HealthState int

const (
	StateLeader HealthState = iota
	StateFollower
	StateUndefined
	StateRetry
)

// Health is the live health signal of the cache layer.
type Health struct {
	// Good is false when quorum writes cannot currently be satisfied.
	Good bool

	State          HealthState
	ConnectedHosts int
}

// Cache is the facade the core uses. name addresses a logical cache (each
// with its own TTL); key addresses a value within it.
type Cache interface {
	// Put stores value (JSON-encoded) under name/key with the named
	// acknowledgement level.
	Put(ctx context.Context, name, key string, value any, ack AckLevel) error

	// Get decodes the value under name/key into dest.
	// Returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, name, key string, dest any) error

	// Del removes the value under name/key. Deleting a missing key is a no-op.
	Del(ctx context.Context, name, key string) error

	// Health returns the current health signal.
	Health() Health
}

// Logical cache names. TTLs are configured per name when the backend is built.
const (
	NameSession       = "session"
	NameAuthCode      = "auth_code"
	NameAuthProvider  = "auth_provider"
	NameCallback      = "provider_callback"
	NameJwk           = "jwk"
	NameLoginDelay    = "login_delay"
	NameWebauthnLogin = "webauthn_login"
	NameClient        = "client"
)
