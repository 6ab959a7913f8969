// Package state implements the Shared State Store (C2): a namespaced
// Redis-backed key/value store with TTL, used for attempt counters,
// optimizer pending state, and failure context.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/testorch/coordinator/core"
)

// Store is the full shared-state contract the domain agents depend on:
// core.Memory's Get/Set/Delete/Exists plus the counter and JSON
// convenience methods this domain needs. RedisStore is the Redis-backed
// implementation and MemoryBackedStore the in-process one; the interface
// lets agents/* be tested against the latter.
type Store interface {
	core.Memory
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, key string, ttl time.Duration) error
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, v interface{}) (found bool, err error)
}

// Config names the key prefix and default TTL for the shared store.
type Config struct {
	Prefix     string
	DefaultTTL time.Duration
}

// ConfigFromCore maps core.StateConfig onto a state Config.
func ConfigFromCore(c core.StateConfig) Config {
	cfg := Config{Prefix: "testorch:state", DefaultTTL: time.Hour}
	if c.Prefix != "" {
		cfg.Prefix = c.Prefix
	}
	if c.DefaultTTL > 0 {
		cfg.DefaultTTL = c.DefaultTTL
	}
	return cfg
}

// RedisStore implements core.Memory over a namespaced Redis key space,
// delegating the actual Get/Set/Del/Exists/Incr calls to core.RedisClient
// so this subsystem gets the framework's DB-isolation and namespacing in
// one place instead of reimplementing formatKey. The bus package talks to
// *redis.Client directly instead, because it needs primitives (LPush,
// BRPop, sorted-set audit) core.RedisClient doesn't expose and that don't
// belong on a generic namespaced KV/rate-limit client.
type RedisStore struct {
	client *core.RedisClient
	config Config
	logger core.Logger
}

// New creates a state store against an already-connected, namespaced
// core.RedisClient (its namespace should be config.Prefix).
func New(client *core.RedisClient, config Config, logger core.Logger) *RedisStore {
	if config.Prefix == "" {
		config.Prefix = "testorch:state"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("state")
	}
	return &RedisStore{client: client, config: config, logger: logger}
}

// Get returns the value for key, or "" if absent or expired. Consistent
// with core.Memory's contract: a missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", core.NewFrameworkError("state.get", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return val, nil
}

// Set upserts key with an optional TTL. A zero ttl means no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl); err != nil {
		return core.NewFrameworkError("state.set", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key); err != nil {
		return core.NewFrameworkError("state.delete", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key)
	if err != nil {
		return false, core.NewFrameworkError("state.exists", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return n > 0, nil
}

// Incr atomically increments the integer value at key and sets its ttl
// again on every call. Used for attempt counters (execAttempts:<execId>,
// testorch:attempts:<id>).
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	formatted := s.client.FormatKey(key)
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, formatted)
	pipe.Expire(ctx, formatted, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, core.NewFrameworkError("state.incr", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return incr.Val(), nil
}

// Reset sets the integer value at key to 0 with no expiry change beyond
// ttl. Used when an execution passes and its attempt counter resets.
func (s *RedisStore) Reset(ctx context.Context, key string, ttl time.Duration) error {
	return s.Set(ctx, key, "0", ttl)
}

var (
	_ core.Memory = (*RedisStore)(nil)
	_ Store       = (*RedisStore)(nil)
)
