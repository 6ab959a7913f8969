package core

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Memory. It backs local
// development and unit tests that don't want a live Redis instance.
type MemoryStore struct {
	mu     sync.RWMutex
	store  map[string]memoryEntry
	logger Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store:  make(map[string]memoryEntry),
		logger: &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store, tagging it with the
// "state" component when the logger supports it.
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger == nil {
		m.logger = nil
		return
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("state")
	} else {
		m.logger = logger
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return "", nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.store[key] = entry
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Incr atomically increments the integer counter at key, applying ttl.
// Mirrors state.RedisStore's pipelined Incr+Expire for the in-process
// fallback used by local development and tests.
func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.store[key]
	var current int64
	if exists && !(!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		current, _ = strconv.ParseInt(entry.value, 10, 64)
	}
	current++

	next := memoryEntry{value: strconv.FormatInt(current, 10)}
	if ttl > 0 {
		next.expiresAt = time.Now().Add(ttl)
	}
	m.store[key] = next
	return current, nil
}

// Reset sets the integer counter at key back to 0.
func (m *MemoryStore) Reset(ctx context.Context, key string, ttl time.Duration) error {
	return m.Set(ctx, key, "0", ttl)
}

var _ Memory = (*MemoryStore)(nil)
