package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/testorch/coordinator/core"
)

// MemoryBackedStore adapts core.MemoryStore (the teacher's in-process
// fallback) into the full Store contract by adding the JSON convenience
// methods RedisStore also provides. Used for local development without a
// live Redis instance and by agents/* package tests.
type MemoryBackedStore struct {
	*core.MemoryStore
}

// NewMemoryBackedStore creates an empty in-process Store.
func NewMemoryBackedStore() *MemoryBackedStore {
	return &MemoryBackedStore{MemoryStore: core.NewMemoryStore()}
}

func (m *MemoryBackedStore) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

func (m *MemoryBackedStore) GetJSON(ctx context.Context, key string, v interface{}) (found bool, err error) {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to deserialize value for %s: %w", key, err)
	}
	return true, nil
}

var _ Store = (*MemoryBackedStore)(nil)
