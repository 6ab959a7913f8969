package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SetJSON marshals v and stores it at key with ttl. Used for structured
// values like optimizer pending state and failure context.
func (s *RedisStore) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// GetJSON reads key and unmarshals it into v. Returns found=false and a
// nil error if the key is absent, matching core.Memory's Get contract.
func (s *RedisStore) GetJSON(ctx context.Context, key string, v interface{}) (found bool, err error) {
	raw, err := s.Get(ctx, key)
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
