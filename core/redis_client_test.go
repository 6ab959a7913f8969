package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"Bus", RedisDBBus, "Priority Bus"},
		{"State", RedisDBState, "Shared State"},
		{"Events", RedisDBEvents, "Event Channel"},
		{"Unnamed", 5, "DB 5"},
		{"DB16", 16, "DB 16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRedisDBName(tt.db))
		})
	}
}

func TestIsReservedDB(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected bool
	}{
		{"Bus", RedisDBBus, false},
		{"State", RedisDBState, false},
		{"Events", RedisDBEvents, false},
		{"DB3", 3, true},
		{"DB15", 15, true},
		{"DB16", 16, false},
		{"NegativeDB", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsReservedDB(tt.db))
		})
	}
}
