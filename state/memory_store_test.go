package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackedStoreSatisfiesStoreContract(t *testing.T) {
	s := NewMemoryBackedStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Hour))
	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	n, err := s.Incr(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.Incr(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, s.Reset(ctx, "counter", time.Hour))
	got, err = s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "0", got)

	type fixture struct{ Name string }
	require.NoError(t, s.SetJSON(ctx, "j1", fixture{Name: "a"}, time.Hour))
	var out fixture
	found, err := s.GetJSON(ctx, "j1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", out.Name)
}
