package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/core"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: "redis://" + mr.Addr(), Namespace: "test:state"})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return New(client, Config{Prefix: "test:state", DefaultTTL: time.Hour}, &core.NoOpLogger{}), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Hour))
	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestGetMissingKeyReturnsEmptyNotError(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestExistsAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "v1", time.Hour))
	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "k1"))
	exists, err = s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting an absent key is not an error.
	require.NoError(t, s.Delete(ctx, "k1"))
}

func TestIncrAndReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "attempts:E1", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.Incr(ctx, "attempts:E1", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, s.Reset(ctx, "attempts:E1", time.Hour))
	got, err := s.Get(ctx, "attempts:E1")
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}

type pendingFixture struct {
	TestFilePath     string   `json:"testFilePath"`
	OriginalSelector string   `json:"originalSelector"`
	CandidateIndex   int      `json:"candidateIndex"`
	Candidates       []string `json:"candidates"`
}

func TestSetJSONGetJSONRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := pendingFixture{TestFilePath: "t.spec.ts", OriginalSelector: "getByRole('banner')", CandidateIndex: 0}
	require.NoError(t, s.SetJSON(ctx, "opt:pending:E1", p, 10*time.Minute))

	var got pendingFixture
	found, err := s.GetJSON(ctx, "opt:pending:E1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, p, got)
}

func TestGetJSONMissingKeyNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	var got pendingFixture
	found, err := s.GetJSON(context.Background(), "opt:pending:missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeyNamespacing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", "v1", time.Hour))
	assert.True(t, mr.Exists("test:state:k1"))
}
