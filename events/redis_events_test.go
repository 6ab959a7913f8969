package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/core"
)

func newTestChannel(t *testing.T) (*RedisChannel, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return New(client, Config{Prefix: "test:events"}, &core.NoOpLogger{}), cleanup
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	c, cleanup := newTestChannel(t)
	defer cleanup()
	ctx := context.Background()

	received, cancel, err := c.Subscribe(ctx, "test.generated")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "test.generated", Event{
		Kind: "test.generated", Timestamp: 123, Data: map[string]interface{}{"artifactId": "a1"},
	}))

	select {
	case evt := <-received:
		assert.Equal(t, "test.generated", evt.Kind)
		assert.Equal(t, "a1", evt.Data["artifactId"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWithNoSubscriberDoesNotError(t *testing.T) {
	c, cleanup := newTestChannel(t)
	defer cleanup()
	err := c.Publish(context.Background(), "nobody.listening", Event{Kind: "x"})
	require.NoError(t, err)
}

func TestCancelStopsDelivery(t *testing.T) {
	c, cleanup := newTestChannel(t)
	defer cleanup()
	ctx := context.Background()

	received, cancel, err := c.Subscribe(ctx, "ch")
	require.NoError(t, err)
	cancel()

	require.NoError(t, c.Publish(ctx, "ch", Event{Kind: "ignored"}))

	select {
	case _, ok := <-received:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed after cancel")
	}
}
