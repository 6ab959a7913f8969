// Package events implements the Event Channel (C3): fire-and-forget
// broadcast of lifecycle and domain events (test.generated,
// execution.completed, report.generated, locator.synthesis.completed)
// over Redis Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/testorch/coordinator/core"
)

// Event is a single broadcast payload. Kind mirrors the lifecycle/domain
// event names in spec.md §4 (e.g. "test.generated", "execution.completed").
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Channel publishes and subscribes to named event channels. Publish never
// blocks on subscriber presence — Redis Pub/Sub silently drops events with
// no listener, matching the "fire-and-forget" contract.
type Channel interface {
	Publish(ctx context.Context, name string, event Event) error
	Subscribe(ctx context.Context, name string) (<-chan Event, func(), error)
}

// Config names the channel-name prefix.
type Config struct {
	Prefix string
}

// ConfigFromCore maps core.EventsConfig onto an events Config.
func ConfigFromCore(c core.EventsConfig) Config {
	cfg := Config{Prefix: "testorch:events"}
	if c.Prefix != "" {
		cfg.Prefix = c.Prefix
	}
	return cfg
}

// RedisChannel implements Channel over Redis Pub/Sub. The publish/subscribe
// technique (JSON-marshal, client.Publish; client.Subscribe + pubsub.Receive
// to confirm, then a goroutine draining pubsub.Channel() into the returned
// channel with cleanup on cancellation) is carried over from the teacher's
// HITL command store, generalized from a single-checkpoint command channel
// to an arbitrary named event channel.
type RedisChannel struct {
	client *redis.Client
	config Config
	logger core.Logger
}

// New creates an event channel against an already-connected client.
func New(client *redis.Client, config Config, logger core.Logger) *RedisChannel {
	if config.Prefix == "" {
		config.Prefix = "testorch:events"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("events")
	}
	return &RedisChannel{client: client, config: config, logger: logger}
}

func (c *RedisChannel) channelName(name string) string {
	return fmt.Sprintf("%s:%s", c.config.Prefix, name)
}

// Publish broadcasts event on the named channel. Never errors on "no
// subscriber" — that's a normal, unreported condition for Pub/Sub.
func (c *RedisChannel) Publish(ctx context.Context, name string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelName(name), data).Err(); err != nil {
		c.logger.ErrorWithContext(ctx, "Failed to publish event", map[string]interface{}{
			"channel": name, "kind": event.Kind, "error": err.Error(),
		})
		return core.NewFrameworkError("events.publish", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return nil
}

// Subscribe returns a channel of decoded events for name and a cancel
// function to stop the subscription. The returned channel is closed once
// the subscription is torn down.
func (c *RedisChannel) Subscribe(ctx context.Context, name string) (<-chan Event, func(), error) {
	channelName := c.channelName(name)
	pubsub := c.client.Subscribe(ctx, channelName)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, core.NewFrameworkError("events.subscribe", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					c.logger.Warn("Dropped malformed event", map[string]interface{}{
						"channel": name, "error": err.Error(),
					})
					continue
				}
				select {
				case out <- evt:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

var _ Channel = (*RedisChannel)(nil)
