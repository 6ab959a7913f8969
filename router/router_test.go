package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
)

// fakeBus implements bus.Bus backed by an in-memory FIFO channel, ignoring
// priority (the bus package itself tests priority ordering; this double
// only needs to exercise the router's dispatch loop).
type fakeBus struct {
	mu       sync.Mutex
	messages chan *bus.Message
	failed   []string
	failedMu sync.Mutex
}

func newFakeBus(buf int) *fakeBus {
	return &fakeBus{messages: make(chan *bus.Message, buf)}
}

func (f *fakeBus) Send(ctx context.Context, msg *bus.Message) error {
	select {
	case f.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBus) ConsumeNext(ctx context.Context, timeout time.Duration) (*bus.Message, error) {
	select {
	case msg := <-f.messages:
		return msg, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBus) Acknowledge(ctx context.Context, id string) error { return nil }

func (f *fakeBus) Fail(ctx context.Context, id string, msg *bus.Message, reason string) error {
	f.failedMu.Lock()
	defer f.failedMu.Unlock()
	f.failed = append(f.failed, reason)
	return nil
}

func (f *fakeBus) Stats(ctx context.Context) (*bus.QueueStats, error) { return &bus.QueueStats{}, nil }

func (f *fakeBus) ResetAll(ctx context.Context) (*bus.ResetResult, error) {
	return &bus.ResetResult{}, nil
}

// fakeAgent records every message it was asked to handle.
type fakeAgent struct {
	mu       sync.Mutex
	handled  []string
	block    chan struct{}
	panicOn  string
	handleFn func(ctx context.Context, msg *bus.Message)
}

func (a *fakeAgent) Handle(ctx context.Context, msg *bus.Message) {
	if a.handleFn != nil {
		a.handleFn(ctx, msg)
		return
	}
	if a.block != nil {
		<-a.block
	}
	if a.panicOn == msg.ID {
		panic("boom")
	}
	a.mu.Lock()
	a.handled = append(a.handled, msg.ID)
	a.mu.Unlock()
}

func (a *fakeAgent) handledIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.handled))
	copy(out, a.handled)
	return out
}

func TestRouterDispatchesToRegisteredAgent(t *testing.T) {
	b := newFakeBus(4)
	agent := &fakeAgent{}
	r := New(b, DefaultConfig(), &core.NoOpLogger{})
	require.NoError(t, r.RegisterAgent("executor", agent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, r.Stop(context.Background()))
	}()

	require.NoError(t, b.Send(ctx, &bus.Message{ID: "M1", Target: bus.Target{Type: "executor"}}))

	require.Eventually(t, func() bool {
		return len(agent.handledIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouterNormalizesTargetTypeAndAcceptsAgentAlias(t *testing.T) {
	b := newFakeBus(4)
	agent := &fakeAgent{}
	r := New(b, DefaultConfig(), &core.NoOpLogger{})
	require.NoError(t, r.RegisterAgent("executor", agent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, r.Stop(context.Background()))
	}()

	require.NoError(t, b.Send(ctx, &bus.Message{ID: "M1", Target: bus.Target{Type: "Executor-Agent"}}))

	require.Eventually(t, func() bool {
		return len(agent.handledIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouterFailsUnknownTargetType(t *testing.T) {
	b := newFakeBus(4)
	r := New(b, DefaultConfig(), &core.NoOpLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, r.Stop(context.Background()))
	}()

	require.NoError(t, b.Send(ctx, &bus.Message{ID: "M1", Target: bus.Target{Type: "nonexistent"}}))

	require.Eventually(t, func() bool {
		b.failedMu.Lock()
		defer b.failedMu.Unlock()
		return len(b.failed) == 1 && b.failed[0] == bus.ReasonNoAgent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouterBoundsConcurrency(t *testing.T) {
	b := newFakeBus(10)
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	agent := &fakeAgent{handleFn: func(ctx context.Context, msg *bus.Message) {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}}

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	r := New(b, cfg, &core.NoOpLogger{})
	require.NoError(t, r.RegisterAgent("executor", agent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(ctx, &bus.Message{ID: string(rune('A' + i)), Target: bus.Target{Type: "executor"}}))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, int(maxSeen.Load()), 2)

	close(release)
	cancel()
	require.NoError(t, r.Stop(context.Background()))
}

func TestRouterRecoversPanickingAgent(t *testing.T) {
	b := newFakeBus(4)
	agent := &fakeAgent{panicOn: "BAD"}
	r := New(b, DefaultConfig(), &core.NoOpLogger{})
	require.NoError(t, r.RegisterAgent("executor", agent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Start(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, r.Stop(context.Background()))
	}()

	require.NoError(t, b.Send(ctx, &bus.Message{ID: "BAD", Target: bus.Target{Type: "executor"}}))
	require.NoError(t, b.Send(ctx, &bus.Message{ID: "GOOD", Target: bus.Target{Type: "executor"}}))

	require.Eventually(t, func() bool {
		for _, id := range agent.handledIDs() {
			if id == "GOOD" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

var _ bus.Bus = (*fakeBus)(nil)
