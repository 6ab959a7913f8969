package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
)

// fakeBus records acknowledge/fail calls; Send/ConsumeNext/Stats/ResetAll
// are unused by Runtime and stubbed.
type fakeBus struct {
	mu      sync.Mutex
	acked   []string
	failed  []string
	reasons []string
}

func (f *fakeBus) Send(ctx context.Context, msg *bus.Message) error { return nil }

func (f *fakeBus) ConsumeNext(ctx context.Context, timeout time.Duration) (*bus.Message, error) {
	return nil, nil
}

func (f *fakeBus) Acknowledge(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeBus) Fail(ctx context.Context, id string, msg *bus.Message, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeBus) Stats(ctx context.Context) (*bus.QueueStats, error) { return &bus.QueueStats{}, nil }

func (f *fakeBus) ResetAll(ctx context.Context) (*bus.ResetResult, error) {
	return &bus.ResetResult{}, nil
}

func (f *fakeBus) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.acked))
	copy(out, f.acked)
	return out
}

func (f *fakeBus) failedReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reasons))
	copy(out, f.reasons)
	return out
}

var _ bus.Bus = (*fakeBus)(nil)

// fakeHandler is a scriptable Handler: onMessageFn decides success/failure
// per call, and every lifecycle hook is counted.
type fakeHandler struct {
	initCalls     atomic.Int32
	shutdownCalls atomic.Int32
	initErr       error
	onMessageFn   func(ctx context.Context, msg *bus.Message) error
}

func (h *fakeHandler) OnInitialize(ctx context.Context) error {
	h.initCalls.Add(1)
	return h.initErr
}

func (h *fakeHandler) OnMessage(ctx context.Context, msg *bus.Message) error {
	if h.onMessageFn != nil {
		return h.onMessageFn(ctx, msg)
	}
	return nil
}

func (h *fakeHandler) OnShutdown(ctx context.Context) error {
	h.shutdownCalls.Add(1)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.StartupBudget = time.Second
	cfg.ShutdownBudget = time.Second
	cfg.HealthInterval = 50 * time.Millisecond
	return cfg
}

func TestInitializeRunsOnInitializeAndStartsHealthTick(t *testing.T) {
	h := &fakeHandler{}
	r := New("test", h, &fakeBus{}, nil, testConfig(), &core.NoOpLogger{})

	require.NoError(t, r.Initialize(context.Background()))
	assert.EqualValues(t, 1, h.initCalls.Load())
	assert.Equal(t, StateHealthy, r.State())

	require.NoError(t, r.Shutdown(context.Background()))
	assert.EqualValues(t, 1, h.shutdownCalls.Load())
	assert.Equal(t, StateOffline, r.State())
}

func TestInitializeIsIdempotentAndCoalesces(t *testing.T) {
	h := &fakeHandler{}
	r := New("test", h, &fakeBus{}, nil, testConfig(), &core.NoOpLogger{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Initialize(context.Background())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.initCalls.Load())
	defer r.Shutdown(context.Background())
}

func TestInitializeFailsWhenDependencyUnready(t *testing.T) {
	h := &fakeHandler{}
	dep := NewDependency("store", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	r := New("test", h, &fakeBus{}, []Dependency{dep}, testConfig(), &core.NoOpLogger{})

	err := r.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnhealthy, r.State())
	assert.EqualValues(t, 0, h.initCalls.Load())
}

func TestHandleAcknowledgesOnSuccess(t *testing.T) {
	h := &fakeHandler{}
	b := &fakeBus{}
	r := New("test", h, b, nil, testConfig(), &core.NoOpLogger{})
	require.NoError(t, r.Initialize(context.Background()))
	defer r.Shutdown(context.Background())

	r.Handle(context.Background(), &bus.Message{ID: "M1"})

	assert.Equal(t, []string{"M1"}, b.ackedIDs())
	m := r.Metrics()
	assert.EqualValues(t, 1, m.Processed)
	assert.EqualValues(t, 1, m.Acked)
}

func TestHandleFailsOnHandlerError(t *testing.T) {
	h := &fakeHandler{onMessageFn: func(ctx context.Context, msg *bus.Message) error {
		return errors.New("boom")
	}}
	b := &fakeBus{}
	r := New("test", h, b, nil, testConfig(), &core.NoOpLogger{})
	require.NoError(t, r.Initialize(context.Background()))
	defer r.Shutdown(context.Background())

	r.Handle(context.Background(), &bus.Message{ID: "M1"})

	assert.Equal(t, []string{bus.ReasonHandlerFailure}, b.failedReasons())
	m := r.Metrics()
	assert.EqualValues(t, 1, m.Failed)
	assert.EqualValues(t, 1, m.Errors)
	assert.Equal(t, "boom", m.LastError)
}

func TestHandleSkipsProcessingWhenBreakerOpen(t *testing.T) {
	callCount := atomic.Int32{}
	h := &fakeHandler{onMessageFn: func(ctx context.Context, msg *bus.Message) error {
		callCount.Add(1)
		return errors.New("boom")
	}}
	b := &fakeBus{}
	cfg := testConfig()
	cfg.Breaker.VolumeThreshold = 1
	cfg.Breaker.ErrorThreshold = 0.1
	r := New("test", h, b, nil, cfg, &core.NoOpLogger{})
	require.NoError(t, r.Initialize(context.Background()))
	defer r.Shutdown(context.Background())

	for i := 0; i < 20; i++ {
		r.Handle(context.Background(), &bus.Message{ID: fmt.Sprintf("M%d", i)})
	}

	require.Eventually(t, func() bool {
		return r.breaker.GetState() == "open"
	}, time.Second, 5*time.Millisecond)

	calls := callCount.Load()
	r.Handle(context.Background(), &bus.Message{ID: "DROPPED"})
	assert.Equal(t, calls, callCount.Load(), "handler must not be invoked while breaker is open")

	b.mu.Lock()
	for _, id := range b.acked {
		assert.NotEqual(t, "DROPPED", id)
	}
	for _, id := range b.failed {
		assert.NotEqual(t, "DROPPED", id)
	}
	b.mu.Unlock()
}

func TestHealthTickAppliesHysteresis(t *testing.T) {
	h := &fakeHandler{}
	var depHealthy atomic.Bool
	depHealthy.Store(true)
	dep := NewDependency("bus", func(ctx context.Context) error {
		if depHealthy.Load() {
			return nil
		}
		return errors.New("unreachable")
	})
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.RecoveryThreshold = 2
	r := New("test", h, &fakeBus{}, []Dependency{dep}, cfg, &core.NoOpLogger{})
	require.NoError(t, r.Initialize(context.Background()))
	defer r.Shutdown(context.Background())

	depHealthy.Store(false)
	require.Eventually(t, func() bool {
		return r.Metrics().Status == HealthUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	depHealthy.Store(true)
	require.Eventually(t, func() bool {
		return r.Metrics().Status == HealthHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsLifecycleRingRecordsTransitions(t *testing.T) {
	h := &fakeHandler{}
	r := New("test", h, &fakeBus{}, nil, testConfig(), &core.NoOpLogger{})
	require.NoError(t, r.Initialize(context.Background()))

	m := r.Metrics()
	require.NotEmpty(t, m.Lifecycle)
	assert.Equal(t, "agent.lifecycle.started", m.Lifecycle[0].Event)

	require.NoError(t, r.Shutdown(context.Background()))
	m = r.Metrics()
	found := false
	for _, ev := range m.Lifecycle {
		if ev.Event == "agent.lifecycle.stopped" {
			found = true
		}
	}
	assert.True(t, found)
}
