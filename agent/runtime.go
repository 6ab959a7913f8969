// Package agent implements the Agent Runtime (C4): it hosts one typed
// Handler and mediates initialize/shutdown, message dispatch, health
// ticking, circuit breaking, and per-agent metrics around it. Every
// domain agent (writer, executor, optimizer, locator, reporter, context,
// logger) is a Handler wrapped in a Runtime and registered with the
// router under its target type.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/resilience"
	"github.com/testorch/coordinator/telemetry"
)

// State is the agent lifecycle state machine:
// uninitialized -> initializing -> healthy <-> degraded <-> unhealthy -> offline.
// offline is terminal.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateHealthy       State = "healthy"
	StateDegraded      State = "degraded"
	StateUnhealthy     State = "unhealthy"
	StateOffline       State = "offline"
)

// HealthStatus is the result of probing a single dependency or the
// agent as a whole. Ranked offline > unhealthy > degraded > healthy so
// the health tick can aggregate the worst of several checks.
type HealthStatus string

const (
	HealthHealthy    HealthStatus = "healthy"
	HealthDegraded   HealthStatus = "degraded"
	HealthUnhealthy  HealthStatus = "unhealthy"
	HealthOffline    HealthStatus = "offline"
)

var healthRank = map[HealthStatus]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
	HealthOffline:   3,
}

// worstOf returns whichever of a, b ranks worse.
func worstOf(a, b HealthStatus) HealthStatus {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

// Handler is the agent-specific behavior hosted by a Runtime. Each
// domain agent (C6-C12) implements this.
type Handler interface {
	OnInitialize(ctx context.Context) error
	OnMessage(ctx context.Context, msg *bus.Message) error
	OnShutdown(ctx context.Context) error
}

// Dependency is a collaborator the health tick probes each interval:
// the bus, the event channel, the shared store, or a DB collaborator.
type Dependency interface {
	Name() string
	Check(ctx context.Context) error
}

// Config tunes startup/shutdown budgets, health tick cadence and
// hysteresis, and the circuit breaker this runtime wraps its handler in.
type Config struct {
	AgentType string

	StartupBudget  time.Duration
	ShutdownBudget time.Duration

	HealthInterval    time.Duration
	FailureThreshold  int
	RecoveryThreshold int

	Breaker *resilience.CircuitBreakerConfig
}

// DefaultConfig returns the spec's default Agent Runtime tuning: a 10s
// health tick, a circuit breaker that opens once processed > 10 and the
// failure rate exceeds 0.5, going half-open 60s after it opens.
func DefaultConfig(agentType string) Config {
	return Config{
		AgentType:         agentType,
		StartupBudget:     10 * time.Second,
		ShutdownBudget:    10 * time.Second,
		HealthInterval:    10 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		Breaker:           BreakerConfig(agentType),
	}
}

// ConfigFromCore maps core.HealthConfig onto a per-agent runtime Config.
func ConfigFromCore(agentType string, hc core.HealthConfig) Config {
	cfg := DefaultConfig(agentType)
	if hc.IntervalMs > 0 {
		cfg.HealthInterval = time.Duration(hc.IntervalMs) * time.Millisecond
	}
	if hc.FailureThreshold > 0 {
		cfg.FailureThreshold = hc.FailureThreshold
	}
	if hc.RecoveryThreshold > 0 {
		cfg.RecoveryThreshold = hc.RecoveryThreshold
	}
	return cfg
}

// BreakerConfig returns the Agent Runtime's circuit breaker tuning:
// opens once more than 10 messages have been processed and the error
// rate over the sliding window exceeds 0.5; 60s after opening it goes
// half-open and admits 5 probe requests, closing once at least 0.6 of
// them succeed and re-opening otherwise. This deliberately overrides the
// teacher's DefaultConfig, which uses a 30s sleep window.
func BreakerConfig(name string) *resilience.CircuitBreakerConfig {
	return &resilience.CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  11,
		SleepWindow:      60 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
	}
}

// LifecycleEvent records one transition or notable occurrence for the
// bounded lifecycle ring surfaced in Metrics.
type LifecycleEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
}

const lifecycleRingSize = 50

// Metrics is the point-in-time snapshot returned by Runtime.Metrics.
type Metrics struct {
	Processed       int64            `json:"processed"`
	Acked           int64            `json:"acked"`
	Failed          int64            `json:"failed"`
	Errors          int64            `json:"errors"`
	LastError       string           `json:"lastError,omitempty"`
	AvgProcessingMs float64          `json:"avgProcessingMs"`
	Status          HealthStatus     `json:"status"`
	Lifecycle       []LifecycleEvent `json:"lifecycle"`
}

// Runtime hosts a Handler and implements router.Agent.
type Runtime struct {
	agentType string
	handler   Handler
	bus       bus.Bus
	deps      []Dependency
	config    Config
	logger    core.Logger
	breaker   *resilience.CircuitBreaker

	stateMu             sync.Mutex
	state               State
	status              HealthStatus
	consecutiveDegraded int
	consecutiveHealthy  int

	processed         atomic.Int64
	acked             atomic.Int64
	failed            atomic.Int64
	errored           atomic.Int64
	totalProcessingNs atomic.Int64

	lastErrMu sync.Mutex
	lastErr   string

	ringMu sync.Mutex
	ring   []LifecycleEvent

	initOnce     sync.Once
	initErr      error
	shutdownOnce sync.Once

	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// New builds a Runtime around handler. deps are probed in order at
// initialize and on every health tick (typically: the shared store, the
// DB collaborator, the bus, the event channel).
func New(agentType string, handler Handler, b bus.Bus, deps []Dependency, config Config, logger core.Logger) *Runtime {
	if config.StartupBudget <= 0 {
		config.StartupBudget = 10 * time.Second
	}
	if config.ShutdownBudget <= 0 {
		config.ShutdownBudget = 10 * time.Second
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 10 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 2
	}
	if config.Breaker == nil {
		config.Breaker = BreakerConfig(agentType)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/" + agentType)
	}

	breaker, err := resilience.NewCircuitBreaker(config.Breaker)
	if err != nil {
		// DefaultConfig-derived breakers are always valid; a failure here
		// means the caller passed a malformed override.
		panic(fmt.Sprintf("agent: invalid breaker config for %s: %v", agentType, err))
	}
	breaker.SetLogger(logger)

	return &Runtime{
		agentType: agentType,
		handler:   handler,
		bus:       b,
		deps:      deps,
		config:    config,
		logger:    logger,
		breaker:   breaker,
		state:     StateUninitialized,
		status:    HealthHealthy,
	}
}

// Initialize opens dependencies in order, runs the handler's
// onInitialize, and starts the health tick. Idempotent: concurrent and
// repeated calls coalesce onto the first and return its result.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.setState(StateInitializing)

		initCtx, cancel := context.WithTimeout(ctx, r.config.StartupBudget)
		defer cancel()

		for _, d := range r.deps {
			if err := d.Check(initCtx); err != nil {
				r.initErr = fmt.Errorf("agent %s: dependency %q not ready: %w", r.agentType, d.Name(), err)
				r.setState(StateUnhealthy)
				return
			}
		}

		if err := r.handler.OnInitialize(initCtx); err != nil {
			r.initErr = fmt.Errorf("agent %s: onInitialize: %w", r.agentType, err)
			r.setState(StateUnhealthy)
			return
		}

		r.setState(StateHealthy)
		r.recordLifecycleEvent("agent.lifecycle.started", "")
		r.startHealthTick()
	})
	return r.initErr
}

// Shutdown transitions to offline, stops the health tick, and runs the
// handler's onShutdown within the shutdown budget. Idempotent.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var shutdownErr error
	r.shutdownOnce.Do(func() {
		r.setState(StateOffline)
		if r.healthCancel != nil {
			r.healthCancel()
		}
		r.healthWg.Wait()

		shCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownBudget)
		defer cancel()

		shutdownErr = r.handler.OnShutdown(shCtx)
		r.recordLifecycleEvent("agent.lifecycle.stopped", "")
	})
	return shutdownErr
}

// Handle implements router.Agent. It gates dispatch on the circuit
// breaker, invokes the handler, and acknowledges or fails the message on
// the bus depending on the outcome.
func (r *Runtime) Handle(ctx context.Context, msg *bus.Message) {
	spanCtx, end := telemetry.StartLinkedSpan(ctx, "agent.handle", "", "", map[string]string{
		"agent.type":   r.agentType,
		"message.id":   msg.ID,
		"message.kind": msg.Kind,
	})
	defer end()

	start := time.Now()
	err := r.breaker.Execute(spanCtx, func() error {
		return r.handler.OnMessage(spanCtx, msg)
	})

	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		// Do not process; return without acknowledging so the lease
		// expires and the message is redelivered once the breaker closes.
		r.logger.Warn("Circuit breaker open, dropping message without ack", map[string]interface{}{
			"agent_type": r.agentType, "message_id": msg.ID,
		})
		return
	}

	r.processed.Add(1)
	r.totalProcessingNs.Add(int64(time.Since(start)))

	if err != nil {
		r.failed.Add(1)
		r.errored.Add(1)
		r.setLastError(err)
		telemetry.RecordSpanError(spanCtx, err)
		if failErr := r.bus.Fail(spanCtx, msg.ID, msg, bus.ReasonHandlerFailure); failErr != nil {
			r.logger.Error("Failed to fail message after handler error", map[string]interface{}{
				"message_id": msg.ID, "error": failErr.Error(),
			})
		}
		return
	}

	r.acked.Add(1)
	if ackErr := r.bus.Acknowledge(spanCtx, msg.ID); ackErr != nil {
		r.logger.Error("Failed to acknowledge message", map[string]interface{}{
			"message_id": msg.ID, "error": ackErr.Error(),
		})
	}
}

// Metrics returns a point-in-time snapshot of counters, average
// processing time, current status, and the lifecycle event ring.
func (r *Runtime) Metrics() Metrics {
	processed := r.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(r.totalProcessingNs.Load()) / float64(processed) / float64(time.Millisecond)
	}

	r.lastErrMu.Lock()
	lastErr := r.lastErr
	r.lastErrMu.Unlock()

	r.ringMu.Lock()
	ring := make([]LifecycleEvent, len(r.ring))
	copy(ring, r.ring)
	r.ringMu.Unlock()

	r.stateMu.Lock()
	status := r.status
	r.stateMu.Unlock()

	return Metrics{
		Processed:       processed,
		Acked:           r.acked.Load(),
		Failed:          r.failed.Load(),
		Errors:          r.errored.Load(),
		LastError:       lastErr,
		AvgProcessingMs: avg,
		Status:          status,
		Lifecycle:       ring,
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

func (r *Runtime) setLastError(err error) {
	r.lastErrMu.Lock()
	r.lastErr = err.Error()
	r.lastErrMu.Unlock()
}

func (r *Runtime) recordLifecycleEvent(event, detail string) {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	r.ring = append(r.ring, LifecycleEvent{Timestamp: time.Now().UnixMilli(), Event: event, Detail: detail})
	if len(r.ring) > lifecycleRingSize {
		r.ring = r.ring[len(r.ring)-lifecycleRingSize:]
	}
}
