// Package router implements the Consumer/Router (C5): it pulls messages
// off the bus in priority order, normalizes the target agent type, and
// dispatches to a bounded number of concurrent agent.Handle calls.
package router

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/telemetry"
)

// Agent is anything the router can dispatch a message to. The Agent
// Runtime (C4) implements this, internally handling acknowledge/fail,
// circuit breaking, and lifecycle state.
type Agent interface {
	Handle(ctx context.Context, msg *bus.Message)
}

// Config bounds the router's concurrency and polling behavior.
type Config struct {
	// MaxConcurrency caps in-flight agent.Handle calls. Default 4.
	MaxConcurrency int
	// DequeueTimeout is how long each consumeNext call blocks. Default 5s.
	DequeueTimeout time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight handlers
	// to drain before returning. Default 30s.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sane router defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  4,
		DequeueTimeout:  5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFromCore maps core.RouterConfig onto a router Config.
func ConfigFromCore(rc core.RouterConfig) Config {
	cfg := DefaultConfig()
	if rc.MaxConcurrency > 0 {
		cfg.MaxConcurrency = rc.MaxConcurrency
	}
	return cfg
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]`)

// normalizeTargetType lowercases and strips non-alphanumeric characters,
// per §4.3's routing contract.
func normalizeTargetType(raw string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(raw), "")
}

// Router pulls from the bus in priority order and routes to a registered
// Agent by target type, bounding concurrency with a semaphore rather than
// a fixed worker count — a single dispatch loop polls the bus, acquiring
// a concurrency slot before each consumeNext so load backs up in the bus
// instead of spawning unbounded goroutines.
type Router struct {
	bus    bus.Bus
	config Config
	logger core.Logger

	agents   map[string]Agent
	agentsMu sync.RWMutex

	sem     chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool
}

// New creates a router against the given bus.
func New(b bus.Bus, config Config, logger core.Logger) *Router {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("router")
	}
	return &Router{
		bus:    b,
		config: config,
		logger: logger,
		agents: make(map[string]Agent),
		sem:    make(chan struct{}, config.MaxConcurrency),
	}
}

// RegisterAgent associates an agent with a target type. Must be called
// before Start. Registering under "executor" also satisfies target types
// "executoragent" and "executor-agent" via the normalize-then-match rule
// applied at dispatch time, not at registration.
func (r *Router) RegisterAgent(targetType string, agent Agent) error {
	if targetType == "" {
		return fmt.Errorf("target type cannot be empty")
	}
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	if r.running.Load() {
		return fmt.Errorf("cannot register agent while router is running")
	}
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	r.agents[normalizeTargetType(targetType)] = agent
	return nil
}

func (r *Router) lookup(targetType string) (Agent, bool) {
	normalized := normalizeTargetType(targetType)
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()

	if a, ok := r.agents[normalized]; ok {
		return a, true
	}
	// Accept the "<name>agent" alias: "executoragent" -> "executor".
	if stripped := strings.TrimSuffix(normalized, "agent"); stripped != normalized {
		if a, ok := r.agents[stripped]; ok {
			return a, true
		}
	}
	return nil, false
}

// Start runs the dispatch loop until ctx is canceled or Stop is called.
// Blocks until the loop exits.
func (r *Router) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return fmt.Errorf("router already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer r.running.Store(false)

	r.logger.Info("Router started", map[string]interface{}{"max_concurrency": r.config.MaxConcurrency})

	for {
		select {
		case <-loopCtx.Done():
			r.logger.Info("Router stopping", nil)
			r.wg.Wait()
			return nil
		case r.sem <- struct{}{}:
		}

		msg, err := r.bus.ConsumeNext(loopCtx, r.config.DequeueTimeout)
		if err != nil {
			<-r.sem
			if loopCtx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			r.logger.Error("consumeNext failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if msg == nil {
			<-r.sem
			continue
		}

		r.wg.Add(1)
		go r.dispatch(loopCtx, msg)
	}
}

// Stop signals the dispatch loop to exit and waits up to ShutdownTimeout
// for in-flight handlers to drain.
func (r *Router) Stop(ctx context.Context) error {
	if !r.running.Load() {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.config.ShutdownTimeout):
		return fmt.Errorf("router shutdown timeout: handlers still in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) dispatch(ctx context.Context, msg *bus.Message) {
	defer func() { <-r.sem }()
	defer r.wg.Done()

	target := msg.Target.Type
	agent, ok := r.lookup(target)
	if !ok {
		r.logger.Warn("No agent registered for target type", map[string]interface{}{
			"message_id":  msg.ID,
			"target_type": target,
		})
		if err := r.bus.Fail(ctx, msg.ID, msg, bus.ReasonNoAgent); err != nil {
			r.logger.Error("Failed to dead-letter unroutable message", map[string]interface{}{
				"message_id": msg.ID, "error": err.Error(),
			})
		}
		return
	}

	spanCtx, end := telemetry.StartLinkedSpan(ctx, "router.dispatch", "", "", map[string]string{
		"message.id":   msg.ID,
		"message.kind": msg.Kind,
		"target.type":  normalizeTargetType(target),
	})
	defer end()

	r.safeHandle(spanCtx, agent, msg)
}

// safeHandle recovers a panicking agent handler so one bad message never
// takes down the router's dispatch loop.
func (r *Router) safeHandle(ctx context.Context, agent Agent, msg *bus.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("agent handler panic: %v", rec)
			telemetry.RecordSpanError(ctx, err)
			r.logger.Error("Agent handler panicked", map[string]interface{}{
				"message_id": msg.ID,
				"target":     msg.Target.Type,
				"panic":      fmt.Sprintf("%v", rec),
				"stack":      string(debug.Stack()),
			})
		}
	}()
	agent.Handle(ctx, msg)
}
