// Package contextagent implements the Context Agent (C11). It is named
// contextagent rather than context to avoid shadowing the standard
// library's context package; on the bus it is addressed by the plain
// target type "context".
package contextagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/testorch/coordinator/agents/internal/dispatch"
	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/state"
)

// Config tunes key namespacing and TTLs.
type Config struct {
	Namespace      string
	DefaultTTL     time.Duration
	FailureTTL     time.Duration
	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the spec's default Context Agent tuning.
func DefaultConfig() Config {
	return Config{Namespace: "ctx", DefaultTTL: time.Hour, FailureTTL: time.Hour}
}

// failureContext is the richer failure record stored for
// ctx:lastFailure:<id>.
type failureContext struct {
	ExecutionID   string `json:"executionId"`
	TestFilePath  string `json:"testFilePath,omitempty"`
	SelectorGuess string `json:"selectorGuess,omitempty"`
	ErrorSnippet  string `json:"errorSnippet,omitempty"`
	RecordedAt    int64  `json:"recordedAt"`
}

// ContextAgent implements agent.Handler for UPDATE_CONTEXT, GET_CONTEXT,
// EXECUTION_FAILURE, and EXECUTION_RESULT.
type ContextAgent struct {
	store  state.Store
	bus    bus.Bus
	logger core.Logger
	config Config
	source bus.Source
}

// New builds a ContextAgent.
func New(store state.Store, b bus.Bus, cfg Config, logger core.Logger) *ContextAgent {
	if cfg.Namespace == "" {
		cfg.Namespace = "ctx"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/context")
	}
	return &ContextAgent{
		store:  store,
		bus:    b,
		logger: logger,
		config: cfg,
		source: bus.Source{Type: "context", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (c *ContextAgent) OnInitialize(ctx context.Context) error { return nil }

func (c *ContextAgent) OnShutdown(ctx context.Context) error { return nil }

func (c *ContextAgent) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "UPDATE_CONTEXT":
		return c.handleUpdateContext(ctx, msg)
	case "GET_CONTEXT":
		return c.handleGetContext(ctx, msg)
	case "EXECUTION_FAILURE":
		return c.handleExecutionFailure(ctx, msg)
	case "EXECUTION_RESULT":
		return c.handleExecutionResult(ctx, msg)
	default:
		return fmt.Errorf("contextagent: unsupported message kind %q", msg.Kind)
	}
}

func (c *ContextAgent) namespacedKey(key string) string {
	return fmt.Sprintf("%s:%s", c.config.Namespace, key)
}

func (c *ContextAgent) handleUpdateContext(ctx context.Context, msg *bus.Message) error {
	key := payload.String(msg.Payload, "key")
	value := payload.String(msg.Payload, "value")
	if key == "" {
		return fmt.Errorf("contextagent: UPDATE_CONTEXT missing key")
	}
	ttl := c.config.DefaultTTL
	if seconds := payload.Int(msg.Payload, "ttl"); seconds > 0 {
		ttl = time.Duration(seconds) * time.Second
	}
	return c.store.Set(ctx, c.namespacedKey(key), value, ttl)
}

func (c *ContextAgent) handleGetContext(ctx context.Context, msg *bus.Message) error {
	key := payload.String(msg.Payload, "key")
	if key == "" {
		return fmt.Errorf("contextagent: GET_CONTEXT missing key")
	}
	_, err := c.store.Get(ctx, c.namespacedKey(key))
	if err != nil {
		return fmt.Errorf("contextagent: reading context key %q: %w", key, err)
	}
	return nil
}

// handleExecutionFailure stores the last-failure marker and forwards a
// terminal EXECUTION_RESULT to the Optimizer, per §4.9.
func (c *ContextAgent) handleExecutionFailure(ctx context.Context, msg *bus.Message) error {
	executionID := payload.String(msg.Payload, "executionId")
	if executionID == "" {
		return fmt.Errorf("contextagent: EXECUTION_FAILURE missing executionId")
	}

	fc := failureContext{
		ExecutionID:  executionID,
		ErrorSnippet: payload.String(msg.Payload, "summary"),
		RecordedAt:   time.Now().UnixMilli(),
	}
	if err := c.storeLastFailure(ctx, executionID, fc); err != nil {
		return err
	}

	resultMsg := dispatch.New(c.source, "optimizer", "EXECUTION_RESULT", bus.PriorityHigh, map[string]interface{}{
		"executionId": executionID,
		"status":      "failed",
	})
	return c.bus.Send(ctx, resultMsg)
}

// handleExecutionResult handles the extended EXECUTION_RESULT carrying
// failedTests[], picking the first failure and requesting a locator-driven
// rewrite from the Optimizer.
func (c *ContextAgent) handleExecutionResult(ctx context.Context, msg *bus.Message) error {
	executionID := payload.String(msg.Payload, "executionId")
	if executionID == "" {
		return fmt.Errorf("contextagent: EXECUTION_RESULT missing executionId")
	}

	failedTests := payload.StringMapSlice(msg.Payload, "failedTests")
	if len(failedTests) == 0 {
		return nil
	}
	first := failedTests[0]
	testFilePath := payload.String(first, "file")
	selectorGuess := payload.String(first, "selectorGuess")

	fc := failureContext{
		ExecutionID:   executionID,
		TestFilePath:  testFilePath,
		SelectorGuess: selectorGuess,
		ErrorSnippet:  payload.String(first, "errorSnippet"),
		RecordedAt:    time.Now().UnixMilli(),
	}
	if err := c.storeLastFailure(ctx, executionID, fc); err != nil {
		return err
	}

	optimizeMsg := dispatch.New(c.source, "optimizer", "OPTIMIZE_TEST_FILE", bus.PriorityNormal, map[string]interface{}{
		"executionId":      executionID,
		"testFilePath":     testFilePath,
		"originalSelector": selectorGuess,
	})
	return c.bus.Send(ctx, optimizeMsg)
}

func (c *ContextAgent) storeLastFailure(ctx context.Context, executionID string, fc failureContext) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("contextagent: encoding failure context: %w", err)
	}
	key := fmt.Sprintf("%s:lastFailure:%s", c.config.Namespace, executionID)
	if err := c.store.Set(ctx, key, string(data), c.config.FailureTTL); err != nil {
		return fmt.Errorf("contextagent: storing last failure: %w", err)
	}
	return nil
}
