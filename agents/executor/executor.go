// Package executor implements the Executor Agent (C7): it runs the test
// command for one execution, tracks progress, and emits the terminal
// outcome to the Optimizer, Context, and Reporter agents.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/agents/internal/dispatch"
	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
	"github.com/testorch/coordinator/resilience"
)

// reportPersistRetryConfig retries a transient DB write for the terminal
// execution report a handful of times before giving up, rather than
// letting one Redis/DB blip fail the whole message and send it to the DLQ.
var reportPersistRetryConfig = &resilience.RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2.0,
	JitterEnabled: true,
}

// Config tunes the Executor's run mode and budgets.
type Config struct {
	Mode       string // "simulate" or "process"
	TestsDir   string
	ReportRoot string
	Timeout    time.Duration

	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the spec's default Executor tuning.
func DefaultConfig() Config {
	return Config{
		Mode:       "simulate",
		TestsDir:   "./tests",
		ReportRoot: "./reports",
		Timeout:    30 * time.Second,
	}
}

type executionRecord struct {
	Status       string
	Progress     float64
	StartTime    int64
	TestFilePath string
}

// Executor implements agent.Handler for kinds EXECUTION_REQUEST and
// EXECUTION_CANCEL. Execution records and the cancellation set are
// per-instance in-process state, per the single-headed-agent design note —
// no cross-instance coordination is attempted.
type Executor struct {
	runner collaborators.Runner
	db     collaborators.DB
	events events.Channel
	bus    bus.Bus
	logger core.Logger
	config Config
	source bus.Source

	recordsMu sync.Mutex
	records   map[string]executionRecord

	cancelMu sync.Mutex
	canceled map[string]bool
}

// New builds an Executor.
func New(runner collaborators.Runner, db collaborators.DB, ch events.Channel, b bus.Bus, cfg Config, logger core.Logger) *Executor {
	if cfg.Mode == "" {
		cfg.Mode = "simulate"
	}
	if cfg.TestsDir == "" {
		cfg.TestsDir = "./tests"
	}
	if cfg.ReportRoot == "" {
		cfg.ReportRoot = "./reports"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/executor")
	}
	return &Executor{
		runner:   runner,
		db:       db,
		events:   ch,
		bus:      b,
		logger:   logger,
		config:   cfg,
		source:   bus.Source{Type: "executor", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
		records:  make(map[string]executionRecord),
		canceled: make(map[string]bool),
	}
}

func (e *Executor) OnInitialize(ctx context.Context) error { return nil }

func (e *Executor) OnShutdown(ctx context.Context) error { return nil }

func (e *Executor) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "EXECUTION_REQUEST":
		return e.handleExecutionRequest(ctx, msg)
	case "EXECUTION_CANCEL":
		return e.handleExecutionCancel(ctx, msg)
	default:
		return fmt.Errorf("executor: unsupported message kind %q", msg.Kind)
	}
}

func (e *Executor) handleExecutionCancel(ctx context.Context, msg *bus.Message) error {
	execID := payload.String(msg.Payload, "executionId")
	if execID == "" {
		return fmt.Errorf("executor: EXECUTION_CANCEL missing executionId")
	}
	e.cancelMu.Lock()
	e.canceled[execID] = true
	e.cancelMu.Unlock()
	return nil
}

func (e *Executor) handleExecutionRequest(ctx context.Context, msg *bus.Message) error {
	execID := payload.String(msg.Payload, "executionId")
	if execID == "" {
		execID = uuid.NewString()
	}
	testFilePath := payload.String(msg.Payload, "testFilePath")
	grep := payload.String(msg.Payload, "grep")

	e.setRecord(execID, executionRecord{Status: "running", Progress: 0.1, StartTime: time.Now().UnixMilli(), TestFilePath: testFilePath})

	if e.isCanceled(execID) {
		e.clearCanceled(execID)
		e.setRecord(execID, executionRecord{Status: "canceled", Progress: 1, TestFilePath: testFilePath})
		return e.publishCompleted(ctx, execID, "skipped", "canceled before execution")
	}

	e.setProgress(execID, 0.5)

	var (
		exitCode   int
		runErr     error
		canceled   bool
		reportPath string
	)

	switch e.config.Mode {
	case "process":
		reportPath = filepath.Join(e.config.ReportRoot, execID)
		exitCode, canceled, runErr = e.runProcess(ctx, execID, grep, reportPath)
	default:
		reportPath = filepath.Join(e.config.ReportRoot, execID+".html")
		exitCode, runErr = e.runner.Run(ctx, e.config.TestsDir, reportPath, grep, nil)
	}

	e.setProgress(execID, 1.0)
	e.clearCanceled(execID)

	status := "passed"
	message := ""
	switch {
	case canceled:
		status = "skipped"
	case runErr != nil:
		status = "failed"
		message = runErr.Error()
	case exitCode != 0:
		status = "failed"
		message = fmt.Sprintf("exit code %d", exitCode)
	}

	terminal := status
	if terminal == "skipped" {
		terminal = "canceled"
	}
	e.setRecord(execID, executionRecord{Status: terminal, Progress: 1, TestFilePath: testFilePath})

	report := collaborators.ExecutionReport{
		ID:           uuid.NewString(),
		ExecutionID:  execID,
		ArtifactPath: reportPath,
		Status:       status,
		Message:      message,
		CreatedAt:    time.Now().UnixMilli(),
	}
	persistErr := resilience.Retry(ctx, reportPersistRetryConfig, func() error {
		return e.db.InsertExecutionReport(ctx, report)
	})
	if persistErr != nil {
		return fmt.Errorf("executor: persisting execution report: %w", persistErr)
	}

	if err := e.publishCompleted(ctx, execID, status, message); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to publish execution.completed", map[string]interface{}{"error": err.Error()})
	}

	if status == "failed" {
		failMsg := dispatch.New(e.source, "context", "EXECUTION_FAILURE", bus.PriorityHigh, map[string]interface{}{
			"executionId": execID, "summary": message,
		})
		if err := e.bus.Send(ctx, failMsg); err != nil {
			return fmt.Errorf("executor: sending EXECUTION_FAILURE: %w", err)
		}
	}

	resultMsg := dispatch.New(e.source, "optimizer", "EXECUTION_RESULT", bus.PriorityNormal, map[string]interface{}{
		"executionId": execID, "status": status, "summary": message,
	})
	if err := e.bus.Send(ctx, resultMsg); err != nil {
		return fmt.Errorf("executor: sending EXECUTION_RESULT: %w", err)
	}

	reportMsg := dispatch.New(e.source, "reporter", "GENERATE_REPORT", bus.PriorityNormal, map[string]interface{}{
		"executionId": execID,
	})
	if err := e.bus.Send(ctx, reportMsg); err != nil {
		return fmt.Errorf("executor: sending GENERATE_REPORT: %w", err)
	}

	return nil
}

// runProcess binds the child process to a timeout context and polls the
// cancellation set on a 500ms tick, canceling the context early on a match
// so the runner (which binds the child to ctx via exec.CommandContext)
// tears it down the same way a hard timeout would.
func (e *Executor) runProcess(ctx context.Context, execID, grep, reportDir string) (exitCode int, canceled bool, err error) {
	runCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	var canceledFlag atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				if e.isCanceled(execID) {
					canceledFlag.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	exitCode, err = e.runner.Run(runCtx, e.config.TestsDir, reportDir, grep, nil)
	close(watchDone)
	return exitCode, canceledFlag.Load(), err
}

func (e *Executor) publishCompleted(ctx context.Context, execID, status, message string) error {
	if e.events == nil {
		return nil
	}
	return e.events.Publish(ctx, "execution.completed", events.Event{
		Kind:      "execution.completed",
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"executionId": execID, "status": status, "message": message,
		},
	})
}

func (e *Executor) isCanceled(execID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	return e.canceled[execID]
}

func (e *Executor) clearCanceled(execID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.canceled, execID)
}

func (e *Executor) setRecord(execID string, rec executionRecord) {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	e.records[execID] = rec
}

func (e *Executor) setProgress(execID string, progress float64) {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	rec := e.records[execID]
	rec.Progress = progress
	e.records[execID] = rec
}

// Record returns a snapshot of the execution record for execID, for tests
// and diagnostics.
func (e *Executor) Record(execID string) (executionRecord, bool) {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	rec, ok := e.records[execID]
	return rec, ok
}
