// Package reporter implements the Reporter Agent (C10): it collects the
// execution-report rows for a run and writes a single summary artifact.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
)

// Config tunes where summary artifacts are written.
type Config struct {
	ReportRoot string

	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the default report root.
func DefaultConfig() Config {
	return Config{ReportRoot: "./reports"}
}

type summaryDoc struct {
	ExecutionID string                          `json:"executionId"`
	Reports     []collaborators.ExecutionReport `json:"reports"`
	GeneratedAt int64                           `json:"generatedAt"`
}

// Reporter implements agent.Handler for GENERATE_REPORT.
type Reporter struct {
	db     collaborators.DB
	events events.Channel
	bus    bus.Bus
	logger core.Logger
	config Config
	source bus.Source
}

// New builds a Reporter.
func New(db collaborators.DB, ch events.Channel, b bus.Bus, cfg Config, logger core.Logger) *Reporter {
	if cfg.ReportRoot == "" {
		cfg.ReportRoot = "./reports"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/reporter")
	}
	return &Reporter{
		db:     db,
		events: ch,
		bus:    b,
		logger: logger,
		config: cfg,
		source: bus.Source{Type: "reporter", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (r *Reporter) OnInitialize(ctx context.Context) error { return nil }

func (r *Reporter) OnShutdown(ctx context.Context) error { return nil }

func (r *Reporter) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "GENERATE_REPORT":
		return r.handleGenerateReport(ctx, msg)
	default:
		return fmt.Errorf("reporter: unsupported message kind %q", msg.Kind)
	}
}

func (r *Reporter) handleGenerateReport(ctx context.Context, msg *bus.Message) error {
	executionID := payload.String(msg.Payload, "executionId")
	if executionID == "" {
		return fmt.Errorf("reporter: GENERATE_REPORT missing executionId")
	}

	reports, err := r.db.ListExecutionReports(ctx, executionID)
	if err != nil {
		return fmt.Errorf("reporter: listing execution reports: %w", err)
	}

	doc := summaryDoc{
		ExecutionID: executionID,
		Reports:     reports,
		GeneratedAt: time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("reporter: encoding summary: %w", err)
	}

	if err := os.MkdirAll(r.config.ReportRoot, 0o755); err != nil {
		return fmt.Errorf("reporter: creating report root: %w", err)
	}
	summaryPath := filepath.Join(r.config.ReportRoot, executionID+".summary.json")
	if err := os.WriteFile(summaryPath, data, 0o644); err != nil {
		return fmt.Errorf("reporter: writing summary: %w", err)
	}

	relPath := filepath.ToSlash(summaryPath)
	if err := r.db.InsertTestReport(ctx, collaborators.TestReport{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        "json",
		Path:        relPath,
		CreatedAt:   time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("reporter: persisting test report row: %w", err)
	}

	if r.events == nil {
		return nil
	}
	if err := r.events.Publish(ctx, "report.generated", events.Event{
		Kind:      "report.generated",
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"executionId": executionID,
			"path":        relPath,
			"reportCount": len(reports),
		},
	}); err != nil {
		r.logger.WarnWithContext(ctx, "Failed to publish report.generated", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
