// Package writer implements the Writer Agent (C6): it turns a test
// generation request into a persisted artifact and enqueues the execution
// that exercises it.
package writer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/agents/internal/dispatch"
	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
)

// Config names the identity the Writer stamps on outbound messages.
type Config struct {
	SourceInstance string
	SourceNode     string
}

// Writer implements agent.Handler for kind TEST_GENERATION_REQUEST.
type Writer struct {
	generator collaborators.Generator
	db        collaborators.DB
	events    events.Channel
	bus       bus.Bus
	logger    core.Logger
	source    bus.Source
}

// New builds a Writer. generator and db are required; events may be nil to
// skip publishing (tests construct a Writer without a live channel).
func New(generator collaborators.Generator, db collaborators.DB, ch events.Channel, b bus.Bus, cfg Config, logger core.Logger) *Writer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/writer")
	}
	return &Writer{
		generator: generator,
		db:        db,
		events:    ch,
		bus:       b,
		logger:    logger,
		source:    bus.Source{Type: "writer", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (w *Writer) OnInitialize(ctx context.Context) error { return nil }

func (w *Writer) OnShutdown(ctx context.Context) error { return nil }

func (w *Writer) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "TEST_GENERATION_REQUEST":
		return w.handleGenerationRequest(ctx, msg)
	default:
		return fmt.Errorf("writer: unsupported message kind %q", msg.Kind)
	}
}

func (w *Writer) handleGenerationRequest(ctx context.Context, msg *bus.Message) error {
	changedFiles := payload.StringSlice(msg.Payload, "changedFiles")
	componentName := componentNameFromChangedFiles(changedFiles)
	testFilePath := fmt.Sprintf("tests/%s.spec.ts", componentName)

	metadata := collaborators.GenerationMetadata{
		ComponentName: componentName,
		TestFilePath:  testFilePath,
		Description:   fmt.Sprintf("generated from %s@%s", payload.String(msg.Payload, "repo"), payload.String(msg.Payload, "headCommit")),
		ChangedFiles:  changedFiles,
	}

	result, err := w.generator.Generate(ctx, metadata)
	if err != nil {
		w.logger.WarnWithContext(ctx, "Generator errored, falling back to deterministic skeleton", map[string]interface{}{
			"error": err.Error(),
		})
		result, err = collaborators.FallbackGenerator{}.Generate(ctx, metadata)
		if err != nil {
			return fmt.Errorf("writer: fallback generator failed: %w", err)
		}
	}

	artifactID := uuid.NewString()
	if err := w.db.InsertArtifactMetadata(ctx, collaborators.ArtifactMetadata{
		ID:           artifactID,
		TestFilePath: testFilePath,
		Title:        result.Title,
		Provider:     result.Provider,
		CreatedAt:    time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("writer: persisting artifact metadata: %w", err)
	}

	if w.events != nil {
		if err := w.events.Publish(ctx, "test.generated", events.Event{
			Kind:      "test.generated",
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]interface{}{
				"artifactId":   artifactID,
				"testFilePath": testFilePath,
				"title":        result.Title,
				"provider":     result.Provider,
			},
		}); err != nil {
			w.logger.WarnWithContext(ctx, "Failed to publish test.generated", map[string]interface{}{"error": err.Error()})
		}
	}

	execMsg := dispatch.New(w.source, "executor", "EXECUTION_REQUEST", bus.PriorityNormal, nil)
	if err := w.bus.Send(ctx, execMsg); err != nil {
		return fmt.Errorf("writer: enqueueing execution request: %w", err)
	}
	return nil
}

// componentNameFromChangedFiles derives a stable component name from the
// first changed file's basename, defaulting to "page" when none is given.
func componentNameFromChangedFiles(changedFiles []string) string {
	if len(changedFiles) == 0 {
		return "page"
	}
	base := filepath.Base(changedFiles[0])
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		return "page"
	}
	return name
}
