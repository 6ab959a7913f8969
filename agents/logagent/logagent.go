// Package logagent implements the Logger Agent (C12): it persists
// structured log rows and maintains a best-effort syslog file. Named
// logagent, on the bus it is addressed by the plain target type "logger".
package logagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
)

// Config tunes the syslog file path and default query limit.
type Config struct {
	SyslogPath      string
	DefaultQueryCap int

	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the default Logger Agent tuning.
func DefaultConfig() Config {
	return Config{SyslogPath: "./logs/testorch.syslog.jsonl", DefaultQueryCap: 100}
}

// LogAgent implements agent.Handler for LOG_ENTRY and QUERY_LOGS.
type LogAgent struct {
	db     collaborators.DB
	events events.Channel
	logger core.Logger
	config Config
	source bus.Source

	fileMu sync.Mutex
}

// New builds a LogAgent.
func New(db collaborators.DB, ch events.Channel, cfg Config, logger core.Logger) *LogAgent {
	if cfg.SyslogPath == "" {
		cfg.SyslogPath = "./logs/testorch.syslog.jsonl"
	}
	if cfg.DefaultQueryCap <= 0 {
		cfg.DefaultQueryCap = 100
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/logger")
	}
	return &LogAgent{
		db:     db,
		events: ch,
		logger: logger,
		config: cfg,
		source: bus.Source{Type: "logger", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (l *LogAgent) OnInitialize(ctx context.Context) error { return nil }

func (l *LogAgent) OnShutdown(ctx context.Context) error { return nil }

func (l *LogAgent) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "LOG_ENTRY":
		return l.handleLogEntry(ctx, msg)
	case "QUERY_LOGS":
		return l.handleQueryLogs(ctx, msg)
	default:
		return fmt.Errorf("logagent: unsupported message kind %q", msg.Kind)
	}
}

func (l *LogAgent) handleLogEntry(ctx context.Context, msg *bus.Message) error {
	row := collaborators.LogRow{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UnixMilli(),
		Level:          payload.String(msg.Payload, "level"),
		Message:        payload.String(msg.Payload, "message"),
		Context:        payload.Map(msg.Payload, "context"),
		SourceType:     msg.Source.Type,
		SourceInstance: msg.Source.Instance,
		SourceNode:     msg.Source.Node,
		Tags:           payload.StringSlice(msg.Payload, "tags"),
		CorrelationID:  payload.String(msg.Payload, "correlationId"),
	}
	if row.Level == "" {
		row.Level = "info"
	}

	if err := l.db.InsertLogRow(ctx, row); err != nil {
		return fmt.Errorf("logagent: persisting log row: %w", err)
	}

	l.appendSyslogLine(row)
	return nil
}

// appendSyslogLine best-effort appends one JSON line to the syslog file.
// A write failure is logged and never blocks message acknowledgement.
func (l *LogAgent) appendSyslogLine(row collaborators.LogRow) {
	data, err := json.Marshal(row)
	if err != nil {
		l.logger.Warn("Failed to encode syslog line", map[string]interface{}{"error": err.Error()})
		return
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.config.SyslogPath), 0o755); err != nil {
		l.logger.Warn("Failed to create syslog directory", map[string]interface{}{"error": err.Error()})
		return
	}
	f, err := os.OpenFile(l.config.SyslogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("Failed to open syslog file", map[string]interface{}{"error": err.Error()})
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Warn("Failed to append syslog line", map[string]interface{}{"error": err.Error()})
	}
}

func (l *LogAgent) handleQueryLogs(ctx context.Context, msg *bus.Message) error {
	level := payload.String(msg.Payload, "level")
	query := payload.String(msg.Payload, "query")
	limit := payload.Int(msg.Payload, "limit")
	if limit <= 0 {
		limit = l.config.DefaultQueryCap
	}

	rows, err := l.db.QueryLogs(ctx, level, query, limit)
	if err != nil {
		return fmt.Errorf("logagent: querying logs: %w", err)
	}

	if l.events == nil {
		return nil
	}
	return l.events.Publish(ctx, "logs.query.completed", events.Event{
		Kind:      "logs.query.completed",
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"level": level, "query": query, "limit": limit, "count": len(rows),
		},
	})
}
