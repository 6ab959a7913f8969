package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// StructuredLogger is the default Logger/ComponentAwareLogger implementation.
// It writes either newline-delimited JSON (for log aggregation) or a
// human-readable line (for local development), matching the two formats
// operators actually consume.
type StructuredLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// NewStructuredLogger builds a logger from explicit settings. serviceName
// identifies the process ("testorchd"); format is "json" or "text".
func NewStructuredLogger(serviceName, level, format string, debug bool) *StructuredLogger {
	return &StructuredLogger{
		level:       strings.ToLower(level),
		debug:       debug || strings.ToLower(level) == "debug",
		serviceName: serviceName,
		format:      format,
		output:      os.Stdout,
	}
}

// WithComponent returns a copy of the logger tagged with a component name,
// e.g. "bus", "agent/writer", "router". The parent logger is unaffected.
func (s *StructuredLogger) WithComponent(component string) Logger {
	clone := *s
	clone.component = component
	return &clone
}

func (s *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	s.logEvent("INFO", msg, fields, nil)
}

func (s *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.logEvent("INFO", msg, fields, ctx)
}

func (s *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	s.logEvent("ERROR", msg, fields, nil)
}

func (s *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.logEvent("ERROR", msg, fields, ctx)
}

func (s *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	s.logEvent("WARN", msg, fields, nil)
}

func (s *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	s.logEvent("WARN", msg, fields, ctx)
}

func (s *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if s.debug {
		s.logEvent("DEBUG", msg, fields, nil)
	}
}

func (s *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if s.debug {
		s.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (s *StructuredLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)
	component := s.component
	if component == "" {
		component = "core"
	}

	if s.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   s.serviceName,
			"component": component,
			"message":   msg,
		}
		if ctx != nil {
			if cid := correlationIDFromContext(ctx); cid != "" {
				entry["correlation_id"] = cid
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(s.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintf(s.output, "%s [%s] [%s/%s] %s%s\n", timestamp, level, s.serviceName, component, msg, fieldStr.String())
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation id (typically a message id) to a
// context so every log line emitted while handling it can be joined back to
// the triggering bus message.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func correlationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey{}).(string)
	return v
}

var _ ComponentAwareLogger = (*StructuredLogger)(nil)
