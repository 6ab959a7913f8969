// Package dispatch builds outbound bus.Message envelopes for the domain
// agents. Every agent that enqueues follow-up work (Writer enqueuing an
// execution, Optimizer rescheduling a run, Context forwarding to Optimizer)
// needs the same id/source/timestamp bookkeeping, so it lives here once
// instead of seven times.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/bus"
)

// New builds a bus.Message addressed to targetType, stamped with a fresh id
// and the current time.
func New(source bus.Source, targetType, kind string, priority bus.Priority, payload map[string]interface{}) *bus.Message {
	return &bus.Message{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    bus.Target{Type: targetType},
		Kind:      kind,
		Priority:  priority,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
