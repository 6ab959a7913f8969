package bus

import (
	"context"
	"time"
)

// Bus is the priority message bus contract (C1). Implementations must
// honor at-least-once delivery, strict priority ordering across queues,
// and idempotent send/acknowledge.
type Bus interface {
	// Send enqueues msg. If msg.IdempotencyKey is set and a marker for
	// that key already exists, the message is silently dropped (no
	// error). Routes by msg.Priority; unrecognized priorities default
	// to the default queue. Returns ErrBusUnavailable if the backing
	// store cannot be reached.
	Send(ctx context.Context, msg *Message) error

	// ConsumeNext blocks up to timeout for the next message across
	// {critical, high, default} in strict priority order. Returns
	// (nil, nil) on timeout. On success, a processing lease and attempt
	// counter are created for the returned message's ID.
	ConsumeNext(ctx context.Context, timeout time.Duration) (*Message, error)

	// Acknowledge deletes the processing lease and attempt counter for
	// id. Idempotent: acknowledging an unknown or already-acknowledged
	// id is not an error.
	Acknowledge(ctx context.Context, id string) error

	// Fail handles a delivery failure for msg. reason distinguishes a
	// normal handler failure (subject to the attempts/maxRetries retry
	// policy) from an unroutable message (ReasonNoAgent) or a
	// deserialize failure (ReasonParseError), both of which dead-letter
	// immediately regardless of attempt count.
	Fail(ctx context.Context, id string, msg *Message, reason string) error

	// Stats returns current lengths of {default, high, critical, dlq}.
	Stats(ctx context.Context) (*QueueStats, error)

	// ResetAll clears every bus-owned key: queues, DLQ, leases,
	// attempt counters, idempotency markers, and the audit log.
	ResetAll(ctx context.Context) (*ResetResult, error)
}
