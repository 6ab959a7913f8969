package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is(). These cover the
// taxonomy in the error handling design: transient I/O, invalid payload,
// unknown target, state errors, and operation-level failures.
var (
	// Bus errors
	ErrBusUnavailable    = errors.New("bus backing store unavailable")
	ErrMessageNotFound   = errors.New("message not found")
	ErrParseError        = errors.New("malformed message payload")
	ErrNoAgent           = errors.New("no agent registered for target type")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Agent lifecycle errors
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentNotReady = errors.New("agent not ready")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
	ErrConnectionFailed = errors.New("connection failed")
)

// FrameworkError carries structured context about a failure: which
// operation failed, what kind of failure it was, and which entity (message
// id, execution id, agent type) was involved.
type FrameworkError struct {
	Op      string // e.g. "bus.send", "router.dispatch"
	Kind    string // e.g. "transient", "parse-error", "no-agent"
	ID      string // message id / execution id, when applicable
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError builds a FrameworkError wrapping err.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err represents a transient condition the bus
// should retry rather than dead-letter immediately.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsNotFound reports a missing-entity condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrNoAgent)
}

// IsConfigurationError reports a configuration problem, never retryable.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError reports an invalid lifecycle transition.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrAgentNotReady) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}
