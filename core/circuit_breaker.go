package core

import (
	"context"
	"time"
)

// CircuitBreaker protects a handler against cascading failure by tripping
// open once a configured failure rate is observed over a sliding window;
// after a sleep window it goes half-open and closes again only once its
// probe calls succeed.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. Returns
	// ErrCircuitBreakerOpen immediately without calling fn if the breaker is open.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout is Execute bounded by an additional per-call
	// timeout, useful when fn might hang.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns point-in-time counters (processed, failures,
	// failure rate, state, last state change).
	GetMetrics() map[string]interface{}

	// Reset forces the breaker back to closed and clears counters.
	Reset()

	// CanExecute reports whether Execute would currently run fn.
	CanExecute() bool
}
