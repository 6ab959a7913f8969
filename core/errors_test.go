package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkErrorFormatting(t *testing.T) {
	wrapped := errors.New("connection refused")

	t.Run("op and err", func(t *testing.T) {
		e := &FrameworkError{Op: "bus.send", Err: wrapped}
		assert.Equal(t, "bus.send: connection refused", e.Error())
	})

	t.Run("op, id and err", func(t *testing.T) {
		e := &FrameworkError{Op: "bus.consumeNext", ID: "msg-1", Err: wrapped}
		assert.Equal(t, "bus.consumeNext [msg-1]: connection refused", e.Error())
	})

	t.Run("message only", func(t *testing.T) {
		e := &FrameworkError{Message: "no agent for target"}
		assert.Equal(t, "no agent for target", e.Error())
	})

	t.Run("kind only", func(t *testing.T) {
		e := &FrameworkError{Kind: "parse-error"}
		assert.Equal(t, "parse-error error", e.Error())
	})
}

func TestFrameworkErrorUnwrap(t *testing.T) {
	wrapped := ErrBusUnavailable
	e := NewFrameworkError("bus.send", "transient", wrapped)

	assert.True(t, errors.Is(e, ErrBusUnavailable))
	assert.Equal(t, wrapped, errors.Unwrap(e))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrBusUnavailable))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrConnectionFailed)))
	assert.False(t, IsRetryable(ErrParseError))
	assert.False(t, IsRetryable(ErrNoAgent))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrAgentNotFound))
	assert.True(t, IsNotFound(ErrNoAgent))
	assert.True(t, IsNotFound(ErrMessageNotFound))
	assert.False(t, IsNotFound(ErrTimeout))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(ErrInvalidConfiguration))
	assert.True(t, IsConfigurationError(ErrMissingConfiguration))
	assert.False(t, IsConfigurationError(ErrTimeout))
}

func TestIsStateError(t *testing.T) {
	assert.True(t, IsStateError(ErrAlreadyStarted))
	assert.True(t, IsStateError(ErrNotInitialized))
	assert.True(t, IsStateError(ErrCircuitBreakerOpen))
	assert.False(t, IsStateError(ErrParseError))
}
