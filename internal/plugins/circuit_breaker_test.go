package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	bus := NewEventBus()
	cb := NewCircuitBreaker(bus)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < defaultMaxFailures; i++ {
		err := cb.Execute(context.Background(), "p", failing)
		require.Error(t, err)
	}

	require.True(t, cb.IsOpen("p"))

	err := cb.Execute(context.Background(), "p", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	var circuitErr interface{ StatusCode() int }
	require.ErrorAs(t, err, &circuitErr)
}

func TestCircuitBreakerResetPlugin(t *testing.T) {
	bus := NewEventBus()
	cb := NewCircuitBreaker(bus)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < defaultMaxFailures; i++ {
		cb.Execute(context.Background(), "p", failing)
	}
	require.True(t, cb.IsOpen("p"))

	cb.ResetPlugin("p")
	require.False(t, cb.IsOpen("p"))

	err := cb.Execute(context.Background(), "p", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}
