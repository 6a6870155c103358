package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)
	fail := func() error { return errBoom }

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(fail), errBoom)
		assert.Equal(t, BreakerClosed, cb.State())
	}

	// Third consecutive failure trips the breaker.
	require.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.Equal(t, BreakerOpen, cb.State())

	// Open breaker rejects without invoking fn.
	invoked := false
	err := cb.Execute(func() error { invoked = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures should not reach the threshold of three.
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 20*time.Millisecond)

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	// After the recovery timeout a single trial runs; success closes.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, 20*time.Millisecond)
	cb.record(errBoom)
	cb.mu.Lock()
	cb.state = BreakerOpen
	cb.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	// The trial call fails, so the breaker opens again immediately even
	// though the failure count is below the threshold.
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Hour)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, BreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestBreaker_ExecuteCtxSharesTransitions(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Hour)
	ctx := context.Background()

	require.ErrorIs(t, cb.ExecuteCtx(ctx, func(ctx context.Context) error { return errBoom }), errBoom)
	assert.Equal(t, BreakerOpen, cb.State())

	// Execute and ExecuteCtx share the same open-state rejection.
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
	assert.ErrorIs(t, cb.ExecuteCtx(ctx, func(ctx context.Context) error { return nil }), ErrCircuitOpen)
}

func TestBreaker_View(t *testing.T) {
	cb := NewCircuitBreaker("conn", 2, time.Minute)
	require.Error(t, cb.Execute(func() error { return errBoom }))

	view := cb.View()
	assert.Equal(t, "conn", view.Name)
	assert.Equal(t, BreakerClosed, view.State)
	assert.Equal(t, 1, view.FailureCount)
	assert.Equal(t, 2, view.Threshold)
	assert.False(t, view.LastFailureTime.IsZero())
}
