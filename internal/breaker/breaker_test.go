package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote peer unavailable")

func newTestBreaker(t *testing.T, threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New("test_peer", Config{
		FailureThreshold: threshold,
		Timeout:          timeout,
		RecoveryTimeout:  30 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return now }
	return b, &now
}

func failing() func(context.Context) error {
	return func(context.Context) error { return errRemote }
}

func succeeding() func(context.Context) error {
	return func(context.Context) error { return nil }
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 2; i++ {
		err := b.Call(context.Background(), failing())
		assert.ErrorIs(t, err, errRemote)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)

	require.Error(t, b.Call(context.Background(), failing()))
	require.Error(t, b.Call(context.Background(), failing()))
	require.NoError(t, b.Call(context.Background(), succeeding()))

	assert.Equal(t, 0, b.Snapshot().FailureCount)

	// Two more failures must not open the circuit after the reset.
	require.Error(t, b.Call(context.Background(), failing()))
	require.Error(t, b.Call(context.Background(), failing()))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAtThresholdAndFailsFast(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Call(context.Background(), failing()), errRemote)
	}
	require.Equal(t, StateOpen, b.State())

	// Subsequent calls fail fast without touching the peer.
	invoked := false
	err := b.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test_peer", openErr.Name)
	assert.False(t, invoked)
	assert.InDelta(t, 60, openErr.RetryIn.Seconds(), 1)
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	b, now := newTestBreaker(t, 2, time.Minute)

	require.Error(t, b.Call(context.Background(), failing()))
	require.Error(t, b.Call(context.Background(), failing()))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(time.Minute)

	// First call after the timeout is the probe; on success the circuit
	// closes and later calls pass through.
	require.NoError(t, b.Call(context.Background(), succeeding()))
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(context.Background(), succeeding()))
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, 2, time.Minute)

	require.Error(t, b.Call(context.Background(), failing()))
	require.Error(t, b.Call(context.Background(), failing()))

	*now = now.Add(time.Minute)
	require.ErrorIs(t, b.Call(context.Background(), failing()), errRemote)
	assert.Equal(t, StateOpen, b.State())

	// The failure restamps the window; a call just inside it fails fast.
	*now = now.Add(30 * time.Second)
	var openErr *OpenError
	assert.ErrorAs(t, b.Call(context.Background(), succeeding()), &openErr)
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(t, 2, time.Minute)

	snap := b.Snapshot()
	assert.Equal(t, "test_peer", snap.Name)
	assert.Equal(t, StateClosed, snap.State)
	assert.Nil(t, snap.LastFailureTime)
	assert.Nil(t, snap.TimeUntilRetry)

	require.Error(t, b.Call(context.Background(), failing()))
	require.Error(t, b.Call(context.Background(), failing()))

	snap = b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	require.NotNil(t, snap.LastFailureTime)
	require.NotNil(t, snap.TimeUntilRetry)
	assert.InDelta(t, 60, *snap.TimeUntilRetry, 1)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t, 1, time.Minute)

	require.Error(t, b.Call(context.Background(), failing()))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(context.Background(), succeeding()))
}
