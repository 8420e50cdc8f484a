package sleepawaiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

func newRunningLoop(t *testing.T) (*eventloop.Loop, func()) {
	t.Helper()
	l, err := eventloop.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop in time")
		}
	}
}

func TestSleep_NonPositiveDelay_ReturnsImmediately(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	start := time.Now()
	require.NoError(t, Sleep(context.Background(), l, 0))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSleep_PositiveDelay_BlocksUntilElapsed(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	start := time.Now()
	require.NoError(t, Sleep(context.Background(), l, 40*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestSleep_ContextCancelled_ReturnsCtxError(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Sleep(ctx, l, time.Hour)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
