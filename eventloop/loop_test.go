//go:build !windows

package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fiber-net-gateway/asyncrt/framepool"
	"github.com/fiber-net-gateway/asyncrt/poller"
)

func runLoop(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop in time")
		}
	}
}

func TestLoop_Post_RunsOnLoopThread(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	result := make(chan bool, 1)
	require.NoError(t, l.Post(func() {
		result <- l.isLoopThread()
	}))

	select {
	case ran := <-result:
		require.True(t, ran)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestLoop_PostAfter_OrdersByDeadlineThenInsertion(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	l.PostAfter(30*time.Millisecond, func() {
		record("c")()
		close(done)
	})
	l.PostAfter(10*time.Millisecond, record("a"))
	l.PostAfter(20*time.Millisecond, record("b"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLoop_Cancel_PreventsTimerFromFiring(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	fired := make(chan struct{}, 1)
	h := l.PostAfter(20*time.Millisecond, func() { fired <- struct{}{} })
	h.Cancel()

	guard := make(chan struct{})
	l.PostAfter(60*time.Millisecond, func() { close(guard) })

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-guard:
	}
}

func TestLoop_WatchFd_FiresOnReadiness(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ready := make(chan poller.Events, 1)
	attached := make(chan error, 1)
	l.WatchFd(fds[0], poller.EventRead, func(ev poller.Events) {
		ready <- ev
	}, func(err error) {
		attached <- err
	})

	select {
	case err := <-attached:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("attach callback never fired")
	}

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-ready:
		require.NotZero(t, ev&poller.EventRead)
	case <-time.After(time.Second):
		t.Fatal("fd readiness never dispatched")
	}
}

func TestLoop_Stop_TerminatesRunLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = l.Run(context.Background())
		close(done)
	}()

	require.NoError(t, l.Stop())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	require.Equal(t, StateTerminated, l.State())
}

func TestLoop_Post_AfterClose_ReturnsErrLoopClosed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Stop())
	_ = l.Run(context.Background())

	require.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
}

func TestLoop_Run_BindsFramePoolForDuration(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	bound := make(chan *framepool.Pool, 1)
	require.NoError(t, l.Post(func() {
		bound <- framepool.Current()
	}))

	select {
	case p := <-bound:
		require.Same(t, l.FramePool(), p)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
