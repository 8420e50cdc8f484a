//go:build linux

package signalservice

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

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

func TestService_WaitSignal_ReceivesDeliveredSignal(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	svc := New(l)
	attached := make(chan error, 1)
	require.NoError(t, l.Post(func() {
		_, err := svc.Attach(int(unix.SIGUSR1))
		attached <- err
	}))
	require.NoError(t, <-attached)
	defer func() {
		done := make(chan struct{})
		_ = l.Post(func() { svc.Detach(); close(done) })
		<-done
	}()

	result := make(chan Info, 1)
	errc := make(chan error, 1)
	require.NoError(t, l.Post(func() {
		go func() {
			info, err := svc.WaitSignal(context.Background(), int(unix.SIGUSR1))
			if err != nil {
				errc <- err
				return
			}
			result <- info
		}()
	}))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	select {
	case info := <-result:
		require.Equal(t, int32(unix.SIGUSR1), info.Signum)
	case err := <-errc:
		t.Fatalf("WaitSignal failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never delivered")
	}
}

func TestService_WaitSignal_ContextCancelled(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	svc := New(l)
	attached := make(chan error, 1)
	require.NoError(t, l.Post(func() {
		_, err := svc.Attach(int(unix.SIGUSR2))
		attached <- err
	}))
	require.NoError(t, <-attached)
	defer func() {
		done := make(chan struct{})
		_ = l.Post(func() { svc.Detach(); close(done) })
		<-done
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.WaitSignal(ctx, int(unix.SIGUSR2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_Attach_Twice_ReturnsFalse(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	svc := New(l)
	done := make(chan [2]bool, 1)
	require.NoError(t, l.Post(func() {
		first, err1 := svc.Attach(int(unix.SIGUSR1))
		second, err2 := svc.Attach(int(unix.SIGUSR1))
		done <- [2]bool{first && err1 == nil, second}
	}))

	results := <-done
	require.True(t, results[0])
	require.False(t, results[1])

	finished := make(chan struct{})
	_ = l.Post(func() { svc.Detach(); close(finished) })
	<-finished
}
