//go:build linux

package acceptcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
	"github.com/fiber-net-gateway/asyncrt/ioerr"
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

func newListeningSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 8))
	return fd
}

func localPort(t *testing.T, fd int) int {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return in4.Port
}

func TestCore_Accept_WouldBlockThenReadiness(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	fd := newListeningSocket(t)
	port := localPort(t, fd)
	core := New(l, fd)
	defer core.Close()

	result := make(chan Result, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := core.Accept(context.Background())
		if err != nil {
			errc <- err
			return
		}
		result <- res
	}()

	time.Sleep(20 * time.Millisecond)
	connFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(connFD)
	require.NoError(t, unix.Connect(connFD, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}))

	select {
	case res := <-result:
		require.Greater(t, res.Fd, 0)
		unix.Close(res.Fd)
	case err := <-errc:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection never accepted")
	}
}

func TestCore_Accept_SecondConcurrentCallFailsBusy(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	fd := newListeningSocket(t)
	core := New(l, fd)
	defer core.Close()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = core.Accept(context.Background())
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := core.Accept(context.Background())
	require.True(t, ioerr.Is(err, ioerr.Busy))
}

func TestCore_Accept_ContextCancelled(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	fd := newListeningSocket(t)
	core := New(l, fd)
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := core.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCore_Close_FailsInFlightAccept(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	fd := newListeningSocket(t)
	core := New(l, fd)

	errc := make(chan error, 1)
	go func() {
		_, err := core.Accept(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, core.Close())

	select {
	case err := <-errc:
		require.True(t, ioerr.Is(err, ioerr.Cancelled))
	case <-time.After(time.Second):
		t.Fatal("accept never completed after close")
	}
}
