//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEpollPoller_AddWaitDispatch_OnReadyFires(t *testing.T) {
	p := New()
	require.NoError(t, p.Init())
	defer p.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan Events, 1)
	item := &Item{
		FD:   fds[0],
		Mask: EventRead,
		OnReady: func(ev Events) {
			fired <- ev
		},
	}
	require.NoError(t, p.Add(item))

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	n, err := p.Wait(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case ev := <-fired:
		require.NotZero(t, ev&EventRead)
	default:
		t.Fatal("expected OnReady to have fired during Wait")
	}
}

func TestEpollPoller_AddDuplicateFD_Fails(t *testing.T) {
	p := New()
	require.NoError(t, p.Init())
	defer p.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(&Item{FD: fds[0], Mask: EventRead, OnReady: func(Events) {}}))
	err := p.Add(&Item{FD: fds[0], Mask: EventRead, OnReady: func(Events) {}})
	require.ErrorIs(t, err, ErrFDAlreadyRegistered)
}

func TestEpollPoller_DelUnregistered_Fails(t *testing.T) {
	p := New()
	require.NoError(t, p.Init())
	defer p.Close()

	err := p.Del(999999999 % maxFDs)
	require.ErrorIs(t, err, ErrFDNotRegistered)
}

func TestEpollPoller_WaitTimeout_ReturnsZero(t *testing.T) {
	p := New()
	require.NoError(t, p.Init())
	defer p.Close()

	n, err := p.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
