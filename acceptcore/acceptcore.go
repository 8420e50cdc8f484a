//go:build linux

// Package acceptcore implements non-blocking accept with at-most-one
// outstanding awaiter per listener, registering read interest with the
// event loop's poller only while a caller is actually waiting.
package acceptcore

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
	"github.com/fiber-net-gateway/asyncrt/ioerr"
	"github.com/fiber-net-gateway/asyncrt/poller"
)

// Result is the outcome of a successful Accept: the new connection's fd and
// its peer address.
type Result struct {
	Fd   int
	Addr unix.Sockaddr
}

type pendingAccept struct {
	resumeCh chan acceptOutcome
}

type acceptOutcome struct {
	res Result
	err error
}

// Core wraps a listening fd with the at-most-one-outstanding-awaiter accept
// contract described for this runtime.
type Core struct {
	loop *eventloop.Loop
	fd   atomic.Int64

	mu      sync.Mutex
	waiting *pendingAccept
	watch   eventloop.WatchHandle
	watched bool
}

// New wraps an already-listening, non-blocking-capable fd.
func New(loop *eventloop.Loop, fd int) *Core {
	c := &Core{loop: loop}
	c.fd.Store(int64(fd))
	return c
}

// Accept blocks the calling goroutine until a connection arrives, ctx is
// done, or the listener is closed. Only one Accept call may be in flight
// at a time; a second concurrent call fails immediately with ioerr.Busy.
func (c *Core) Accept(ctx context.Context) (Result, error) {
	fd := int(c.fd.Load())
	if fd < 0 {
		return Result{}, ioerr.New(ioerr.BadFd)
	}

	c.mu.Lock()
	if c.waiting != nil {
		c.mu.Unlock()
		return Result{}, ioerr.New(ioerr.Busy)
	}

	res, err := tryAccept(fd)
	if err == nil {
		c.mu.Unlock()
		return res, nil
	}
	if !ioerr.Is(err, ioerr.WouldBlock) {
		c.mu.Unlock()
		return Result{}, err
	}

	p := &pendingAccept{resumeCh: make(chan acceptOutcome, 1)}
	c.waiting = p
	c.mu.Unlock()

	c.watch = c.loop.WatchFd(fd, poller.EventRead, c.onReadable, func(attachErr error) {
		if attachErr != nil {
			c.completeWaiter(p, Result{}, ioerr.Wrap(ioerr.Unknown, attachErr))
		}
	})
	c.mu.Lock()
	c.watched = true
	c.mu.Unlock()

	select {
	case out := <-p.resumeCh:
		return out.res, out.err
	case <-ctx.Done():
		c.cancelWait(p)
		select {
		case out := <-p.resumeCh:
			return out.res, out.err
		default:
			return Result{}, ctx.Err()
		}
	}
}

// onReadable runs on the loop thread when the listener fd becomes readable.
// It keeps trying accept until it gets a result worth surfacing, ignoring
// Interrupted and ConnAborted the way a retrying accept loop should.
func (c *Core) onReadable(poller.Events) {
	fd := int(c.fd.Load())
	if fd < 0 {
		return
	}
	for {
		res, err := tryAccept(fd)
		if err == nil {
			c.finishCurrentWaiter(res, nil)
			return
		}
		if ioerr.Is(err, ioerr.WouldBlock) {
			return
		}
		if ioerr.Is(err, ioerr.Interrupted) || ioerr.Is(err, ioerr.ConnAborted) {
			continue
		}
		c.finishCurrentWaiter(Result{}, err)
		return
	}
}

func (c *Core) finishCurrentWaiter(res Result, err error) {
	c.mu.Lock()
	p := c.waiting
	c.mu.Unlock()
	if p != nil {
		c.completeWaiter(p, res, err)
	}
}

func (c *Core) completeWaiter(p *pendingAccept, res Result, err error) {
	c.mu.Lock()
	if c.waiting != p {
		c.mu.Unlock()
		return
	}
	c.waiting = nil
	c.unwatchLocked()
	c.mu.Unlock()
	p.resumeCh <- acceptOutcome{res: res, err: err}
}

// cancelWait abandons a still-suspended Accept call.
func (c *Core) cancelWait(p *pendingAccept) {
	c.mu.Lock()
	if c.waiting != p {
		c.mu.Unlock()
		return
	}
	c.waiting = nil
	c.unwatchLocked()
	c.mu.Unlock()
}

func (c *Core) unwatchLocked() {
	if c.watched {
		c.watch.Unwatch()
		c.watched = false
	}
}

// Close fails any in-flight Accept with ioerr.Cancelled and closes the fd.
func (c *Core) Close() error {
	fd := int(c.fd.Swap(-1))
	if fd < 0 {
		return nil
	}
	c.mu.Lock()
	p := c.waiting
	c.waiting = nil
	c.unwatchLocked()
	c.mu.Unlock()
	if p != nil {
		p.resumeCh <- acceptOutcome{err: ioerr.New(ioerr.Cancelled)}
	}
	return unix.Close(fd)
}

func tryAccept(fd int) (Result, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return Result{}, ioerr.FromErrno(errno)
		}
		return Result{}, ioerr.Wrap(ioerr.Unknown, err)
	}
	return Result{Fd: nfd, Addr: sa}, nil
}
