//go:build linux

// Package signalservice delivers POSIX signals to waiters parked on a
// specific event loop. One Service runs per loop: a dispatcher goroutine
// pinned to its own OS thread blocks the watched signal set and waits on it
// synchronously, handing deliveries back to the loop thread via the
// loop's defer-hook.
package signalservice

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

// errInvalidSignum is returned by WaitSignal for a signal number outside
// the valid range.
var errInvalidSignum = errors.New("signalservice: invalid signal number")

// Info mirrors the fields the OS reports for a delivered signal. Only
// Signum, Code and Errno are filled in from the siginfo; Pid, Uid, Status
// and Value are always zero.
type Info struct {
	Signum int32
	Code   int32
	Pid    int32
	Uid    uint32
	Status int32
	Errno  int32
	Value  int64
}

const maxSignum = 65 // NSIG on Linux

type waiterState int32

const (
	waiterWaiting waiterState = iota
	waiterNotified
	waiterResumed
	waiterCancelled
)

type waiter struct {
	signum   int
	state    atomic.Int32
	prev     *waiter
	next     *waiter
	queued   bool
	info     Info
	resumeCh chan Info
}

func (w *waiter) RunOnLoop() {
	if !w.state.CompareAndSwap(int32(waiterNotified), int32(waiterResumed)) {
		return
	}
	w.resumeCh <- w.info
	close(w.resumeCh)
}

func (w *waiter) CancelOnLoop() {}

type waiterQueue struct {
	head, tail *waiter
}

// Service is attached to exactly one EventLoop.
type Service struct {
	loop *eventloop.Loop

	mu       sync.Mutex
	attached bool
	mask     unix.Sigset_t
	waiters  [maxSignum]waiterQueue
	pending  [maxSignum][]Info

	stopDispatcher chan struct{}
	dispatcherDone chan struct{}
}

// New constructs a Service bound to loop. It must be Attached from the
// loop's own thread before use.
func New(loop *eventloop.Loop) *Service {
	return &Service{loop: loop}
}

// Attach blocks the given signal numbers on the calling OS thread (which
// must be the loop's own thread) and spawns the dispatcher goroutine.
// Returns false if already attached.
func (s *Service) Attach(signums ...int) (bool, error) {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return false, nil
	}
	var set unix.Sigset_t
	for _, sig := range signums {
		addSignal(&set, sig)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mask = set
	s.attached = true
	s.stopDispatcher = make(chan struct{})
	s.dispatcherDone = make(chan struct{})
	s.mu.Unlock()

	go s.runDispatcher()
	return true, nil
}

// Detach stops the dispatcher and clears all waiter/pending state. Must be
// called on the loop thread with no outstanding waiters.
func (s *Service) Detach() {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return
	}
	s.attached = false
	stop := s.stopDispatcher
	done := s.dispatcherDone
	s.mu.Unlock()

	close(stop)
	<-done

	s.mu.Lock()
	for i := range s.waiters {
		s.waiters[i] = waiterQueue{}
		s.pending[i] = nil
	}
	s.mu.Unlock()
}

func (s *Service) runDispatcher() {
	defer close(s.dispatcherDone)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.mu.Lock()
	mask := s.mask
	s.mu.Unlock()
	_ = unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil)

	poll := s.loop.SignalPollInterval()
	timeout := unix.Timespec{Sec: int64(poll / time.Second), Nsec: int64(poll % time.Second)}
	for {
		select {
		case <-s.stopDispatcher:
			return
		default:
		}

		var info unix.Siginfo
		signo, err := rtSigtimedwait(&mask, &info, &timeout)
		if err != nil {
			continue
		}
		info.Signo = int32(signo)

		delivered := infoFromSiginfo(&info)
		w := &deliveryHandoff{service: s, info: delivered}
		_ = s.loop.PostDeferred(w)
	}
}

// rtSigtimedwait wraps the rt_sigtimedwait(2) syscall directly: golang.org/x/sys/unix
// does not expose a high-level wrapper for it on every platform, but the
// syscall number and raw Syscall6 entry point are always available.
func rtSigtimedwait(set *unix.Sigset_t, info *unix.Siginfo, timeout *unix.Timespec) (int, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_RT_SIGTIMEDWAIT,
		uintptr(unsafe.Pointer(set)),
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(timeout)),
		unsafe.Sizeof(*set),
		0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// deliveryHandoff is the Deferrable posted from the dispatcher goroutine
// back onto the loop thread for onDelivery processing.
type deliveryHandoff struct {
	service *Service
	info    Info
}

func (d *deliveryHandoff) RunOnLoop()    { d.service.onDelivery(d.info) }
func (d *deliveryHandoff) CancelOnLoop() {}

func (s *Service) onDelivery(info Info) {
	s.mu.Lock()
	if !s.attached || info.Signum <= 0 || int(info.Signum) >= maxSignum {
		s.mu.Unlock()
		return
	}
	w := s.popNextWaiterLocked(int(info.Signum))
	if w == nil {
		s.pending[info.Signum] = append(s.pending[info.Signum], info)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	w.info = info
	_ = s.loop.PostDeferred(w)
}

func (s *Service) popNextWaiterLocked(signum int) *waiter {
	q := &s.waiters[signum]
	for q.head != nil {
		w := q.head
		q.head = w.next
		if q.head != nil {
			q.head.prev = nil
		} else {
			q.tail = nil
		}
		w.prev, w.next, w.queued = nil, nil, false
		if !w.state.CompareAndSwap(int32(waiterWaiting), int32(waiterNotified)) {
			continue
		}
		return w
	}
	return nil
}

func (s *Service) enqueueWaiterLocked(signum int, w *waiter) {
	q := &s.waiters[signum]
	w.prev = q.tail
	w.next = nil
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	w.queued = true
}

func (s *Service) unlinkWaiterLocked(signum int, w *waiter) {
	if !w.queued {
		return
	}
	q := &s.waiters[signum]
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev, w.next, w.queued = nil, nil, false
}

// WaitSignal blocks the calling goroutine until signum is delivered or ctx
// is done. Must be called with signum already covered by a prior Attach.
func (s *Service) WaitSignal(ctx context.Context, signum int) (Info, error) {
	if signum <= 0 || signum >= maxSignum {
		return Info{}, errInvalidSignum
	}

	s.mu.Lock()
	if len(s.pending[signum]) > 0 {
		info := s.pending[signum][0]
		s.pending[signum] = s.pending[signum][1:]
		s.mu.Unlock()
		return info, nil
	}

	w := &waiter{signum: signum, resumeCh: make(chan Info, 1)}
	w.state.Store(int32(waiterWaiting))
	s.enqueueWaiterLocked(signum, w)
	s.mu.Unlock()

	select {
	case info := <-w.resumeCh:
		return info, nil
	case <-ctx.Done():
		s.cancelWaiter(signum, w)
		select {
		case info := <-w.resumeCh:
			return info, nil
		default:
			return Info{}, ctx.Err()
		}
	}
}

// cancelWaiter abandons a still-pending WaitSignal call. Safe to call
// unconditionally; a no-op if the waiter already resumed.
func (s *Service) cancelWaiter(signum int, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := waiterState(w.state.Load())
	switch state {
	case waiterWaiting:
		s.unlinkWaiterLocked(signum, w)
		w.state.Store(int32(waiterCancelled))
	case waiterNotified:
		w.state.CompareAndSwap(int32(waiterNotified), int32(waiterCancelled))
	}
}

// addSignal sets the bit for sig in a raw Sigset_t. Sigset_t.Val is a
// machine-word bitmap indexed from signal 1; golang.org/x/sys/unix exposes
// the struct layout but not a portable set/add helper.
func addSignal(set *unix.Sigset_t, sig int) {
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}

func infoFromSiginfo(info *unix.Siginfo) Info {
	return Info{
		Signum: int32(info.Signo),
		Code:   info.Code,
		Errno:  info.Errno,
	}
}
