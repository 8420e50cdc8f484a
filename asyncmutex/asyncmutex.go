// Package asyncmutex implements an exclusive, non-recursive, FIFO-fair
// cooperative mutex whose waiters are resumed by posting back to the
// event loop that was waiting, never by direct cross-goroutine signalling.
package asyncmutex

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

type waiterState int32

const (
	waiterWaiting waiterState = iota
	waiterNotified
	waiterResumed
	waiterCancelled
)

// waiter is the intrusive list node describing one blocked Lock call. It
// implements eventloop.Deferrable so it can be posted directly onto a loop's
// intake queue without an extra allocation.
type waiter struct {
	loop     *eventloop.Loop
	state    atomic.Int32
	prev     *waiter
	next     *waiter
	queued   bool
	resumeCh chan struct{}
}

func newWaiter(loop *eventloop.Loop) *waiter {
	return &waiter{loop: loop, resumeCh: make(chan struct{})}
}

// RunOnLoop is invoked on the owning loop's thread once this waiter has been
// chosen as the new owner. It only actually resumes the parked goroutine if
// it is still in the Notified state: a racing cancellation may have already
// flipped it to Cancelled, in which case this becomes a no-op.
func (w *waiter) RunOnLoop() {
	if !w.state.CompareAndSwap(int32(waiterNotified), int32(waiterResumed)) {
		return
	}
	close(w.resumeCh)
}

// CancelOnLoop runs if the waiter is discarded by the loop before dispatch
// (e.g. the loop shuts down with this waiter still queued in its intake).
func (w *waiter) CancelOnLoop() {}

// Mutex is an exclusive, FIFO-fair, cooperative mutex. The zero value is an
// unlocked mutex ready to use.
type Mutex struct {
	mu     sync.Mutex
	locked bool
	head   *waiter
	tail   *waiter
}

// LockGuard represents ownership of the mutex. Unlock must be called
// exactly once, from the goroutine that holds it.
type LockGuard struct {
	mu       *Mutex
	released bool
}

// Unlock releases ownership, granting it to the next FIFO waiter if any.
func (g *LockGuard) Unlock() {
	if g.released {
		return
	}
	g.released = true
	g.mu.unlock()
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() (*LockGuard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, false
	}
	m.locked = true
	return &LockGuard{mu: m}, true
}

// Locked reports whether the mutex is currently held by anyone.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Lock blocks the calling goroutine until ownership is granted, ctx is
// done, or loop closes. Resumption, when this call must wait, always
// happens by the mutex posting the waiter back onto loop — this is what
// lets ownership cross OS threads correctly.
func (m *Mutex) Lock(ctx context.Context, loop *eventloop.Loop) (*LockGuard, error) {
	if g, ok := m.TryLock(); ok {
		return g, nil
	}

	w := newWaiter(loop)
	w.state.Store(int32(waiterWaiting))

	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return &LockGuard{mu: m}, nil
	}
	m.pushWaiterLocked(w)
	m.mu.Unlock()

	select {
	case <-w.resumeCh:
		return &LockGuard{mu: m}, nil
	case <-ctx.Done():
		m.cancelWaiter(w)
		select {
		case <-w.resumeCh:
			return &LockGuard{mu: m}, nil
		default:
			return nil, ctx.Err()
		}
	case <-loop.Done():
		m.cancelWaiter(w)
		select {
		case <-w.resumeCh:
			return &LockGuard{mu: m}, nil
		default:
			return nil, eventloop.ErrLoopClosed
		}
	}
}

func (m *Mutex) pushWaiterLocked(w *waiter) {
	w.queued = true
	w.prev = m.tail
	w.next = nil
	if m.tail != nil {
		m.tail.next = w
	} else {
		m.head = w
	}
	m.tail = w
}

func (m *Mutex) unlinkWaiterLocked(w *waiter) {
	if !w.queued {
		return
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		m.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		m.tail = w.prev
	}
	w.prev, w.next = nil, nil
	w.queued = false
}

// unlock hands ownership to the next queued waiter, if any, or clears
// locked. Selection happens under the internal mutex; the actual
// cross-thread resume is posted after it is released.
func (m *Mutex) unlock() {
	next := m.selectNextWaiter()
	if next != nil {
		m.postResume(next)
	}
}

// selectNextWaiter pops waiters from the head until one is successfully
// transitioned Waiting -> Notified, or the list is exhausted (in which case
// the mutex becomes unlocked).
func (m *Mutex) selectNextWaiter() *waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.head != nil {
		w := m.head
		m.unlinkWaiterLocked(w)
		if !w.state.CompareAndSwap(int32(waiterWaiting), int32(waiterNotified)) {
			continue
		}
		return w
	}
	m.locked = false
	return nil
}

func (m *Mutex) postResume(w *waiter) {
	_ = w.loop.PostDeferred(w)
}

// cancelWaiter handles abandonment of a Lock call (ctx done while parked).
func (m *Mutex) cancelWaiter(w *waiter) {
	m.mu.Lock()
	state := waiterState(w.state.Load())
	switch state {
	case waiterWaiting:
		m.unlinkWaiterLocked(w)
		w.state.Store(int32(waiterCancelled))
		m.mu.Unlock()
	case waiterNotified:
		if !w.state.CompareAndSwap(int32(waiterNotified), int32(waiterCancelled)) {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if next := m.selectNextWaiter(); next != nil {
			m.postResume(next)
		}
	default:
		m.mu.Unlock()
	}
}
