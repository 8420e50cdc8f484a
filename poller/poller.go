// Package poller defines the ReadinessPoller abstraction: a registrar for
// file descriptors indexed by an opaque Item, with platform-specific
// implementations (epoll on Linux, kqueue on Darwin, a portable
// sleep-then-report fallback on Windows). The core EventLoop is written entirely against the
// Poller interface so its logic is independent of the OS facility behind it.
package poller

import (
	"time"

	"github.com/fiber-net-gateway/asyncrt/ioerr"
)

// Events is a bitmask of readiness conditions.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

// Item is the registration record a caller supplies to Add; the poller
// invokes OnReady whenever the registered fd becomes ready for any bit in
// its current mask (Error is reported regardless of the requested mask,
// per the hangup/error-always-reported rule).
type Item struct {
	FD      int
	Mask    Events
	OnReady func(Events)
}

// Poller is the ReadinessPoller contract. Implementations must be safe for
// Add/Mod/Del to be called from any goroutine, but Wait must only ever be
// called by the owning loop thread (it dispatches OnReady callbacks inline,
// on the calling goroutine).
type Poller interface {
	Init() error
	Close() error
	Add(item *Item) error
	Mod(item *Item) error
	Del(fd int) error
	// Wait blocks for up to timeout (negative means indefinitely, zero means
	// return immediately) and dispatches OnReady for every fd that became
	// ready. Returns the number of ready fds dispatched.
	Wait(timeout time.Duration) (int, error)
}

var (
	ErrFDOutOfRange        = ioerr.New(ioerr.Invalid)
	ErrFDAlreadyRegistered = ioerr.New(ioerr.Already)
	ErrFDNotRegistered     = ioerr.New(ioerr.NotFound)
	ErrPollerClosed        = ioerr.New(ioerr.Cancelled)
)

// timeoutToMillis clamps a time.Duration to the millisecond-granularity,
// int-sized timeout most OS poll syscalls accept, clamped to the platform's
// max representable poll timeout.
func timeoutToMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	const maxPollTimeout = int64(1<<31 - 1) // C int, as poll syscalls take it
	if ms > maxPollTimeout {
		return int(maxPollTimeout)
	}
	return int(ms)
}
