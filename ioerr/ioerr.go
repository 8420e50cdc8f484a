// Package ioerr defines the opaque I/O error-kind taxonomy used by the
// poller and accept components, which translate a syscall.Errno into one of
// these kinds rather than letting raw errno values leak into their results.
// The signal service and the wakeup-fd helpers return raw OS errors.
package ioerr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is an opaque I/O error classification, independent of platform errno
// values.
type Kind uint16

const (
	None Kind = iota
	WouldBlock
	Interrupted
	Invalid
	BadFd
	Busy
	NotFound
	AddrInUse
	AddrNotAvailable
	ConnAborted
	ConnReset
	ConnRefused
	TimedOut
	NotConnected
	Already
	Permission
	BrokenPipe
	NoMem
	NotSupported
	Cancelled
	Unknown
)

var kindNames = [...]string{
	None:             "none",
	WouldBlock:       "would_block",
	Interrupted:      "interrupted",
	Invalid:          "invalid",
	BadFd:            "bad_fd",
	Busy:             "busy",
	NotFound:         "not_found",
	AddrInUse:        "addr_in_use",
	AddrNotAvailable: "addr_not_available",
	ConnAborted:      "conn_aborted",
	ConnReset:        "conn_reset",
	ConnRefused:      "conn_refused",
	TimedOut:         "timed_out",
	NotConnected:     "not_connected",
	Already:          "already",
	Permission:       "permission",
	BrokenPipe:       "broken_pipe",
	NoMem:            "no_mem",
	NotSupported:     "not_supported",
	Cancelled:        "cancelled",
	Unknown:          "unknown",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Err is the error value carried through all I/O results in this module. It
// wraps the originating syscall error (when there was one) so callers can
// still use [errors.Is] / [errors.As] against the underlying errno.
type Err struct {
	Kind  Kind
	Cause error
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ioerr: %s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("ioerr: %s", e.Kind)
}

// Unwrap exposes the originating cause for errors.Is / errors.As chains.
func (e *Err) Unwrap() error {
	return e.Cause
}

// Is matches another *Err with the same Kind, regardless of cause.
func (e *Err) Is(target error) bool {
	var other *Err
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Err of the given kind with no underlying cause.
func New(kind Kind) error {
	return &Err{Kind: kind}
}

// Wrap constructs an *Err of the given kind wrapping cause.
func Wrap(kind Kind, cause error) error {
	return &Err{Kind: kind, Cause: cause}
}

// FromErrno translates a raw syscall errno into an opaque Kind.
func FromErrno(errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return &Err{Kind: kindFromErrno(errno), Cause: errno}
}

func kindFromErrno(errno syscall.Errno) Kind {
	switch errno {
	case 0:
		return None
	case syscall.EAGAIN:
		return WouldBlock
	case syscall.EINTR:
		return Interrupted
	case syscall.EINVAL:
		return Invalid
	case syscall.EBADF:
		return BadFd
	case syscall.EBUSY:
		return Busy
	case syscall.ENOENT:
		return NotFound
	case syscall.EADDRINUSE:
		return AddrInUse
	case syscall.EADDRNOTAVAIL:
		return AddrNotAvailable
	case syscall.ECONNABORTED:
		return ConnAborted
	case syscall.ECONNRESET:
		return ConnReset
	case syscall.ECONNREFUSED:
		return ConnRefused
	case syscall.ETIMEDOUT:
		return TimedOut
	case syscall.ENOTCONN:
		return NotConnected
	case syscall.EALREADY:
		return Already
	case syscall.EACCES, syscall.EPERM:
		return Permission
	case syscall.EPIPE:
		return BrokenPipe
	case syscall.ENOMEM:
		return NoMem
	case syscall.ENOTSUP:
		return NotSupported
	case syscall.ECANCELED:
		return Cancelled
	default:
		return Unknown
	}
}

// Is reports whether err is an *Err of the given kind.
func Is(err error, kind Kind) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
