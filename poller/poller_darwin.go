//go:build darwin

package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiber-net-gateway/asyncrt/ioerr"
)

// maxFDLimit bounds the dynamic fd-indexed slice this poller grows on demand.
const maxFDLimit = 100_000_000

// KqueuePoller implements Poller using kqueue(2), following the same shape
// as the Linux epoll poller: a dynamically-grown fd-indexed slice (kqueue
// has no dense fd space guarantee the way epoll's bitmap-friendly model
// does), and separate EVFILT_READ/EVFILT_WRITE registrations per mask bit.
type KqueuePoller struct {
	kq       int32
	eventBuf [256]unix.Kevent_t
	items    []*Item
	mu       sync.RWMutex
	closed   atomic.Bool
}

var _ Poller = (*KqueuePoller)(nil)

func (p *KqueuePoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return ioerr.FromErrno(err.(unix.Errno))
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.items = make([]*Item, 1024)
	return nil
}

func (p *KqueuePoller) Close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

func (p *KqueuePoller) growLocked(fd int) {
	if fd < len(p.items) {
		return
	}
	newSize := fd*2 + 1
	if newSize > maxFDLimit {
		newSize = maxFDLimit + 1
	}
	grown := make([]*Item, newSize)
	copy(grown, p.items)
	p.items = grown
}

func (p *KqueuePoller) Add(item *Item) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	fd := item.FD
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	p.growLocked(fd)
	if p.items[fd] != nil {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.items[fd] = item
	p.mu.Unlock()

	kevents := eventsToKevents(fd, item.Mask, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.mu.Lock()
			p.items[fd] = nil
			p.mu.Unlock()
			return ioerr.FromErrno(err.(unix.Errno))
		}
	}
	return nil
}

func (p *KqueuePoller) Mod(item *Item) error {
	fd := item.FD
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	if fd >= len(p.items) || p.items[fd] == nil {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	old := p.items[fd]
	p.items[fd] = item
	p.mu.Unlock()

	if removed := old.Mask &^ item.Mask; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(int(p.kq), kevents, nil, nil)
		}
	}
	if added := item.Mask &^ old.Mask; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
				return ioerr.FromErrno(err.(unix.Errno))
			}
		}
	}
	return nil
}

func (p *KqueuePoller) Del(fd int) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if fd >= len(p.items) || p.items[fd] == nil {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	mask := p.items[fd].Mask
	p.items[fd] = nil
	p.mu.Unlock()

	if kevents := eventsToKevents(fd, mask, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(int(p.kq), kevents, nil, nil)
	}
	return nil
}

func (p *KqueuePoller) Wait(timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, ioerr.FromErrno(err.(unix.Errno))
	}

	p.dispatch(n)
	return n, nil
}

func (p *KqueuePoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}
		p.mu.RLock()
		var item *Item
		if fd < len(p.items) {
			item = p.items[fd]
		}
		p.mu.RUnlock()
		if item != nil && item.OnReady != nil {
			item.OnReady(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_EOF != 0 || kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}

// New returns the platform-default Poller implementation.
func New() Poller {
	return &KqueuePoller{}
}
