package eventloop

import (
	"github.com/fiber-net-gateway/asyncrt/poller"
	"github.com/fiber-net-gateway/asyncrt/timerheap"
)

// commandKind tags the union of operations the loop thread can dispatch.
type commandKind uint8

const (
	cmdRunThunk commandKind = iota
	cmdResumeCoroutine
	cmdInsertTimer
	cmdDropTimer
	cmdWatchFd
	cmdUpdateFd
	cmdUnwatchFd
	cmdRequestStop
)

// command is the node type pushed through the intake queue for every public
// Loop operation that isn't using the defer-hook path.
type command struct {
	kind  commandKind
	fn    func()          // RunThunk, ResumeCoroutine
	timer *timerheap.Node // InsertTimer, DropTimer
	watch *watchState     // WatchFd, UpdateFd, UnwatchFd
	mask  poller.Events   // UpdateFd
}

// watchState is the control block behind a WatchHandle. Only the loop
// thread reads or mutates registered/item once the WatchFd command has been
// dispatched.
type watchState struct {
	fd            int
	mask          poller.Events
	onReady       func(poller.Events)
	onAttachReady func(error)
	registered    bool
	item          *poller.Item
}

// Deferrable is implemented by primitives (AsyncMutex's Waiter,
// SignalService's Delivery) that already own a heap-allocated control block
// and want to post it directly onto the intake queue instead of allocating
// a throwaway *command — the "defer-hook" path. RunOnLoop
// executes on the loop thread exactly as a RunThunk would; CancelOnLoop is
// invoked instead, from Run's teardown, for an entry still in the intake
// queue when the loop stops.
type Deferrable interface {
	RunOnLoop()
	CancelOnLoop()
}

// TimerHandle identifies a timer previously armed with PostAfter or PostAt.
// The zero value is not valid; handles are returned by those constructors.
type TimerHandle struct {
	node *timerheap.Node
	loop *Loop
}

// Cancel drops the timer if it has not already fired. Best-effort: posting
// to a closed loop is silently ignored, matching the "cancel is a no-op on
// an already-terminal resource" convention used throughout this package.
func (h TimerHandle) Cancel() {
	if h.node == nil {
		return
	}
	_ = h.loop.postCommand(&command{kind: cmdDropTimer, timer: h.node})
}

// WatchHandle identifies an fd registration previously created with WatchFd.
type WatchHandle struct {
	state *watchState
	loop  *Loop
}

// Update changes the interest mask for the watched fd.
func (h WatchHandle) Update(mask poller.Events) {
	_ = h.loop.postCommand(&command{kind: cmdUpdateFd, watch: h.state, mask: mask})
}

// Unwatch removes the fd from the poller. Best-effort on a closed loop.
func (h WatchHandle) Unwatch() {
	_ = h.loop.postCommand(&command{kind: cmdUnwatchFd, watch: h.state})
}
