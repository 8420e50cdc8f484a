package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiber-net-gateway/asyncrt/framepool"
	"github.com/fiber-net-gateway/asyncrt/intake"
	"github.com/fiber-net-gateway/asyncrt/poller"
	"github.com/fiber-net-gateway/asyncrt/timerheap"
)

var loopIDCounter atomic.Uint64

// Loop is a single-threaded executor: one MpscIntake, one TimerHeap, one
// ReadinessPoller, one wakeup fd, and one FramePool. All public
// methods are safe to call from any goroutine; they translate into Commands
// pushed onto the intake queue and are only ever acted on by the goroutine
// running Run.
type Loop struct {
	id uint64

	opts  *loopOptions
	state *FastState

	intake intake.Intake
	timers timerheap.Heap
	poller poller.Poller

	wakeReadFD, wakeWriteFD int
	wakeupPending           atomic.Bool

	stopRequested atomic.Bool
	nextTimerID   atomic.Uint64

	framePool *framepool.Pool
	metrics   *Metrics

	threadID  atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Loop. Construction fails if the readiness poller or the
// wakeup fd cannot be acquired.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	p := cfg.poller
	if p == nil {
		p = poller.New()
	}
	if err := p.Init(); err != nil {
		return nil, WrapError("eventloop: poller init failed", err)
	}

	readFD, writeFD, err := poller.CreateWakeFD()
	if err != nil {
		_ = p.Close()
		return nil, WrapError("eventloop: wakeup fd create failed", err)
	}

	var poolOpts []framepool.Option
	if cfg.framePoolBudget > 0 {
		poolOpts = append(poolOpts, framepool.WithFramePoolBudget(cfg.framePoolBudget))
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		opts:        cfg,
		state:       NewFastState(),
		poller:      p,
		wakeReadFD:  readFD,
		wakeWriteFD: writeFD,
		framePool:   framepool.New(poolOpts...),
		done:        make(chan struct{}),
	}
	if cfg.metricsEnabled {
		l.metrics = &Metrics{}
	}

	item := &poller.Item{FD: readFD, Mask: poller.EventRead, OnReady: func(poller.Events) {
		l.onWakeReady()
	}}
	if err := p.Add(item); err != nil {
		_ = p.Close()
		_ = poller.CloseWakeFD(readFD, writeFD)
		return nil, WrapError("eventloop: wakeup fd registration failed", err)
	}

	return l, nil
}

// ID returns the loop's process-unique identifier, used only for logging.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// FramePool returns the loop's scratch-buffer allocator. Loop-thread-only.
func (l *Loop) FramePool() *framepool.Pool { return l.framePool }

// Poller returns the loop's readiness poller. Loop-thread-only; exposed so
// primitives built on top of the loop can register fds directly when
// already running on the loop thread via a defer-hook.
func (l *Loop) Poller() poller.Poller { return l.poller }

// SignalPollInterval returns the sigtimedwait timeout a SignalService bound
// to this loop should use, as configured via WithSignalPollInterval.
func (l *Loop) SignalPollInterval() time.Duration { return l.opts.signalPollInterval }

// Run executes the loop until Stop is called, ctx is canceled, or the
// poller reports a fatal error. It blocks the calling goroutine for the
// loop's entire lifetime and must not be called re-entrantly from the loop
// thread itself.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopClosed
		}
		return ErrLoopAlreadyRunning
	}

	l.threadID.Store(getGoroutineID())
	defer l.threadID.Store(0)
	defer close(l.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	scope := framepool.Bind(l.framePool)
	defer scope.Close()

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Stop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for !l.stopRequested.Load() {
		l.drainIntake()
		if l.stopRequested.Load() {
			break
		}

		now := time.Now()
		l.fireExpiredTimers(now)
		if l.metrics != nil {
			l.metrics.Queue.UpdateTimers(l.timers.Len())
		}

		timeout := l.computeTimeout(now)
		l.state.TryTransition(StateRunning, StateSleeping)
		_, err := l.poller.Wait(timeout)
		l.state.TryTransition(StateSleeping, StateRunning)
		if err != nil {
			l.logPollError(err, true)
			break
		}
	}

	l.state.Store(StateTerminating)
	for n := l.intake.Drain(); n != nil; n = intake.Next(n) {
		if d, ok := n.Value.(Deferrable); ok {
			d.CancelOnLoop()
		}
	}
	l.closeOnce.Do(func() {
		_ = l.poller.Close()
		_ = poller.CloseWakeFD(l.wakeReadFD, l.wakeWriteFD)
	})
	l.state.Store(StateTerminated)

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Stop requests loop termination. Safe from any goroutine, including the
// loop thread itself (e.g. from within a RunThunk).
func (l *Loop) Stop() error {
	return l.postCommand(&command{kind: cmdRequestStop})
}

// Post schedules fn to run on the loop thread.
func (l *Loop) Post(fn func()) error {
	return l.postCommand(&command{kind: cmdRunThunk, fn: fn})
}

// PostCoroutine schedules resume to run on the loop thread. It is
// dispatched identically to Post; the distinct Command kind exists to keep
// the dispatch switch aligned with the coroutine-resumption path the
// original runtime distinguishes for instrumentation.
func (l *Loop) PostCoroutine(resume func()) error {
	return l.postCommand(&command{kind: cmdResumeCoroutine, fn: resume})
}

// PostAfter arms a one-shot timer that runs fn on the loop thread once delay
// has elapsed, measured from the call to PostAfter.
func (l *Loop) PostAfter(delay time.Duration, fn func()) TimerHandle {
	return l.PostAt(time.Now().Add(delay), fn)
}

// PostAt arms a one-shot timer for a specific deadline.
func (l *Loop) PostAt(deadline time.Time, fn func()) TimerHandle {
	node := &timerheap.Node{
		Deadline: deadline,
		ID:       l.nextTimerID.Add(1),
		Callback: fn,
	}
	_ = l.postCommand(&command{kind: cmdInsertTimer, timer: node})
	return TimerHandle{node: node, loop: l}
}

// WatchFd registers fd for readiness notification. onReady is invoked
// inline on the loop thread whenever fd becomes ready for any bit in mask.
// onAttachReady, if non-nil, is invoked once with the result of the
// underlying poller.Add call.
func (l *Loop) WatchFd(fd int, mask poller.Events, onReady func(poller.Events), onAttachReady func(error)) WatchHandle {
	st := &watchState{fd: fd, mask: mask, onReady: onReady, onAttachReady: onAttachReady}
	_ = l.postCommand(&command{kind: cmdWatchFd, watch: st})
	return WatchHandle{state: st, loop: l}
}

// PostDeferred pushes a Deferrable control block directly onto the intake
// queue, without allocating a *command (the defer-hook optimization).
func (l *Loop) PostDeferred(d Deferrable) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopClosed
	}
	l.enqueue(d)
	return nil
}

func (l *Loop) postCommand(cmd *command) error {
	if !l.state.CanAcceptWork() {
		return ErrLoopClosed
	}
	l.enqueue(cmd)
	return nil
}

// enqueue pushes v onto the intake queue and, if no wakeup is already
// pending, writes a single byte to the wakeup fd. wakeupPending coalesces
// an arbitrary number of enqueues from arbitrarily many producers into at
// most one pending OS-level wakeup at a time.
func (l *Loop) enqueue(v any) {
	l.intake.Push(&intake.Node{Value: v})
	if l.wakeupPending.CompareAndSwap(false, true) {
		_ = poller.WriteWakeByte(l.wakeWriteFD)
	}
}

// onWakeReady is the wakeup fd's OnReady callback: drain the fd to the
// empty level before clearing wakeupPending, so a write that races the
// clear is never lost (the next enqueue's CAS will see false and write
// again).
func (l *Loop) onWakeReady() {
	poller.DrainWakeFD(l.wakeReadFD)
	l.wakeupPending.Store(false)
}

// drainIntake dispatches every command pushed since the last drain. Only
// ever called from the loop thread.
func (l *Loop) drainIntake() {
	n := l.intake.Drain()
	depth := 0
	for cur := n; cur != nil; cur = intake.Next(cur) {
		depth++
	}
	if l.metrics != nil {
		l.metrics.Queue.UpdateIntake(depth)
	}
	for n != nil {
		next := intake.Next(n)
		l.dispatchValue(n.Value)
		n = next
	}
}

func (l *Loop) dispatchValue(v any) {
	switch x := v.(type) {
	case *command:
		l.dispatchCommand(x)
	case Deferrable:
		l.safeExecute(x.RunOnLoop)
	default:
		panic(fmt.Sprintf("eventloop: unrecognized intake value %T", v))
	}
}

func (l *Loop) dispatchCommand(cmd *command) {
	switch cmd.kind {
	case cmdRunThunk, cmdResumeCoroutine:
		l.safeExecute(cmd.fn)

	case cmdInsertTimer:
		node := cmd.timer
		if node.Cancelled {
			return
		}
		if !node.InHeap {
			l.timers.Insert(node)
			l.logTimerScheduled(node.ID, node.Deadline.UnixNano())
		}

	case cmdDropTimer:
		node := cmd.timer
		node.Cancelled = true
		if node.InHeap {
			l.timers.Remove(node)
			l.logTimerCanceled(node.ID)
		}

	case cmdWatchFd:
		st := cmd.watch
		item := &poller.Item{FD: st.fd, Mask: st.mask, OnReady: st.onReady}
		err := l.poller.Add(item)
		if err == nil {
			st.registered = true
			st.item = item
			l.logFdWatch("watch", st.fd)
		}
		if st.onAttachReady != nil {
			st.onAttachReady(err)
		}

	case cmdUpdateFd:
		st := cmd.watch
		if st.registered {
			st.mask = cmd.mask
			st.item.Mask = cmd.mask
			_ = l.poller.Mod(st.item)
		}

	case cmdUnwatchFd:
		st := cmd.watch
		if st.registered {
			_ = l.poller.Del(st.fd)
			st.registered = false
			l.logFdWatch("unwatch", st.fd)
		}

	case cmdRequestStop:
		l.stopRequested.Store(true)
	}
}

// fireExpiredTimers pops and runs every timer whose deadline has passed.
func (l *Loop) fireExpiredTimers(now time.Time) {
	for l.timers.Len() > 0 {
		min := l.timers.PeekMin()
		if min.Deadline.After(now) {
			return
		}
		node := l.timers.PopMin()
		if node.Cancelled {
			continue
		}
		l.logTimerFired(node.ID)
		l.safeExecute(node.Callback)
	}
}

// computeTimeout returns how long Wait may block: the time until the next
// timer deadline, zero if one has already elapsed, or -1 (block
// indefinitely) if no timers are armed.
func (l *Loop) computeTimeout(now time.Time) time.Duration {
	if l.timers.Len() == 0 {
		return -1
	}
	d := l.timers.PeekMin().Deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// safeExecute runs fn with panic recovery: a panic is logged as a fatal bug
// via the ambient logger and then re-raised, terminating the process. Go has
// no concept of a recoverable "exception escaping a task" the way the
// original runtime does; re-panicking after logging is the idiomatic
// rendering of "exceptions escaping a Command callback terminate the
// process".
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logCommandPanicked(&PanicError{Value: r, Stack: debug.Stack()})
			panic(r)
		}
		if l.metrics != nil {
			l.metrics.Latency.Record(time.Since(start))
			l.metrics.Commands().Increment()
		}
	}()
	fn()
}

func (l *Loop) isLoopThread() bool {
	id := l.threadID.Load()
	return id != 0 && id == getGoroutineID()
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Metrics returns the loop's live runtime metrics (not a copy), or nil if
// WithMetrics was not enabled.
func (l *Loop) Metrics() *Metrics {
	return l.metrics
}
