// Package threadgroup owns a fixed-size pool of event loops and the
// OS-thread-pinned goroutines that drive them.
package threadgroup

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

var currentLoop sync.Map // goroutine ID (uint64) -> *eventloop.Loop

var maxprocsOnce sync.Once

// DefaultSize applies go.uber.org/automaxprocs once (so GOMAXPROCS reflects
// any container CPU quota rather than the host's full core count) and
// returns the resulting value, used as the worker count when the caller
// doesn't pick one explicitly.
func DefaultSize() int {
	maxprocsOnce.Do(func() {
		_, _ = maxprocs.Set()
	})
	return runtime.GOMAXPROCS(0)
}

// Group runs N eventloop.Loop instances, each pinned to its own OS thread.
type Group struct {
	loops   []*eventloop.Loop
	started atomic.Bool
	eg      *errgroup.Group
	next    atomic.Uint64

	stopOnce sync.Once
	runErrs  []error
	errMu    sync.Mutex
}

// New builds a Group from N > 0 already-constructed loops.
func New(loops ...*eventloop.Loop) *Group {
	if len(loops) == 0 {
		panic("threadgroup: group requires at least one loop")
	}
	return &Group{loops: loops}
}

// NewSized constructs size loops via newLoop and wraps them in a Group. A
// non-positive size is replaced with DefaultSize().
func NewSized(size int, newLoop func() (*eventloop.Loop, error)) (*Group, error) {
	if size <= 0 {
		size = DefaultSize()
	}
	loops := make([]*eventloop.Loop, size)
	for i := range loops {
		l, err := newLoop()
		if err != nil {
			return nil, fmt.Errorf("threadgroup: constructing loop %d: %w", i, err)
		}
		loops[i] = l
	}
	return New(loops...), nil
}

// Size returns the number of loops in the group.
func (g *Group) Size() int { return len(g.loops) }

// At returns the loop at index i.
func (g *Group) At(i int) *eventloop.Loop { return g.loops[i] }

// Start spawns exactly Size() goroutines, each pinned to its own OS thread
// and running one loop. Starting a group twice is a contract violation and
// panics.
func (g *Group) Start() {
	if !g.started.CompareAndSwap(false, true) {
		panic("threadgroup: group already started")
	}
	g.eg = &errgroup.Group{}
	for _, l := range g.loops {
		l := l
		g.eg.Go(func() error {
			g.runWorker(l)
			return nil
		})
	}
}

func (g *Group) runWorker(l *eventloop.Loop) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := goroutineID()
	currentLoop.Store(id, l)
	defer currentLoop.Delete(id)

	if err := l.Run(context.Background()); err != nil {
		g.errMu.Lock()
		g.runErrs = append(g.runErrs, err)
		g.errMu.Unlock()
	}
}

// Stop requests every loop in the group to terminate. Idempotent.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		for _, l := range g.loops {
			_ = l.Stop()
		}
	})
}

// Join blocks until every worker goroutine has exited, fanning in via
// errgroup so a single Wait covers however many loops the group owns.
func (g *Group) Join() {
	if g.eg != nil {
		_ = g.eg.Wait()
	}
}

// Shutdown requests a stop and waits for every loop to exit.
func (g *Group) Shutdown() {
	g.Stop()
	g.Join()
}

// Errors returns the errors (if any) returned by Loop.Run for each worker,
// in no particular order. Only meaningful after Join.
func (g *Group) Errors() []error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return append([]error(nil), g.runErrs...)
}

// ShutdownErr aggregates every worker's Run error into a single
// *eventloop.ShutdownError, or nil if every loop returned cleanly. Only
// meaningful after Join.
func (g *Group) ShutdownErr() error {
	var agg error
	for _, err := range g.Errors() {
		agg = eventloop.AppendShutdownError(agg, err)
	}
	return agg
}

// Current returns the loop pinned to the calling goroutine, if any.
func Current() *eventloop.Loop {
	if v, ok := currentLoop.Load(goroutineID()); ok {
		return v.(*eventloop.Loop)
	}
	return nil
}

// Pick returns the loop the caller should use for work not tied to a
// specific loop: the current loop when called from a loop thread, otherwise
// the next loop in round-robin order.
func (g *Group) Pick() *eventloop.Loop {
	if l := Current(); l != nil {
		for _, candidate := range g.loops {
			if candidate == l {
				return l
			}
		}
	}
	idx := g.next.Add(1) - 1
	return g.loops[idx%uint64(len(g.loops))]
}

func goroutineID() uint64 {
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
