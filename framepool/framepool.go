// Package framepool implements the per-thread scratch-buffer allocator that
// plays the role the original coroutine-frame allocator played for
// stackless-coroutine activation records. Go manages goroutine stacks
// itself, so there is nothing here that corresponds to a frame *stack*; what
// survives is the allocator's contract — size classing, O(1) release, thread
// affinity — repurposed as a scratch-buffer pool for byte slices scoped to
// the current loop thread. Each Loop owns and binds one; no other package in
// this module draws buffers from it.
package framepool

import (
	"runtime"
	"sync"

	"github.com/pbnjay/memory"
)

// classSizes are the pool's size classes. The original allocator this is
// grounded on defines exactly seven classes (64 through 4096, doubling) and
// treats anything larger as falling through to the system allocator; this
// pool adds an explicit eighth class at that fallthrough point (see the
// FramePool entry in DESIGN.md for the full resolution).
var classSizes = [8]int{64, 128, 256, 512, 1024, 2048, 4096, 8192}

// Frame is a pooled scratch buffer. Buf is sized exactly to the request;
// its capacity may exceed len(Buf) up to the owning size class.
type Frame struct {
	Buf     []byte
	classID int // -1 for an unpooled, oversized allocation
	pool    *Pool
}

// Release returns the frame to its owning pool's free list. A Frame must not
// be used after Release. Safe to call only from the thread that acquired it
// (the pool itself is not safe for concurrent use).
func (f *Frame) Release() {
	f.pool.release(f)
}

// Pool is a single-thread scratch-buffer allocator with eight size classes.
// Not safe for concurrent use: the pool bound to a thread via Bind must be
// the pool owned by that thread's EventLoop.
type Pool struct {
	freeLists [8][]*Frame
	budget    int64 // max bytes retained across all free lists; 0 means unbounded
	retained  int64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithFramePoolBudget caps the bytes this Pool will retain across its free
// lists to fraction of the host's total physical memory, queried once via
// memory.TotalMemory(). Frames released once the cap is reached are dropped
// instead of pooled, leaving them to the garbage collector rather than
// growing the pool unboundedly under a bursty workload. fraction <= 0
// disables the cap (the default, unbounded behavior).
func WithFramePoolBudget(fraction float64) Option {
	return func(p *Pool) {
		if fraction <= 0 {
			p.budget = 0
			return
		}
		total := memory.TotalMemory()
		p.budget = int64(float64(total) * fraction)
	}
}

// New creates an empty Pool, applying any Options given.
func New(opts ...Option) *Pool {
	p := &Pool{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func classFor(n int) int {
	for i, sz := range classSizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// Acquire returns a Frame with a buffer of exactly n bytes, reusing a freed
// block from the matching size class when one is available. Requests larger
// than the largest class fall through to a plain, unpooled allocation.
func (p *Pool) Acquire(n int) *Frame {
	classID := classFor(n)
	if classID < 0 {
		return &Frame{Buf: make([]byte, n), classID: -1, pool: p}
	}
	list := p.freeLists[classID]
	if last := len(list) - 1; last >= 0 {
		f := list[last]
		p.freeLists[classID] = list[:last]
		p.retained -= int64(cap(f.Buf))
		f.Buf = f.Buf[:n]
		return f
	}
	return &Frame{Buf: make([]byte, n, classSizes[classID]), classID: classID, pool: p}
}

func (p *Pool) release(f *Frame) {
	if f.classID < 0 {
		return
	}
	if p.budget > 0 && p.retained+int64(cap(f.Buf)) > p.budget {
		return
	}
	f.Buf = f.Buf[:cap(f.Buf)]
	p.freeLists[f.classID] = append(p.freeLists[f.classID], f)
	p.retained += int64(cap(f.Buf))
}

// registry maps the goroutine ID of each loop thread to its bound Pool. This
// is the idiomatic Go substitute for the source's `thread_local
// CoroutineFramePool* current_`: Go has no thread-local storage, but a loop
// goroutine is pinned to its OS thread via runtime.LockOSThread for its
// entire lifetime, so keying on goroutine identity gives the same affinity
// guarantee the source gets from a real TLS slot.
var registry sync.Map // goroutine id (uint64) -> *Pool

// Scope saves and restores the calling goroutine's bound pool, mirroring the
// source's CoroutineFrameAllocScope RAII guard.
type Scope struct {
	id   uint64
	prev *Pool
	had  bool
}

// Close restores whatever pool (if any) was bound before this Scope's Bind.
func (s *Scope) Close() {
	if s.had {
		registry.Store(s.id, s.prev)
	} else {
		registry.Delete(s.id)
	}
}

// Bind installs pool as the current goroutine's frame pool and returns a
// Scope that restores the previous binding on Close. EventLoop.Run calls
// this once, for its own lifetime, around the run loop.
func Bind(pool *Pool) *Scope {
	id := goroutineID()
	scope := &Scope{id: id}
	if prev, ok := registry.Load(id); ok {
		scope.prev = prev.(*Pool)
		scope.had = true
	}
	registry.Store(id, pool)
	return scope
}

// Current returns the pool bound to the calling goroutine, or nil if none is
// bound (i.e. the caller is not running on a loop thread).
func Current() *Pool {
	v, ok := registry.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*Pool)
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
