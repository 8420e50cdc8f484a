// Package sleepawaiter implements a cooperative, cancellable sleep that
// resumes on the event loop that scheduled it.
package sleepawaiter

import (
	"context"
	"sync"
	"time"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

// Sleep blocks the calling goroutine until delay has elapsed, ctx is done,
// or loop is torn down. A non-positive delay returns immediately. The
// underlying timer always fires on loop, never on the calling goroutine's
// thread; cancellation is idempotent.
func Sleep(ctx context.Context, loop *eventloop.Loop, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	var once sync.Once
	fired := make(chan struct{})
	handle := loop.PostAfter(delay, func() {
		once.Do(func() { close(fired) })
	})

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		handle.Cancel()
		select {
		case <-fired:
			return nil
		default:
			return ctx.Err()
		}
	case <-loop.Done():
		select {
		case <-fired:
			return nil
		default:
			return eventloop.ErrLoopClosed
		}
	}
}
