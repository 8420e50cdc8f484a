// Package spawn posts a factory function onto an event loop via the
// defer-hook path, avoiding the extra allocation a generic Post incurs.
package spawn

import (
	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

// task boxes factory for the defer-hook. It implements eventloop.Deferrable.
type task struct {
	factory func()
}

func (t *task) RunOnLoop() {
	t.factory()
}

// CancelOnLoop runs if loop is torn down with this task still queued; the
// factory never runs.
func (t *task) CancelOnLoop() {}

// Spawn posts factory to run on loop. factory runs with the same panic
// semantics as any other loop-dispatched callback: a panic is logged and
// terminates the process. If loop is already closed, the factory is
// discarded and the closed error is returned.
func Spawn(loop *eventloop.Loop, factory func()) error {
	return loop.PostDeferred(&task{factory: factory})
}
