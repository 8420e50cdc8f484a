// Package intake implements the lock-free multi-producer single-consumer
// command queue that feeds an EventLoop. It is a Treiber stack: producers
// push by CAS on a head pointer, and the single consumer exchanges the head
// with nil and reverses the resulting chain to recover FIFO order within the
// batch it observed.
package intake

import "sync/atomic"

// Node is one intake record. Callers embed a payload in Value and must not
// reuse a Node across two in-flight pushes; the queue takes ownership of
// Next until the node is returned by Drain.
type Node struct {
	Value any
	next  atomic.Pointer[Node]
}

// Intake is the MPSC command queue. The zero value is ready to use.
type Intake struct {
	head atomic.Pointer[Node]
}

// Push enqueues node. Safe to call from any goroutine concurrently. Lock-free;
// wait-free except for CAS retries under contention.
func (q *Intake) Push(node *Node) {
	for {
		old := q.head.Load()
		node.next.Store(old)
		if q.head.CompareAndSwap(old, node) {
			return
		}
	}
}

// Drain atomically takes ownership of every node pushed so far and returns
// them in the order they were pushed (oldest first). Must be called only by
// the single consumer (the loop thread) — concurrent Drain calls would race
// on delivering the same batch twice.
func (q *Intake) Drain() *Node {
	last := q.head.Swap(nil)
	var first *Node
	for last != nil {
		next := last.next.Load()
		last.next.Store(first)
		first = last
		last = next
	}
	return first
}

// Next returns the node following n in a chain returned by Drain, or nil at
// the end of the chain.
func Next(n *Node) *Node {
	if n == nil {
		return nil
	}
	return n.next.Load()
}

// ForEach walks a chain returned by Drain, invoking fn once per node in
// order. It is safe for fn to discard the node (e.g. return it to a pool)
// since the chain has already been fully reversed and is not touched again.
func ForEach(root *Node, fn func(*Node)) {
	for root != nil {
		next := root.next.Load()
		fn(root)
		root = next
	}
}
