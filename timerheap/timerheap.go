// Package timerheap implements the deadline-ordered min-heap of TimerNodes
// owned by an EventLoop: a slice of *Node with hand-rolled sift up/down,
// not container/heap.Interface over the slice. The slice itself may
// reallocate on growth, but every Node it references is a stable heap
// allocation whose address never changes — only its slot (tracked in
// Index) moves as the heap is rebalanced. Insert/Remove take and return
// *Node directly rather than the any-typed Push(x any)/Pop() any pair
// container/heap requires, so a cancelled timer can be removed by the
// pointer a caller already holds instead of a heap-relative index. This is
// the idiomatic Go substitution for the source's intrusive parent/left/right
// pointer heap, which exists there to give the same guarantee (a TimerNode
// must not move while a DropTimer command may still reference it).
package timerheap

import "time"

// Node is one scheduled timer. Only the loop thread may read or mutate a
// Node once it has been inserted.
type Node struct {
	Deadline  time.Time
	ID        uint64 // monotonic tie-breaker, assigned at creation
	Callback  func()
	Cancelled bool
	InHeap    bool
	Index     int // slot in the backing slice; maintained by swap() during sift
}

// less reports whether a sorts before b under the (deadline, id) total order.
func less(a, b *Node) bool {
	if a.Deadline.Equal(b.Deadline) {
		return a.ID < b.ID
	}
	return a.Deadline.Before(b.Deadline)
}

// Heap is a min-heap of *Node, ordered by (Deadline, ID). Zero value is an
// empty heap. Not safe for concurrent use — only the owning loop thread
// ever touches it.
type Heap struct {
	nodes []*Node
}

// Len reports the number of nodes currently in the heap.
func (h *Heap) Len() int { return len(h.nodes) }

// Insert adds node to the heap. node.InHeap becomes true and node.Index is
// set to its resulting slot.
func (h *Heap) Insert(node *Node) {
	node.InHeap = true
	node.Index = len(h.nodes)
	h.nodes = append(h.nodes, node)
	h.siftUp(node.Index)
}

// Remove extracts node from the heap, wherever it currently sits. No-op if
// node.InHeap is already false.
func (h *Heap) Remove(node *Node) {
	if !node.InHeap {
		return
	}
	i := node.Index
	last := len(h.nodes) - 1
	if i != last {
		h.swap(i, last)
		h.nodes = h.nodes[:last]
		if i < len(h.nodes) {
			h.siftDown(i)
			h.siftUp(i)
		}
	} else {
		h.nodes = h.nodes[:last]
	}
	node.InHeap = false
	node.Index = -1
}

// PeekMin returns the minimum node without removing it, or nil if empty.
func (h *Heap) PeekMin() *Node {
	if len(h.nodes) == 0 {
		return nil
	}
	return h.nodes[0]
}

// PopMin removes and returns the minimum node, or nil if empty.
func (h *Heap) PopMin() *Node {
	min := h.PeekMin()
	if min == nil {
		return nil
	}
	h.Remove(min)
	return min
}

func (h *Heap) swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.nodes[i].Index = i
	h.nodes[j].Index = j
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !less(h.nodes[i], h.nodes[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.nodes)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && less(h.nodes[left], h.nodes[smallest]) {
			smallest = left
		}
		if right < n && less(h.nodes[right], h.nodes[smallest]) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}
