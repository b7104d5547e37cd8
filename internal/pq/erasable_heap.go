package pq

import "container/heap"

// uint32Heap is a max-heap of uint32, implementing container/heap.Interface
// the same way joeycumines-go-utilpkg/eventloop's timerHeap wraps a slice
// for its timer min-heap — we just invert Less for a max-heap.
type uint32Heap []uint32

func (h uint32Heap) Len() int            { return len(h) }
func (h uint32Heap) Less(i, j int) bool  { return h[i] > h[j] }
func (h uint32Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *uint32Heap) Push(x any)         { *h = append(*h, x.(uint32)) }
func (h *uint32Heap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ErasableHeap tracks a multiset of donated priorities that may be
// withdrawn out of insertion order (spec §4.2). It holds two max-heaps:
// live keys and erased (tombstoned) keys. Peek lazily cancels matched tops
// so that a push/erase pair never needs to locate and splice a specific
// heap element.
type ErasableHeap struct {
	live       uint32Heap
	tombstones uint32Heap
}

// Push records a new donated priority.
func (h *ErasableHeap) Push(key uint32) {
	heap.Push(&h.live, key)
}

// Erase withdraws one occurrence of key. If key was never pushed (or was
// already withdrawn as many times as it was pushed), the tombstone simply
// waits to cancel a future push — matching the original's unconditional
// `self.1.push(key)`.
func (h *ErasableHeap) Erase(key uint32) {
	heap.Push(&h.tombstones, key)
}

// Peek returns the maximum key present in the multiset difference
// (pushes minus matched erases), or ok=false if none remain.
func (h *ErasableHeap) Peek() (key uint32, ok bool) {
	for len(h.tombstones) > 0 && len(h.live) > 0 && h.tombstones[0] == h.live[0] {
		heap.Pop(&h.live)
		heap.Pop(&h.tombstones)
	}
	if len(h.live) == 0 {
		return 0, false
	}
	return h.live[0], true
}
