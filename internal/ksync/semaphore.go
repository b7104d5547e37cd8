// Package ksync provides the kernel's synchronization primitives built on
// top of internal/kthread: a counting semaphore, and a sleep lock with
// priority donation layered over it.
package ksync

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/pq"
)

// Semaphore is a classic counting semaphore. Waiters are released highest
// (effective, donation-aware) priority first, in arrival order among equal
// priorities, since the queue is a FIFOQueue, matching the original's
// Semaphore. The count is kept in an
// atomicbitops.Int32 (as the teacher keeps its own hot scalar counters)
// even though every access already happens under intr.Disable(): it lets
// Value() be read without taking a separate lock.
type Semaphore struct {
	value   atomicbitops.Int32
	waiters pq.FIFOQueue[*kthread.Thread]
}

// NewSemaphore creates a semaphore with initial value n.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{}
	s.value.Store(int32(n))
	return s
}

// Down (P) blocks until the semaphore is available, then consumes one
// unit.
func (s *Semaphore) Down() {
	g := intr.Disable()
	defer g.Restore()

	for s.value.Load() == 0 {
		s.waiters.Push(kthread.Current())
		kthread.Block()
	}
	s.value.Add(-1)
}

// Up (V) releases one unit and wakes the highest-priority waiter (the
// longest-waiting one among equals), if any.
func (s *Semaphore) Up() {
	g := intr.Disable()
	defer g.Restore()

	s.value.Add(1)
	if t, ok := s.waiters.Pop(); ok {
		kthread.WakeUp(t)
	}
}

// Value reports the semaphore's current count.
func (s *Semaphore) Value() int {
	return int(s.value.Load())
}
