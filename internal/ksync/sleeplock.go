package ksync

import (
	"fmt"

	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/kthread"
)

// SleepLock is a mutex built on a binary Semaphore, with priority donation
// layered on top: while a lower-priority thread holds the lock, every
// higher-priority thread blocked waiting for it donates its priority to
// the holder (and, transitively, to whatever the holder is itself waiting
// on), so the holder can finish and release the lock instead of starving
// behind an unrelated medium-priority thread (priority inversion).
//
// waiter tracks every thread currently queued for this lock — including
// the current holder's own turn, until it removes itself post-acquire —
// so that Release knows exactly whose donation to withdraw.
type SleepLock struct {
	inner  *Semaphore
	holder *kthread.Thread
	waiter []*kthread.Thread
}

// NewSleepLock creates an unheld sleep lock.
func NewSleepLock() *SleepLock {
	return &SleepLock{inner: NewSemaphore(1)}
}

// Acquire blocks until the lock is free, donating this thread's priority
// to the current holder (and re-donating it to whichever successor
// acquires next) in the meantime.
func (l *SleepLock) Acquire() {
	g := intr.Disable()
	defer g.Restore()

	current := kthread.Current()
	if current.Dependency() != nil {
		panic(fmt.Sprintf("ksync: %s attempted to acquire a sleep lock while already blocked on another", current))
	}

	l.waiter = append(l.waiter, current)
	if l.holder != nil {
		l.holder.AddDonator(current.Priority())
		current.SetDependency(l.holder)
	}

	l.inner.Down()

	idx := -1
	for i, t := range l.waiter {
		if t.ID() == current.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		panic("ksync: sleep lock waiter list lost its own entry")
	}
	l.waiter = append(l.waiter[:idx], l.waiter[idx+1:]...)

	for _, x := range l.waiter {
		current.AddDonator(x.Priority())
		x.SetDependency(current)
	}

	if current.Dependency() != nil {
		panic("ksync: dependency not cleared after acquiring sleep lock")
	}

	l.holder = current
}

// Release gives up the lock, withdrawing the donation of every thread
// still queued for it and waking the highest-priority waiter (the
// longest-waiting one among equals).
func (l *SleepLock) Release() {
	g := intr.Disable()
	defer g.Restore()

	current := kthread.Current()
	if l.holder == nil || l.holder.ID() != current.ID() {
		panic(fmt.Sprintf("ksync: %s released a sleep lock it does not hold", current))
	}

	for _, x := range l.waiter {
		current.RemoveDonator(x.Priority())
		x.ClearDependency()
	}

	if current.Dependency() != nil {
		panic("ksync: dependency set during sleep lock release")
	}

	l.holder = nil
	l.inner.Up()
}

// Holder reports the thread currently holding the lock, or nil.
func (l *SleepLock) Holder() *kthread.Thread {
	return l.holder
}

// HeldByCurrent reports whether the calling thread currently holds the
// lock.
func (l *SleepLock) HeldByCurrent() bool {
	cur := kthread.Current()
	return l.holder != nil && l.holder.ID() == cur.ID()
}
