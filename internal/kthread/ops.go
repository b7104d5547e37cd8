package kthread

import (
	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/klog"
)

// Current returns the thread currently occupying the virtual hart.
func Current() *Thread {
	return GetManager().currentLocked()
}

// Schedule yields control to another ready thread, if one is owed a turn.
func Schedule() {
	GetManager().Schedule()
}

// Exit marks the current thread Dying and never returns: once scheduled
// away, nothing will ever schedule it back in.
func Exit() {
	cur := Current()
	klog.Debugf("[THREAD] exit: %s", cur)
	cur.setStatus(StatusDying)
	Schedule()
	panic("kthread: an exited thread was scheduled again")
}

// Block marks the current thread Blocked and yields. The caller is
// responsible for arranging a later WakeUp.
func Block() {
	cur := Current()
	cur.setStatus(StatusBlocked)
	klog.Debugf("[THREAD] block: %s", cur)
	Schedule()
}

// WakeUp moves a Blocked thread back to Ready and into the scheduler,
// preempting the current thread if it now outranks it.
func WakeUp(t *Thread) {
	if t.Status() != StatusBlocked {
		panic("kthread: wake_up on a thread that was not Blocked")
	}
	t.setStatus(StatusReady)
	klog.Debugf("[THREAD] wake up: %s", t)

	m := GetManager()
	m.policy.Register(t)

	if t.Priority() > GetPriority() {
		Schedule()
	}
}

// SetPriority changes the current thread's base priority. If this lowers
// its effective priority below the best ready thread's, it yields
// immediately.
func SetPriority(p uint32) {
	g := intr.Disable()
	defer g.Restore()

	cur := Current()
	previous := GetPriority()

	if cur.Dependency() != nil {
		panic("kthread: set_priority while thread has an active donation dependency")
	}
	cur.SetBasePriority(p)

	priority := GetPriority()

	m := GetManager()
	next, hasNext := m.policy.Next()
	shouldYield := priority < previous && hasNext && priority < next.Priority()
	if shouldYield {
		Schedule()
	}
}

// GetPriority reports the current thread's effective priority.
func GetPriority() uint32 {
	return Current().Priority()
}

// Sleep parks the current thread until at least ticks timer ticks have
// elapsed, measured against the manager's installed Timer (see
// Manager.SetTimer). ticks <= 0 returns immediately.
func Sleep(ticks int64) {
	if ticks <= 0 {
		return
	}
	m := GetManager()
	start := m.timer.Ticks()
	m.RegisterSleepThread(Current(), start+ticks)
	Block()
}
