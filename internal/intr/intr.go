// Package intr models the hart's interrupt-enable flag as the kernel's sole
// locking primitive. Every shared structure in the core (scheduler queues,
// donation state, the sleep wheel, the frame table, ...) is protected by
// disabling interrupts around its critical section rather than by a
// separate spinlock, since there is exactly one hart (spec §5).
package intr

import "gvisor.dev/gvisor/pkg/atomicbitops"

// enabled models sstatus.SIE: whether the hart will currently take
// interrupts, stored as 0/1 the way the teacher stores small state flags
// (atomicbitops.Uint32) rather than a bare bool. It starts enabled,
// matching the state the boot glue leaves the hart in once the scheduler
// takes over.
var enabled atomicbitops.Uint32

func init() { enabled.Store(1) }

func toUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Set installs a new enabled state and returns the one it replaced,
// mirroring the RISC-V-style sbi::interrupt::set(bool) -> bool primitive
// used throughout the original kernel. Single-hart discipline means the
// load-then-store below never races with itself in practice (the caller
// is always the one logical hart), matching the original's assumption
// that interrupt::set is never called concurrently with itself.
func Set(next bool) (previous bool) {
	previous = enabled.Load() != 0
	enabled.Store(toUint32(next))
	return previous
}

// Enabled reports the current state without changing it.
func Enabled() bool {
	return enabled.Load() != 0
}

// Guard is a scoped interrupt-disabled critical section. It plays the role
// the Rust original filled with a destructor that restores the previous
// flag; Go has no destructors, so callers must explicitly Restore (usually
// via defer).
type Guard struct {
	previous bool
	done     bool
}

// Disable turns interrupts off and returns a Guard that restores whatever
// state was in effect when Restore is called. Nested Disable/Restore pairs
// compose correctly because each Guard remembers its own previous value.
func Disable() *Guard {
	return &Guard{previous: Set(false)}
}

// Restore reinstates the enabled state captured by Disable. It is safe to
// call at most once per Guard; a second call is a no-op.
func (g *Guard) Restore() {
	if g.done {
		return
	}
	g.done = true
	Set(g.previous)
}

// Close is an alias for Restore, so callers can `defer intr.Disable().Close()`.
func (g *Guard) Close() { g.Restore() }
