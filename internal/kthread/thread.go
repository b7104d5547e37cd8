// Package kthread implements the kernel thread: its life cycle, the
// priority-donation bookkeeping a sleep lock hangs off it, and the
// single-hart scheduler that hands the (virtual) hart between threads.
//
// There is no real register set to save here — Go gives us no safe way to
// swap stacks and program counters by hand — so a "context switch" is
// modeled as cooperative goroutine parking: at most one thread's goroutine
// is ever runnable at a time, and control passes between them over an
// unbuffered channel, exactly mirroring the single-hart invariant the
// scheduler depends on.
package kthread

import (
	"encoding/binary"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/pq"
)

const (
	PriDefault uint32 = 31
	PriMax     uint32 = 63
	PriMin     uint32 = 0
)

// kernelStackPages and stackGuardMagic implement spec §3's "owned kernel
// stack region (size = four pages, 16-byte-aligned, guard value at base)".
// Nothing here schedules real code onto this buffer — the goroutine-parking
// context switch (see package doc) never touches it — but the guard-write-
// then-compare contract is modeled faithfully so Overflow() answers the
// same question the original's stack canary does, against a synthetic
// buffer a test can clobber the way a wild kernel pointer write would.
const (
	kernelStackPages = 4
	stackGuardSize   = 8
	stackGuardMagic  = uint64(0xC0FFEE1BADC0DE42)
)

// Stack is a thread's owned kernel stack region: a fixed-size buffer with a
// guard word at its base (the low end, where a downward-growing stack would
// run off the end first).
type Stack struct {
	buf []byte
}

func newStack() *Stack {
	s := &Stack{buf: make([]byte, kernelStackPages*platform.PageSize)}
	binary.LittleEndian.PutUint64(s.buf[:stackGuardSize], stackGuardMagic)
	return s
}

// Guard exposes the live guard word at the stack's base, so tests can
// clobber it the way an overflowing write would.
func (s *Stack) Guard() []byte { return s.buf[:stackGuardSize] }

// Status is a thread's life-cycle state.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusBlocked
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusRunning:
		return "Running"
	case StatusBlocked:
		return "Blocked"
	case StatusDying:
		return "Dying"
	default:
		return "Unknown"
	}
}

// ChildStatus records what a parent thread knows about one of its
// children: still alive, or exited with a given code.
type ChildStatus struct {
	alive bool
	code  int64
}

func AliveChild() ChildStatus { return ChildStatus{alive: true} }

func ExitedChild(code int64) ChildStatus { return ChildStatus{alive: false, code: code} }

func (c ChildStatus) IsAlive() bool { return c.alive }

// ExitCode reports the exit code and whether the child has exited.
func (c ChildStatus) ExitCode() (int64, bool) { return c.code, !c.alive }

var nextTID atomicbitops.Int64

func nextID() int64 { return nextTID.Add(1) - 1 }

// NextTID reserves and returns the next thread ID without constructing a
// thread, so a caller that must know a process's ID before spawning it
// (internal/proc's Execute, which attributes the loader's frame-table
// allocations to the ID before the Builder exists) can do so, matching
// the original's Thread::get_and_increase_id().
func NextTID() int64 { return nextID() }

// Thread holds everything the core tracks about one kernel thread. A
// user-mode thread additionally carries a Proc (the owning process) and a
// PageTable; a pure kernel thread leaves both nil.
type Thread struct {
	tid  int64
	name string

	mu         sync.Mutex
	status     Status
	dependency *Thread
	donated    pq.ErasableHeap
	priority   atomicbitops.Uint32

	// Proc is type-erased to the minimal Lifecycle interface so this
	// package never imports internal/proc, which in turn depends on
	// kthread to spawn the threads backing its processes.
	Proc Lifecycle

	PageTable platform.PageTable

	// Stack is the thread's owned kernel stack region (spec §3); Overflow
	// compares its guard word on demand.
	Stack *Stack

	childrenMu sync.Mutex
	children   map[int64]ChildStatus

	descMu      sync.Mutex
	descriptors map[int]*FileDescriptor

	fn func()

	// resume is the context-switch handoff channel: receiving on it
	// delivers the thread that just switched out, which this thread
	// must hand to Manager.scheduleTail before it resumes real work.
	resume chan *Thread
}

// Lifecycle is the narrow slice of a user process the thread manager needs
// in order to finish tearing one down when its owning thread dies.
type Lifecycle interface {
	// ParentTID reports the owning process's parent thread ID, if any.
	ParentTID() (int64, bool)
	// NotifyExit runs when the thread behind this process is about to be
	// destroyed, after its status is already Dying.
	NotifyExit()
	// Terminate abnormally ends the process with the given exit code
	// (e.g. -1 for an unhandled page fault) and does not return: it ends
	// by calling Exit on the owning thread.
	Terminate(code int64)
}

// FileDescriptor is one entry of a thread's open-file table. Flags holds
// the open(2)-style bits (O_RDONLY/O_WRONLY/O_RDWR/...) the descriptor was
// opened with, so read/write can reject an access the flags forbid.
type FileDescriptor struct {
	File  platform.File
	Flags uintptr
}

func newThread(name string, priority uint32, fn func(), id *int64) *Thread {
	tid := nextID()
	if id != nil {
		tid = *id
	}
	t := &Thread{
		tid:         tid,
		name:        name,
		status:      StatusReady,
		children:    make(map[int64]ChildStatus),
		descriptors: make(map[int]*FileDescriptor),
		fn:          fn,
		resume:      make(chan *Thread),
		Stack:       newStack(),
	}
	t.priority.Store(priority)
	return t
}

func (t *Thread) ID() int64   { return t.tid }
func (t *Thread) Name() string { return t.name }

func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Thread) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Thread) SetBasePriority(p uint32) { t.priority.Store(p) }

func (t *Thread) BasePriority() uint32 { return t.priority.Load() }

// Priority reports the thread's effective priority: its base priority, or
// the highest priority donated to it, whichever is larger. Implements
// Priority() for pq.Prioritized / sched.Thread.
func (t *Thread) Priority() uint32 {
	base := t.priority.Load()
	t.mu.Lock()
	donated, ok := t.donated.Peek()
	t.mu.Unlock()
	if ok && donated > base {
		return donated
	}
	return base
}

func (t *Thread) Dependency() *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dependency
}

func (t *Thread) SetDependency(dep *Thread) {
	t.mu.Lock()
	t.dependency = dep
	t.mu.Unlock()
}

func (t *Thread) ClearDependency() {
	t.mu.Lock()
	t.dependency = nil
	t.mu.Unlock()
}

// uploadPriority propagates a priority change up the dependency chain: if
// this thread is itself blocked donating to another thread, that thread's
// donated entry for our old value must be swapped for our new one, and so
// on recursively.
func (t *Thread) uploadPriority(previous, modified uint32) {
	if previous == modified {
		return
	}
	dep := t.Dependency()
	if dep != nil {
		dep.replaceDonator(previous, modified)
	}
}

// replaceDonator swaps one donated entry for another and re-propagates,
// used when a thread further up the chain changes its own donated value.
func (t *Thread) replaceDonator(previous, modified uint32) {
	p := t.Priority()
	t.mu.Lock()
	t.donated.Erase(previous)
	t.donated.Push(modified)
	t.mu.Unlock()
	m := t.Priority()
	t.uploadPriority(p, m)
}

// AddDonator records a newly donated priority and propagates the resulting
// change in this thread's effective priority up the dependency chain.
func (t *Thread) AddDonator(priority uint32) {
	previous := t.Priority()
	t.mu.Lock()
	t.donated.Push(priority)
	t.mu.Unlock()
	modified := t.Priority()
	t.uploadPriority(previous, modified)
}

// RemoveDonator withdraws a previously donated priority. Callers must
// ensure this thread is not itself currently donating elsewhere (it must
// hold no lock another thread is waiting on), matching the invariant the
// original enforces before a holder releases a lock.
func (t *Thread) RemoveDonator(priority uint32) {
	if t.Dependency() != nil {
		panic(fmt.Sprintf("kthread: remove_donator on %s while it has an active dependency", t))
	}
	t.mu.Lock()
	t.donated.Erase(priority)
	t.mu.Unlock()
}

// Overflow reports whether this thread's stack guard word has been
// clobbered, matching the original's on-demand canary comparison.
func (t *Thread) Overflow() bool {
	return binary.LittleEndian.Uint64(t.Stack.Guard()) != stackGuardMagic
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s(%d)[%s]", t.name, t.tid, t.Status())
}

func (t *Thread) ChildStatus(tid int64) (ChildStatus, bool) {
	t.childrenMu.Lock()
	defer t.childrenMu.Unlock()
	cs, ok := t.children[tid]
	return cs, ok
}

func (t *Thread) SetChildStatus(tid int64, cs ChildStatus) {
	t.childrenMu.Lock()
	t.children[tid] = cs
	t.childrenMu.Unlock()
}

func (t *Thread) RemoveChild(tid int64) {
	t.childrenMu.Lock()
	delete(t.children, tid)
	t.childrenMu.Unlock()
}

// Descriptor returns the file behind fd, if open.
func (t *Thread) Descriptor(fd int) (*FileDescriptor, bool) {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	d, ok := t.descriptors[fd]
	return d, ok
}

// AllocDescriptor installs file under a fresh fd: one past the highest fd
// currently open, or 3 (just past the reserved stdin/stdout/stderr) if the
// table is empty. Unlike a typical POSIX allocator this never reuses a gap
// left by an earlier close — matching the original's
// `descriptors.last_key_value().map(|k| k+1).unwrap_or(STDERR+1)`.
func (t *Thread) AllocDescriptor(file platform.File, flags uintptr) int {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	fd := 3
	for existing := range t.descriptors {
		if existing+1 > fd {
			fd = existing + 1
		}
	}
	t.descriptors[fd] = &FileDescriptor{File: file, Flags: flags}
	return fd
}

// CloseDescriptor removes fd from the table, reporting whether it existed.
func (t *Thread) CloseDescriptor(fd int) (*FileDescriptor, bool) {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	d, ok := t.descriptors[fd]
	if ok {
		delete(t.descriptors, fd)
	}
	return d, ok
}
