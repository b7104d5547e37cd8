// Package proc implements the user-process lifecycle: loading an ELF64
// executable into a fresh address space, building its initial argv/stack
// layout and trap frame, and the exec/exit/wait protocol a kernel thread
// uses to run one.
//
// There is no instruction-level interpreter here — nothing in this
// repository ever decodes or executes a RISC-V instruction, matching the
// boundary spec.md §1 draws around trap-vector assembly and the rest of
// the hart-facing boot glue. A loaded process's thread therefore never
// "runs" the binary it was built from; it parks immediately after its
// frame is constructed, and only leaves that state via the exit syscall
// (Exit, below) or a fatal page fault routed through
// internal/trap.Deps.Handle, both of which end it through kthread.Exit.
package proc

import (
	"fmt"

	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/mem"
	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/trap"
)

// Deps bundles the collaborators Execute needs: the frame table pages are
// allocated from, the physical pool backing those frames, and the kernel
// page table new processes clone their address space from.
type Deps struct {
	Frames          *mem.FrameTable
	Pool            platform.UserPool
	KernelPageTable platform.PageTable
}

// UserProc is the process state hung off a user thread's Lifecycle slot:
// the backing executable (write-denied while it runs) and enough of its
// initial trap frame to answer argv/entry-point questions about it.
type UserProc struct {
	bin       platform.File
	parentTID int64
	frame     *trap.Frame
}

// ParentTID implements kthread.Lifecycle.
func (p *UserProc) ParentTID() (int64, bool) { return p.parentTID, true }

// NotifyExit implements kthread.Lifecycle. The exit bookkeeping (allowing
// writes again, recording the child's status) happens synchronously in
// Exit, before the thread is marked Dying, matching the order the
// original's userproc::exit performs it in; there is nothing left to do
// once the thread is actually being torn down.
func (p *UserProc) NotifyExit() {}

// Terminate implements kthread.Lifecycle: a fatal page fault ends a
// process exactly the way the exit syscall does, with a distinguished
// negative code.
func (p *UserProc) Terminate(code int64) { Exit(code) }

// Frame returns the process's initial trap frame (entry point, stack
// pointer, argc/argv registers), for inspection and for a future trap
// vector layer to install on first entry to user mode.
func (p *UserProc) Frame() *trap.Frame { return p.frame }

// Execute loads file as a new user process with the given argv and spawns
// the thread that owns it, returning its thread ID. On any loader failure
// it returns an error and leaves no new thread registered.
func (d Deps) Execute(file platform.File, argv []string) (int64, error) {
	pt := d.KernelPageTable.Clone()
	id := kthread.NextTID()

	info, stackTop, err := loadExecutable(d, file, pt, id)
	if err != nil {
		pt.Destroy()
		return 0, err
	}

	frame := buildFrame(d, info, stackTop, argv)

	userproc := &UserProc{
		bin:       file,
		parentTID: kthread.Current().ID(),
		frame:     frame,
	}

	klog.Infof("[PROCESS] executing tid %d with args %v", id, argv)

	spawned := kthread.NewBuilder(func() { runUser(userproc) }).
		Name(fmt.Sprintf("user:%d", id)).
		Proc(userproc).
		PageTable(pt).
		ID(id).
		Spawn()

	if spawned.ID() != id {
		panic("proc: spawned thread id did not match the reserved id")
	}

	return spawned.ID(), nil
}

// runUser stands in for the original's raw asm jump into user mode (set
// sstatus.SPP, point the kernel stack at the frame, jr into the trap
// exit trampoline). With no interpreter to hand the decoded frame to,
// this just parks: the process is "running" for as long as nothing wakes
// this thread, which matches every test and caller in this repository,
// none of which ever calls WakeUp on a freshly executed process's thread.
func runUser(up *UserProc) {
	_ = up
	kthread.Block()
}

// Exit implements the exit syscall: it records the exiting process's
// status against its parent and allows the executable to be written again,
// then ends the calling thread. A thread with no UserProc (a bare kernel
// thread calling Exit directly) simply ends, matching the original's
// no-op branch when current.userproc is None.
func Exit(code int64) {
	cur := kthread.Current()
	if up, ok := cur.Proc.(*UserProc); ok {
		up.bin.AllowWrite()
		if parent := kthread.GetManager().GetByID(up.parentTID); parent != nil {
			parent.SetChildStatus(cur.ID(), kthread.ExitedChild(code))
		}
	}
	kthread.Exit()
}

// Wait blocks the calling thread until tid — which must be one of its own
// children — exits, returning its exit code. ok is false if tid was never
// a child of the current thread (or has already been waited for).
func Wait(tid int64) (code int64, ok bool) {
	cur := kthread.Current()
	for {
		cs, known := cur.ChildStatus(tid)
		if !known {
			return 0, false
		}
		if cs.IsAlive() {
			kthread.Schedule()
			continue
		}
		code, _ = cs.ExitCode()
		cur.RemoveChild(tid)
		return code, true
	}
}
