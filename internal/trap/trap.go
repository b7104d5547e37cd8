// Package trap implements the page-fault handler: the one trap vector the
// core actually branches on. Three things can cause a page fault to reach
// here: a user stack that needs to grow, a kernel probe that speculatively
// touched an unmapped user pointer (and must fail soft, not panic), or a
// genuine user-mode access violation (which kills the offending process).
package trap

import (
	"fmt"
	"reflect"

	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/mem"
	"github.com/PlanarG/OS/internal/platform"
)

// Privilege is the mode the trapping instruction ran in.
type Privilege int

const (
	PrivilegeUser Privilege = iota
	PrivilegeSupervisor
)

// FaultKind distinguishes the RISC-V page-fault exception that trapped.
type FaultKind int

const (
	FaultStore FaultKind = iota
	FaultLoad
	FaultInstruction
)

func (k FaultKind) String() string {
	switch k {
	case FaultStore:
		return "writing"
	case FaultLoad:
		return "reading"
	case FaultInstruction:
		return "fetching instruction"
	default:
		return "unknown"
	}
}

// Frame is the trap frame saved on entry: the general-purpose register
// file (x[2] is sp, matching the RISC-V calling convention), the faulting
// instruction's address, and the privilege level it ran at.
type Frame struct {
	X         [32]uintptr
	SEPC      uintptr
	Privilege Privilege
}

// Probe sentinel addresses: a kernel-mode probe of a user pointer that
// faults must resume at the matching …Exit address with a1 (x[11]) set
// non-zero, rather than panicking the kernel. Production code points
// these at the real trampoline's entry/exit labels; here they are plain
// function values from this package, good enough to compare a recorded
// SEPC against.
var (
	ProbeReadUserByte  = reflect.ValueOf(probeReadUserByteStub).Pointer()
	ProbeReadUserExit  = reflect.ValueOf(probeReadUserExitStub).Pointer()
	ProbeWriteUserByte = reflect.ValueOf(probeWriteUserByteStub).Pointer()
	ProbeWriteUserExit = reflect.ValueOf(probeWriteUserExitStub).Pointer()
)

func probeReadUserByteStub()  {}
func probeReadUserExitStub()  {}
func probeWriteUserByteStub() {}
func probeWriteUserExitStub() {}

// Deps bundles the collaborators Handle needs: the frame table to
// grow a user stack into, and the kernel's own page table to fall back to
// when the faulting thread has none (a pure kernel thread).
type Deps struct {
	Frames          *mem.FrameTable
	KernelPageTable platform.PageTable
}

// Handle runs the page-fault decision tree (spec'd after the original's
// trap::pagefault::handler): stack growth, kernel-probe recovery, or user
// process termination.
func (d Deps) Handle(frame *Frame, fault FaultKind, addr uintptr) {
	current := kthread.Current()
	sp := frame.X[2]

	if addr == sp && fault == FaultStore {
		if current.PageTable == nil {
			panic("trap: stack-growth fault on a thread with no page table")
		}
		flags := platform.PTEValid | platform.PTERead | platform.PTEWrite | platform.PTEUser
		pageBegin := platform.PageAlignDown(sp)
		stackFrame := d.Frames.AllocPage(current.ID(), pageBegin, true)
		current.PageTable.Map(stackFrame, pageBegin, platform.PageSize, flags)
		return
	}

	table := current.PageTable
	if table == nil {
		table = d.KernelPageTable
	}
	present := false
	if table != nil {
		if entry, ok := table.GetPTE(addr); ok {
			present = entry.Valid()
		}
	}

	klog.Infof("page fault at %#x: %s error %s page in %s context",
		addr, presentLabel(present), fault, privilegeLabel(frame.Privilege))

	switch frame.Privilege {
	case PrivilegeSupervisor:
		switch frame.SEPC {
		case ProbeReadUserByte:
			frame.X[11] = 1
			frame.SEPC = ProbeReadUserExit
		case ProbeWriteUserByte:
			frame.X[11] = 1
			frame.SEPC = ProbeWriteUserExit
		default:
			panic(fmt.Sprintf("trap: kernel page fault at %#x (sepc %#x)", addr, frame.SEPC))
		}
	case PrivilegeUser:
		klog.Warningf("user thread %s dying due to page fault", current.Name())
		if current.Proc == nil {
			panic("trap: user-mode fault on a thread with no owning process")
		}
		current.Proc.Terminate(-1)
	}
}

func presentLabel(present bool) string {
	if present {
		return "rights"
	}
	return "not present"
}

func privilegeLabel(p Privilege) string {
	if p == PrivilegeSupervisor {
		return "kernel"
	}
	return "user"
}
