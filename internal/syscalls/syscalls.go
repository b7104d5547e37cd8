// Package syscalls implements the user/kernel boundary: the fixed-number
// dispatch table a trapped environment call is routed through, and the
// pointer-marshalling rules (internal/syscalls.Memory) every handler uses
// to cross into a calling thread's address space.
package syscalls

import (
	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/proc"
)

// Syscall numbers, matching the fixed a7 values a trapped ecall arrives
// with (spec §6). These are not an arbitrary enumeration order: a caller
// on the other side of the trap boundary depends on the exact numbers.
const (
	Halt   uintptr = 1
	Exit   uintptr = 2
	Exec   uintptr = 3
	Wait   uintptr = 4
	Remove uintptr = 5
	Open   uintptr = 6
	Read   uintptr = 7
	Write  uintptr = 8
	Seek   uintptr = 9
	Tell   uintptr = 10
	Close  uintptr = 11
	Fstat  uintptr = 12
)

// open(2)-style flag bits.
const (
	ORDONLY uintptr = 0x000
	OWRONLY uintptr = 0x001
	ORDWR   uintptr = 0x002
	OCREATE uintptr = 0x200
	OTRUNC  uintptr = 0x400
)

// Reserved file descriptors every thread starts with.
const (
	FDStdin  uintptr = 0
	FDStdout uintptr = 1
	FDStderr uintptr = 2
)

// Args holds a syscall's three argument registers (a0-a2), in order.
type Args [3]uintptr

// Deps bundles the collaborators the dispatcher needs beyond the calling
// thread's own page table (fetched fresh on every call, since the
// currently running thread can change between syscalls).
type Deps struct {
	FS      platform.FS
	Console platform.Console
	Pool    platform.UserPool
	Proc    proc.Deps
	// Halt is invoked by the halt syscall; nil is a no-op, letting tests
	// exercise halt without a real shutdown hook installed.
	Halt func()
}

// Dispatch runs the syscall numbered id with the given arguments and
// returns its result register value. An unrecognised id returns -1,
// matching the original's fallback branch.
func (d Deps) Dispatch(id uintptr, args Args) int64 {
	switch id {
	case Halt:
		return d.halt()
	case Exit:
		return d.exit(int64(args[0]))
	case Exec:
		return d.exec(args)
	case Wait:
		return d.wait(int64(args[0]))
	case Open:
		return d.open(args[0], args[1])
	case Close:
		return d.close(args[0])
	case Read:
		return d.read(args[0], args[1], args[2])
	case Write:
		return d.write(args[0], args[1], args[2])
	case Remove:
		return d.remove(args[0])
	case Seek:
		return d.seek(args[0], args[1])
	case Tell:
		return d.tell(args[0])
	case Fstat:
		return d.fstat(args[0], args[1])
	default:
		klog.Warningf("[SYSCALL] unrecognised syscall number %d", id)
		return -1
	}
}

// halt stands in for the original's shutdown trap: there is no machine to
// power off here, so it just runs the installed hook (if any) and
// returns, rather than diverging.
func (d Deps) halt() int64 {
	klog.Infof("[SYSCALL] halt")
	if d.Halt != nil {
		d.Halt()
	}
	return 0
}

func (d Deps) exit(code int64) int64 {
	proc.Exit(code)
	return 0
}

// exec walks a NULL-terminated argv pointer array out of the calling
// thread's address space before handing the named file and its argv to
// the process loader.
func (d Deps) exec(args Args) int64 {
	mem := d.memory()

	name, ok := mem.ReadString(args[0])
	if !ok {
		return -1
	}

	var argv []string
	for ptr := args[1]; ; ptr += 8 {
		argPtr, ok := mem.ReadWord(ptr)
		if !ok {
			return -1
		}
		if argPtr == 0 {
			break
		}
		s, ok := mem.ReadString(argPtr)
		if !ok {
			return -1
		}
		argv = append(argv, s)
	}

	if !d.FS.Exists(name) {
		return -1
	}
	file, err := d.FS.Open(name)
	if err != nil {
		return -1
	}

	tid, err := d.Proc.Execute(file, argv)
	if err != nil {
		return -1
	}
	return tid
}

func (d Deps) wait(tid int64) int64 {
	code, ok := proc.Wait(tid)
	if !ok {
		return -1
	}
	return code
}
