// Command kernelsim boots the kernel core against the in-memory fake
// platform and carries one process through enough of its lifecycle to
// exercise every layer: a named executable is created on a fake file
// system, loaded into a fresh address space by internal/proc, and its
// initial trap frame inspected; a second thread sharing that address
// space then issues a real write syscall against the argv the loader
// built, so the console banner goes through the same dispatcher real
// user code would call through a trap.
//
// There is no hart and no trap-vector assembly behind this: the loaded
// process's own thread parks immediately after its frame is built (see
// internal/proc's package doc), so nothing here "runs" RISC-V code.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/joeycumines/logiface"

	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/mem"
	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/platform/fakeplatform"
	"github.com/PlanarG/OS/internal/proc"
	"github.com/PlanarG/OS/internal/syscalls"
)

func main() {
	level := flag.String("level", "info", "console log level: debug, info, warning, error")
	flag.Parse()

	klog.SetDefault(klog.New(os.Stderr, parseLevel(*level)))

	fs := fakeplatform.NewFS()
	console := fakeplatform.NewConsole()
	pool := fakeplatform.NewUserPool(0xc000_0000, 64)
	kernelPT := fakeplatform.NewPageTable()
	frames := mem.NewFrameTable(pool)
	frames.SetSwap(mem.NewSwapTable(fakeplatform.NewPageStore()), mem.NewSupplementTable())
	kthread.GetManager().SetKernelPageTable(kernelPT)
	kthread.GetManager().SetExitHook(func(t *kthread.Thread) {
		if t.PageTable != nil {
			frames.FreeThread(t.ID())
		}
	})

	procDeps := proc.Deps{Frames: frames, Pool: pool, KernelPageTable: kernelPT}
	sys := syscalls.Deps{
		FS:      fs,
		Console: console,
		Pool:    pool,
		Proc:    procDeps,
		Halt:    func() { klog.Infof("[BOOT] halt requested, demo complete") },
	}

	bin, err := fs.Create("init")
	if err != nil {
		fail("create init", err)
	}
	if _, err := bin.Write(sampleELF()); err != nil {
		fail("write init", err)
	}

	argv := []string{"init", "hello", "kernel"}
	tid, err := procDeps.Execute(bin, argv)
	if err != nil {
		fail("execute init", err)
	}

	th := kthread.GetManager().GetByID(tid)
	up := th.Proc.(*proc.UserProc)
	frame := up.Frame()
	klog.Infof("[BOOT] init process tid=%d entry=%#x argc=%d sp=%#x",
		tid, frame.SEPC, frame.X[10], frame.X[2])

	userMem := syscalls.Memory{Table: th.PageTable, Pool: pool}
	argv0Ptr, ok := userMem.ReadWord(frame.X[11])
	if !ok {
		fail("read argv[0] pointer", platform.ErrBadPointer)
	}

	// A second thread sharing init's address space stands in for the
	// kernel servicing a syscall trap from it: nothing schedules the
	// parked init thread itself back in, so this is the only way to
	// drive the dispatcher against memory the loader actually built.
	kthread.NewBuilder(func() {
		n := sys.Dispatch(syscalls.Write, syscalls.Args{syscalls.FDStdout, argv0Ptr, uintptr(len(argv[0]))})
		klog.Infof("[BOOT] wrote %d bytes of argv[0] to stdout", n)
	}).
		Name("boot-banner").
		PageTable(th.PageTable).
		Priority(kthread.PriMax).
		Spawn()

	fmt.Fprintf(os.Stdout, "console output: %q\n", console.Output())

	sys.Dispatch(syscalls.Halt, syscalls.Args{})
}

func fail(step string, err error) {
	klog.Errorf("[BOOT] %s: %v", step, err)
	os.Exit(1)
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "debug":
		return logiface.LevelDebug
	case "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInfo
	}
}

// sampleELF assembles the smallest executable the loader will accept: one
// PT_LOAD segment holding a single RISC-V `addi x0, x0, 0` (nop) at its
// entry point. Real binaries are link-editor output; this is enough to
// exercise segment mapping and the initial trap frame without one.
func sampleELF() []byte {
	const vaddr = 0x1_0000
	const ehsize = 64
	const phsize = 56
	code := []byte{0x13, 0x00, 0x00, 0x00}

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243))    // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))      // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr+ehsize+phsize)) // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize)) // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phsize)) // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))      // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shstrndx

	filesz := uint64(ehsize+phsize) + uint64(len(code))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5)) // p_flags = R|X
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // p_offset
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
	binary.Write(&buf, binary.LittleEndian, uint64(vaddr))
	binary.Write(&buf, binary.LittleEndian, filesz)
	binary.Write(&buf, binary.LittleEndian, filesz)
	binary.Write(&buf, binary.LittleEndian, uint64(platform.PageSize))

	buf.Write(code)
	return buf.Bytes()
}
