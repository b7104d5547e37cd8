package proc

import (
	"encoding/binary"

	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/trap"
)

// alignPtrFloor rounds ptr down to an 8-byte boundary, matching the
// original's align_ptr_floor (ptr >> 3 << 3).
func alignPtrFloor(ptr uintptr) uintptr { return ptr &^ 7 }

// buildFrame writes argv onto the freshly-mapped user stack page (working
// down from stackTop, the kernel-side address of the page's exclusive top)
// and returns the trap frame a process starts with: entry point in sepc,
// argc in x[10], the (translated, user-virtual) argv pointer in both
// x[2] and x[11].
//
// The layout, high to low, exactly mirrors the original's execute(): each
// argv string followed by its NUL, then the pointer array (low to high:
// argv[0]..argv[n-1], NULL), each pointer translated from the kernel
// scratch address it was written at into the user virtual address it will
// actually live at once this page is mapped into the process's own
// address space.
func buildFrame(d Deps, info execInfo, stackTop uintptr, argv []string) *trap.Frame {
	stackPageBegin := stackTop - platform.PageSize
	page := d.Pool.At(stackPageBegin)

	putByte := func(addr uintptr, b byte) { page[addr-stackPageBegin] = b }
	putWord := func(addr uintptr, v uint64) {
		off := addr - stackPageBegin
		binary.LittleEndian.PutUint64(page[off:off+8], v)
	}
	toUser := func(kernelAddr uintptr) uintptr {
		return info.initSP - (stackTop - kernelAddr)
	}

	currentP := stackTop
	argAddrs := make([]uintptr, 0, len(argv))

	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i]
		putByte(currentP-1, 0)
		currentP -= uintptr(len(s)) + 1
		copy(page[currentP-stackPageBegin:], s)
		argAddrs = append(argAddrs, currentP)
	}

	currentP = alignPtrFloor(currentP - 1)
	currentP = alignPtrFloor(currentP - 1)
	putWord(currentP, 0) // NULL terminator of the argv pointer array

	for _, addr := range argAddrs {
		currentP = alignPtrFloor(currentP - 1)
		putWord(currentP, uint64(toUser(addr)))
	}

	frame := &trap.Frame{SEPC: info.entryPoint, Privilege: trap.PrivilegeUser}
	frame.X[2] = info.initSP - (stackTop - currentP)
	frame.X[10] = uintptr(len(argv))
	frame.X[11] = frame.X[2]

	return frame
}
