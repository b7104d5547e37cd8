package proc

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/PlanarG/OS/internal/platform"
)

// initialUserSP is the fixed top-of-stack virtual address every user
// process starts with: one page, growing down from here on a stack-growth
// page fault (internal/trap.Deps.Handle).
const initialUserSP = 0x8050_0000

// execInfo is what loading an executable determines about how it must
// start running.
type execInfo struct {
	entryPoint uintptr
	initSP     uintptr
}

// loadExecutable parses file as an ELF64 binary, maps its LOAD segments
// and initial stack page into pt (attributing every allocated frame to
// threadID), and denies further writes to file for as long as the process
// that will use pt is alive.
func loadExecutable(d Deps, file platform.File, pt platform.PageTable, threadID int64) (execInfo, uintptr, error) {
	info, err := loadELF(d, file, pt, threadID)
	if err != nil {
		return execInfo{}, 0, err
	}
	stackTop := initUserStack(d, pt, info.initSP, threadID)
	file.DenyWrite()
	return info, stackTop, nil
}

func loadELF(d Deps, file platform.File, pt platform.PageTable, threadID int64) (execInfo, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return execInfo{}, platform.ErrIO
	}
	size, err := file.Len()
	if err != nil {
		return execInfo{}, platform.ErrIO
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(file, buf); err != nil {
		return execInfo{}, platform.ErrIO
	}

	ef, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil || ef.Class != elf.ELFCLASS64 {
		return execInfo{}, platform.ErrUnknownFormat
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loadSegment(d, buf, prog, pt, threadID)
	}

	return execInfo{entryPoint: uintptr(ef.Entry), initSP: initialUserSP}, nil
}

// loadSegment allocates and maps the pages backing one PT_LOAD program
// header, copying its file-backed bytes in and leaving the remainder
// (memsz beyond filesz, i.e. .bss) zeroed, per the original's
// load_segment.
func loadSegment(d Deps, filebuf []byte, phdr *elf.Prog, pt platform.PageTable, threadID int64) {
	fileoff := uintptr(phdr.Off)
	readpos := fileoff &^ platform.PageMask

	leafFlags := platform.PTEValid | platform.PTEUser | platform.PTERead
	if phdr.Flags&elf.PF_X != 0 {
		leafFlags |= platform.PTEExec
	}
	if phdr.Flags&elf.PF_W != 0 {
		leafFlags |= platform.PTEWrite
	}

	ubase := uintptr(phdr.Vaddr) &^ platform.PageMask
	pageoff := uintptr(phdr.Vaddr) & platform.PageMask
	if fileoff&platform.PageMask != pageoff {
		panic("proc: segment file offset and vaddr disagree on page offset")
	}

	pages := int(platform.DivRoundUp(pageoff+uintptr(phdr.Memsz), platform.PageSize))
	readbytes := int(phdr.Filesz) + int(pageoff)

	for p := 0; p < pages; p++ {
		readsz := readbytes
		if readsz > platform.PageSize {
			readsz = platform.PageSize
		}
		uaddr := ubase + uintptr(p)*platform.PageSize

		pa := d.Frames.AllocPage(threadID, uaddr, true)
		page := d.Pool.At(pa)
		copy(page[:readsz], filebuf[readpos:readpos+uintptr(readsz)])
		pt.Map(pa, uaddr, platform.PageSize, leafFlags)

		readbytes -= readsz
		readpos += uintptr(readsz)
	}

	if readbytes != 0 {
		panic("proc: segment load did not consume exactly filesz bytes")
	}
}

// initUserStack allocates the one page backing the user stack at its
// fixed top-of-stack address and returns the kernel (physical) address of
// the top of that page, matching the original's init_user_stack — the
// caller needs this kernel-side top to write argv into before the process
// ever runs.
func initUserStack(d Deps, pt platform.PageTable, initSP uintptr, threadID int64) uintptr {
	if initSP%platform.PageSize != 0 {
		panic("proc: initial sp address misaligns")
	}
	stackPageBegin := platform.PageAlignDown(initSP - 1)
	flags := platform.PTEValid | platform.PTERead | platform.PTEWrite | platform.PTEUser

	pa := d.Frames.AllocPage(threadID, stackPageBegin, true)
	pt.Map(pa, stackPageBegin, platform.PageSize, flags)

	return pa + platform.PageSize
}
