package syscalls

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/mem"
	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/platform/fakeplatform"
	"github.com/PlanarG/OS/internal/proc"
	"github.com/stretchr/testify/require"
)

// buildTestELF assembles a minimal single-segment ELF64 executable, the
// same shape internal/proc's own loader tests use.
func buildTestELF(vaddr uint64, code []byte, entryOffset uint64) []byte {
	const ehsize = 64
	const phsize = 56

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(2))         // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243))       // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))         // e_version
	binary.Write(&buf, binary.LittleEndian, vaddr+entryOffset) // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))    // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))         // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))         // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))    // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))    // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))         // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))         // e_shstrndx

	filesz := uint64(ehsize+phsize) + uint64(len(code))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5)) // p_flags = R|X
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)     // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)     // p_paddr
	binary.Write(&buf, binary.LittleEndian, filesz)    // p_filesz
	binary.Write(&buf, binary.LittleEndian, filesz)    // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(platform.PageSize)) // p_align

	buf.Write(code)
	return buf.Bytes()
}

const userBase = 0x4000_0000

// testCtx bundles a dispatcher and a one-page mapped user address space,
// with helpers to seed it with strings/bytes before a syscall runs against
// it and read it back afterward.
type testCtx struct {
	d    Deps
	pt   *fakeplatform.PageTable
	pool *fakeplatform.UserPool
	base uintptr
}

func newTestCtx(t *testing.T) *testCtx {
	t.Helper()
	kthread.ResetForTesting()

	pool := fakeplatform.NewUserPool(0xc000_0000, 4)
	pt := fakeplatform.NewPageTable()
	kernelAddr, ok := pool.AllocPages(1)
	require.True(t, ok)
	pt.Map(kernelAddr, userBase, platform.PageSize, platform.PTEValid|platform.PTEUser|platform.PTERead|platform.PTEWrite)

	return &testCtx{
		d: Deps{
			FS:      fakeplatform.NewFS(),
			Console: fakeplatform.NewConsole(),
			Pool:    pool,
			Proc: proc.Deps{
				Frames:          mem.NewFrameTable(pool),
				Pool:            pool,
				KernelPageTable: fakeplatform.NewPageTable(),
			},
		},
		pt:   pt,
		pool: pool,
		base: userBase,
	}
}

func (c *testCtx) putString(t *testing.T, off uintptr, s string) uintptr {
	t.Helper()
	page := c.pool.At(c.base)
	copy(page[off:], s)
	page[off+uintptr(len(s))] = 0
	return c.base + off
}

func (c *testCtx) putBytes(t *testing.T, off uintptr, data []byte) uintptr {
	t.Helper()
	page := c.pool.At(c.base)
	copy(page[off:], data)
	return c.base + off
}

func (c *testCtx) readBytes(off uintptr, n int) []byte {
	page := c.pool.At(c.base)
	return page[off : off+uintptr(n)]
}

func (c *testCtx) putWord(t *testing.T, off uintptr, v uint64) {
	t.Helper()
	page := c.pool.At(c.base)
	binary.LittleEndian.PutUint64(page[off:off+8], v)
}

// run spawns a thread carrying c's page table at a priority that
// outranks the current thread, so the syscall runs and the spawned thread
// exits entirely inside Spawn, before run returns.
func (c *testCtx) run(fn func()) {
	kthread.NewBuilder(fn).
		Name("syscall-test").
		PageTable(c.pt).
		Priority(kthread.PriDefault + 1).
		Spawn()
}

func TestOpenAllocatesFdsMaxPlusOneNotGapReuse(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "a.txt")
	namePtr2 := c.putString(t, 64, "b.txt")
	namePtr3 := c.putString(t, 128, "c.txt")

	// The descriptor table belongs to the calling thread, so every call
	// runs inside one spawned thread.
	var fd1, fd2, fd3, closeResult int64
	c.run(func() {
		fd1 = c.d.Dispatch(Open, Args{namePtr, OCREATE | OWRONLY})
		fd2 = c.d.Dispatch(Open, Args{namePtr2, OCREATE | OWRONLY})
		closeResult = c.d.Dispatch(Close, Args{uintptr(fd1)})
		fd3 = c.d.Dispatch(Open, Args{namePtr3, OCREATE | OWRONLY})
	})
	require.EqualValues(t, 3, fd1)
	require.EqualValues(t, 4, fd2)
	require.Zero(t, closeResult)
	require.EqualValues(t, 5, fd3, "closing fd 3 must not let a later open reuse it")
}

func TestOpenRejectsWronlyAndRdwrTogether(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "x.txt")

	var result int64
	c.run(func() {
		result = c.d.Dispatch(Open, Args{namePtr, OWRONLY | ORDWR | OCREATE})
	})
	require.EqualValues(t, -1, result)
}

func TestOpenOfMissingFileWithoutCreateFails(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "missing.txt")

	var result int64
	c.run(func() {
		result = c.d.Dispatch(Open, Args{namePtr, ORDONLY})
	})
	require.EqualValues(t, -1, result)
}

func TestWriteThenReadRoundTripsThroughARegularFile(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "data.bin")
	payload := c.putBytes(t, 64, []byte("hello kernel"))

	var fd int64
	c.run(func() {
		fd = c.d.Dispatch(Open, Args{namePtr, OCREATE | OWRONLY})
		n := c.d.Dispatch(Write, Args{uintptr(fd), payload, 12})
		require.EqualValues(t, 12, n)
		c.d.Dispatch(Close, Args{uintptr(fd)})
	})

	namePtr2 := c.putString(t, 200, "data.bin")
	readBuf := c.base + 300
	var readFd, n int64
	c.run(func() {
		readFd = c.d.Dispatch(Open, Args{namePtr2, ORDONLY})
		n = c.d.Dispatch(Read, Args{uintptr(readFd), readBuf, 12})
	})
	require.EqualValues(t, 12, n)
	require.Equal(t, "hello kernel", string(c.readBytes(300, 12)))
}

func TestReadRejectsAWriteOnlyDescriptor(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "w.txt")
	buf := c.base + 64

	var fd, n int64
	c.run(func() {
		fd = c.d.Dispatch(Open, Args{namePtr, OCREATE | OWRONLY})
		n = c.d.Dispatch(Read, Args{uintptr(fd), buf, 4})
	})
	require.EqualValues(t, -1, n)
}

func TestWriteToStdoutPrintsToConsoleAndTruncatesAtSize(t *testing.T) {
	c := newTestCtx(t)
	console := c.d.Console.(*fakeplatform.Console)
	msgPtr := c.putString(t, 0, "greetings")

	var n int64
	c.run(func() {
		n = c.d.Dispatch(Write, Args{FDStdout, msgPtr, 5})
	})
	require.EqualValues(t, 5, n)
	require.Equal(t, "greet", console.Output())
}

func TestReadFromStdinPullsCharactersFromTheConsole(t *testing.T) {
	c := newTestCtx(t)
	console := c.d.Console.(*fakeplatform.Console)
	console.Feed("hi")
	buf := c.base + 64

	var n int64
	c.run(func() {
		n = c.d.Dispatch(Read, Args{FDStdin, buf, 2})
	})
	require.EqualValues(t, 2, n)
	require.Equal(t, "hi", string(c.readBytes(64, 2)))
}

func TestCloseOnReservedDescriptorsIsANoop(t *testing.T) {
	c := newTestCtx(t)
	var results [3]int64
	c.run(func() {
		results[0] = c.d.Dispatch(Close, Args{FDStdin})
		results[1] = c.d.Dispatch(Close, Args{FDStdout})
		results[2] = c.d.Dispatch(Close, Args{FDStderr})
	})
	require.Equal(t, [3]int64{0, 0, 0}, results)
}

func TestCloseOfAnUnopenedDescriptorFails(t *testing.T) {
	c := newTestCtx(t)
	var result int64
	c.run(func() {
		result = c.d.Dispatch(Close, Args{42})
	})
	require.EqualValues(t, -1, result)
}

func TestRemoveDeletesTheNamedFile(t *testing.T) {
	c := newTestCtx(t)
	_, err := c.d.FS.Create("gone.txt")
	require.NoError(t, err)
	namePtr := c.putString(t, 0, "gone.txt")

	var result int64
	c.run(func() {
		result = c.d.Dispatch(Remove, Args{namePtr})
	})
	require.Zero(t, result)
	require.False(t, c.d.FS.Exists("gone.txt"))
}

func TestSeekMovesTheCursorAndTellReportsIt(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "s.bin")
	payload := c.putBytes(t, 64, []byte("0123456789"))

	var fd, seekResult, tellResult int64
	c.run(func() {
		fd = c.d.Dispatch(Open, Args{namePtr, OCREATE | OWRONLY})
		c.d.Dispatch(Write, Args{uintptr(fd), payload, 10})
		seekResult = c.d.Dispatch(Seek, Args{uintptr(fd), 4})
		tellResult = c.d.Dispatch(Tell, Args{uintptr(fd)})
	})
	require.EqualValues(t, 4, seekResult)
	require.EqualValues(t, 4, tellResult)
}

func TestFstatReportsInoAndLength(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "stat.bin")
	payload := c.putBytes(t, 64, []byte("abcde"))
	statPtr := c.base + 128

	var fd, result int64
	c.run(func() {
		fd = c.d.Dispatch(Open, Args{namePtr, OCREATE | OWRONLY})
		c.d.Dispatch(Write, Args{uintptr(fd), payload, 5})
		result = c.d.Dispatch(Fstat, Args{uintptr(fd), statPtr})
	})
	require.Zero(t, result)

	page := c.pool.At(c.base)
	ino := binary.LittleEndian.Uint64(page[128:136])
	length := binary.LittleEndian.Uint64(page[136:144])
	require.EqualValues(t, 0, ino)
	require.EqualValues(t, 5, length)
}

func TestHaltInvokesTheInstalledHook(t *testing.T) {
	c := newTestCtx(t)
	called := false
	c.d.Halt = func() { called = true }

	var result int64
	c.run(func() {
		result = c.d.Dispatch(Halt, Args{})
	})
	require.Zero(t, result)
	require.True(t, called)
}

func TestExitEndsTheCallingThread(t *testing.T) {
	c := newTestCtx(t)

	var tid int64
	spawned := kthread.NewBuilder(func() {
		tid = kthread.Current().ID()
		c.d.Dispatch(Exit, Args{9})
	}).
		Name("exiting-thread").
		PageTable(c.pt).
		Priority(kthread.PriDefault + 1).
		Spawn()

	require.Nil(t, kthread.GetManager().GetByID(spawned.ID()))
	require.Equal(t, spawned.ID(), tid)
}

func TestExecLoadsABinaryAndRegistersItsThread(t *testing.T) {
	c := newTestCtx(t)

	const vaddr = 0x1_0000
	elfBytes := buildTestELF(vaddr, []byte{0x13, 0x00, 0x00, 0x00}, 0)
	_, err := c.d.FS.Create("prog")
	require.NoError(t, err)
	bin, err := c.d.FS.Open("prog")
	require.NoError(t, err)
	_, err = bin.Write(elfBytes)
	require.NoError(t, err)

	namePtr := c.putString(t, 0, "prog")
	arg0 := c.putString(t, 64, "prog")
	c.putWord(t, 128, uint64(arg0))
	c.putWord(t, 136, 0) // NULL terminator

	var tid int64
	c.run(func() {
		tid = c.d.Dispatch(Exec, Args{namePtr, c.base + 128})
	})
	require.Greater(t, tid, int64(0))
	require.NotNil(t, kthread.GetManager().GetByID(tid), "exec must leave the new process's thread registered")
}

func TestExecOfAMissingFileFails(t *testing.T) {
	c := newTestCtx(t)
	namePtr := c.putString(t, 0, "nope")
	c.putWord(t, 128, 0)

	var result int64
	c.run(func() {
		result = c.d.Dispatch(Exec, Args{namePtr, c.base + 128})
	})
	require.EqualValues(t, -1, result)
}
