// Package fakeplatform is an in-memory implementation of every interface in
// internal/platform. It backs the package tests and the cmd/kernelsim demo;
// no production boot path uses it. Nothing here claims to be a real Sv39
// page table or a real disk — it exists so the core can be exercised
// without an actual hart or block device underneath it.
package fakeplatform

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/PlanarG/OS/internal/platform"
)

// Timer is a manually-advanced fake SBI timer: production code ticks off a
// real hart timer interrupt, tests call Advance directly.
type Timer struct {
	ticks atomic.Int64
}

func NewTimer() *Timer { return &Timer{} }

func (t *Timer) Ticks() int64 { return t.ticks.Load() }

// Advance moves the timer forward by n ticks and returns the new value.
func (t *Timer) Advance(n int64) int64 { return t.ticks.Add(n) }

// pte is a single fake page-table entry.
type pte struct {
	pa       uintptr
	flags    platform.PTEFlags
	accessed bool
	dirty    bool
	valid    bool
}

func (p *pte) Valid() bool        { return p.valid }
func (p *pte) User() bool         { return p.flags.Has(platform.PTEUser) }
func (p *pte) Accessed() bool     { return p.accessed }
func (p *pte) Dirty() bool        { return p.dirty }
func (p *pte) ClearAccessed()     { p.accessed = false }
func (p *pte) ClearValid()        { p.valid = false }
func (p *pte) PhysAddr() uintptr  { return p.pa }

// PageTable is a flat map-backed address space: real Sv39 tables walk three
// levels of 512-entry pages, but callers of internal/platform.PageTable
// only ever address it by virtual page number, so a map serves identically
// for every invariant the core cares about.
type PageTable struct {
	mu      sync.Mutex
	entries map[uintptr]*pte
	active  bool
}

func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[uintptr]*pte)}
}

func (t *PageTable) Map(pa uintptr, va uintptr, size int, flags platform.PTEFlags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for off := 0; off < size; off += platform.PageSize {
		t.entries[va+uintptr(off)] = &pte{
			pa:       pa + uintptr(off),
			flags:    flags,
			valid:    true,
			accessed: false,
			dirty:    false,
		}
	}
}

func (t *PageTable) GetPTE(va uintptr) (platform.PTE, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	page := platform.PageAlignDown(va)
	e, ok := t.entries[page]
	if !ok {
		return nil, false
	}
	return e, true
}

func (t *PageTable) Activate() { t.active = true }

func (t *PageTable) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.active = false
}

// Clone copies this table's current entries into a fresh table. Real
// kernel-table clones only copy the shared L2 (kernel) entries; this flat
// map has no level structure to distinguish them, so every entry present
// on the prototype (expected to be the kernel's own table, carrying only
// kernel mappings) is copied.
func (t *PageTable) Clone() platform.PageTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := NewPageTable()
	for va, e := range t.entries {
		copied := *e
		clone.entries[va] = &copied
	}
	return clone
}

// Touch marks a mapped page accessed (and, if write is true, dirty),
// simulating what the MMU would do on a real access. Tests use this to
// drive the clock algorithm without a real hart generating the traffic.
func (t *PageTable) Touch(va uintptr, write bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[platform.PageAlignDown(va)]; ok {
		e.accessed = true
		if write {
			e.dirty = true
		}
	}
}

// UserPool is a flat byte arena standing in for the kernel's physical user
// pool. Allocation is first-fit over a free bitmap, which is all the
// frame table (internal/mem) ever requires of it.
type UserPool struct {
	mu    sync.Mutex
	base  uintptr
	free  []bool // true == free
	pages int
	bytes []byte
}

// NewUserPool creates a pool of n pages, addressed starting at base (an
// arbitrary but stable fake kernel address).
func NewUserPool(base uintptr, n int) *UserPool {
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &UserPool{base: base, free: free, pages: n, bytes: make([]byte, n*platform.PageSize)}
}

func (p *UserPool) AllocPages(n int) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run := 0
	start := -1
	for i, f := range p.free {
		if f {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					p.free[j] = false
				}
				return p.base + uintptr(start*platform.PageSize), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (p *UserPool) DeallocPages(kernelAddr uintptr, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := int((kernelAddr - p.base) / platform.PageSize)
	for j := start; j < start+n; j++ {
		p.free[j] = true
	}
}

func (p *UserPool) Lowest() uintptr { return p.base }
func (p *UserPool) Limit() int      { return p.pages }

// At returns the backing page for kernelAddr, which must be a page-aligned
// address previously handed back by AllocPages.
func (p *UserPool) At(kernelAddr uintptr) []byte {
	index := int((kernelAddr - p.base) / platform.PageSize)
	start := index * platform.PageSize
	return p.bytes[start : start+platform.PageSize]
}

// pageFile is a single in-memory swap slot.
type pageFile struct {
	ino  uint64
	data []byte
}

func (f *pageFile) Ino() uint64 { return f.ino }

func (f *pageFile) Read(buf []byte) (int, error) {
	n := copy(buf, f.data)
	return n, nil
}

func (f *pageFile) Write(buf []byte) (int, error) {
	if len(f.data) != len(buf) {
		f.data = make([]byte, len(buf))
	}
	copy(f.data, buf)
	return len(buf), nil
}

// PageStore is the in-memory backing store for swapped-out pages.
type PageStore struct {
	mu   sync.Mutex
	next uint64
	rows map[uint64]*pageFile
}

func NewPageStore() *PageStore {
	return &PageStore{rows: make(map[uint64]*pageFile)}
}

func (s *PageStore) AllocPage() (platform.PageFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ino := s.next
	s.next++
	f := &pageFile{ino: ino, data: make([]byte, platform.PageSize)}
	s.rows[ino] = f
	return f, nil
}

func (s *PageStore) FromLocation(ino uint64) (platform.PageFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.rows[ino]
	if !ok {
		return nil, platform.ErrNoSuchFile
	}
	return f, nil
}

func (s *PageStore) FreeLocation(ino uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, ino)
}

// file is a named on-disk file, held as a single growable byte slice with
// an independent cursor per open handle.
type file struct {
	mu        *sync.Mutex
	data      *[]byte
	ino       uint64
	pos       int64
	writeDeny *int // shared with every other handle on the same entry
}

func (f *file) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= int64(len(*f.data)) {
		return 0, io.EOF
	}
	n := copy(buf, (*f.data)[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *file) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *f.writeDeny > 0 {
		return 0, platform.ErrIO
	}
	end := f.pos + int64(len(buf))
	if end > int64(len(*f.data)) {
		grown := make([]byte, end)
		copy(grown, *f.data)
		*f.data = grown
	}
	copy((*f.data)[f.pos:end], buf)
	f.pos = end
	return len(buf), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(*f.data)) + offset
	}
	return f.pos, nil
}

func (f *file) Tell() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

func (f *file) Len() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(*f.data)), nil
}

func (f *file) Ino() uint64 { return f.ino }

func (f *file) DenyWrite() { *f.writeDeny++ }
func (f *file) AllowWrite() {
	if *f.writeDeny > 0 {
		*f.writeDeny--
	}
}

// FS is a flat in-memory named-file store, one entry per path.
type FS struct {
	mu      sync.Mutex
	nextIno uint64
	entries map[string]*fsEntry
}

type fsEntry struct {
	mu        sync.Mutex
	ino       uint64
	data      []byte
	writeDeny int
}

func NewFS() *FS {
	return &FS{entries: make(map[string]*fsEntry)}
}

func (fs *FS) Exists(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.entries[name]
	return ok
}

func (fs *FS) Create(name string) (platform.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[name]; ok {
		return nil, platform.ErrIO
	}
	ino := fs.nextIno
	fs.nextIno++
	e := &fsEntry{ino: ino}
	fs.entries[name] = e
	return &file{mu: &e.mu, data: &e.data, ino: e.ino, writeDeny: &e.writeDeny}, nil
}

func (fs *FS) Open(name string) (platform.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.entries[name]
	if !ok {
		return nil, platform.ErrNoSuchFile
	}
	return &file{mu: &e.mu, data: &e.data, ino: e.ino, writeDeny: &e.writeDeny}, nil
}

func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.entries[name]; !ok {
		return platform.ErrNoSuchFile
	}
	delete(fs.entries, name)
	return nil
}

func (fs *FS) Close(f platform.File) {}

// Console is an in-memory console: Print appends to an internal buffer,
// GetChar drains a pre-seeded input queue (fed via Feed, for tests).
type Console struct {
	mu     sync.Mutex
	out    []byte
	in     []byte
	inHead int
}

func NewConsole() *Console { return &Console{} }

func (c *Console) Print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, s...)
}

func (c *Console) GetChar() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inHead >= len(c.in) {
		return 0
	}
	ch := c.in[c.inHead]
	c.inHead++
	return ch
}

// Feed appends input bytes for future GetChar calls to consume.
func (c *Console) Feed(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, s...)
}

// Output returns everything printed so far.
func (c *Console) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.out)
}
