package mem

import (
	"fmt"
	"sync"

	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/platform"
)

// SwapTable maps (thread, user virtual page address) to the on-disk "page inode"
// a page was written to when it was evicted, so it can be found again on
// demand-page-in.
type SwapTable struct {
	mu    sync.Mutex
	store platform.PageStore
	table map[supplementKey]uint64
}

// NewSwapTable creates a swap table backed by store.
func NewSwapTable(store platform.PageStore) *SwapTable {
	return &SwapTable{store: store, table: make(map[supplementKey]uint64)}
}

// StorePage writes the PAGE_SIZE bytes at data to a fresh swap slot and
// records it against (threadID, ptr), returning the slot's inode.
func (st *SwapTable) StorePage(threadID int64, ptr uintptr, data []byte) (uint64, error) {
	if ptr%platform.PageSize != 0 {
		panic("mem: SwapTable.StorePage ptr not page-aligned")
	}
	if len(data) != platform.PageSize {
		panic("mem: SwapTable.StorePage requires exactly one page of data")
	}

	g := intr.Disable()
	defer g.Restore()

	file, err := st.store.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("mem: allocating swap slot: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return 0, fmt.Errorf("mem: writing swap slot: %w", err)
	}

	st.mu.Lock()
	st.table[supplementKey{thread: threadID, ptr: ptr}] = file.Ino()
	st.mu.Unlock()

	return file.Ino(), nil
}

// LoadPage reads the page previously stored for (threadID, ptr) into buf
// (which must be exactly one page long), frees the swap slot, and removes
// the bookkeeping entry.
func (st *SwapTable) LoadPage(threadID int64, ptr uintptr, buf []byte) error {
	if ptr%platform.PageSize != 0 {
		panic("mem: SwapTable.LoadPage ptr not page-aligned")
	}
	if len(buf) != platform.PageSize {
		panic("mem: SwapTable.LoadPage requires a one-page buffer")
	}

	g := intr.Disable()
	defer g.Restore()

	key := supplementKey{thread: threadID, ptr: ptr}
	st.mu.Lock()
	ino, ok := st.table[key]
	if ok {
		delete(st.table, key)
	}
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("mem: no swap entry for thread %d at %#x", threadID, ptr)
	}

	file, err := st.store.FromLocation(ino)
	if err != nil {
		return fmt.Errorf("mem: locating swap slot %d: %w", ino, err)
	}
	n, err := file.Read(buf)
	if err != nil {
		return fmt.Errorf("mem: reading swap slot %d: %w", ino, err)
	}
	if n != platform.PageSize {
		return fmt.Errorf("mem: short read from swap slot %d: got %d bytes", ino, n)
	}
	st.store.FreeLocation(ino)
	return nil
}

// DemandPage would move an evicted, still-referenced page back into a
// physical frame on next access. The original leaves this unimplemented
// (a bare `todo!()`); this keeps the same shape so callers along the page-
// fault path can already be wired up against it.
func DemandPage(ptr uintptr) error {
	if ptr%platform.PageSize != 0 {
		panic("mem: DemandPage ptr not page-aligned")
	}
	return platform.ErrNotImplemented
}
