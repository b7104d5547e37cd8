package mem

import (
	"sync"

	"github.com/PlanarG/OS/internal/platform"
)

// supplementKey identifies one virtual page belonging to one thread: the
// supplemental table is keyed by (thread, page), not by page alone, since
// every user process has its own address space.
type supplementKey struct {
	thread int64
	ptr    uintptr
}

// SupplementInfo records where a not-currently-resident page actually
// lives.
type SupplementInfo struct {
	Swap     bool
	Location uint64
}

// SupplementTable holds per-(thread, virtual page) metadata for pages the
// frame table does not currently have resident — the bookkeeping a page
// fault consults before deciding whether a page can be demand-paged back
// in or must be treated as a genuine fault.
type SupplementTable struct {
	mu    sync.Mutex
	table map[supplementKey]SupplementInfo
}

// NewSupplementTable creates an empty supplement table.
func NewSupplementTable() *SupplementTable {
	return &SupplementTable{table: make(map[supplementKey]SupplementInfo)}
}

// Put records info for threadID's page at ptr. ptr must be page-aligned;
// the original's equivalent check used a bitwise AND against PG_SIZE,
// which is wrong for any non-power-of-two-aligned ptr — this uses modulo,
// matching every other page-alignment assertion in the codebase.
func (st *SupplementTable) Put(threadID int64, ptr uintptr, info SupplementInfo) {
	if ptr%platform.PageSize != 0 {
		panic("mem: SupplementTable.Put ptr not page-aligned")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.table[supplementKey{thread: threadID, ptr: ptr}] = info
}

// Get looks up a thread's supplemental info for ptr.
func (st *SupplementTable) Get(threadID int64, ptr uintptr) (SupplementInfo, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	info, ok := st.table[supplementKey{thread: threadID, ptr: ptr}]
	return info, ok
}

// Remove deletes a thread's supplemental entry for ptr, e.g. once the page
// has been paged back in.
func (st *SupplementTable) Remove(threadID int64, ptr uintptr) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.table, supplementKey{thread: threadID, ptr: ptr})
}
