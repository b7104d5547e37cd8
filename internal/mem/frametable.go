// Package mem implements the kernel's physical-memory bookkeeping: the
// frame table (one entry per user-pool frame, driving clock-algorithm
// eviction), the supplemental page table (per-thread virtual-address
// metadata for pages not currently resident), and the swap table (the
// on-disk backing store for evicted pages).
package mem

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/kthread"
	"github.com/PlanarG/OS/internal/platform"
)

// FrameInfo describes one physical frame of the user pool.
type FrameInfo struct {
	ThreadID int64
	VAddr    uintptr
	Swap     bool
	Active   bool
}

// FrameTable tracks ownership of every frame in the user pool and runs the
// clock (second-chance) eviction algorithm over it.
type FrameTable struct {
	mu          sync.Mutex
	frames      []FrameInfo
	clockHand   int
	pool        platform.UserPool
	swap        *SwapTable
	supplements *SupplementTable
	// active mirrors len(frames that are Active), kept as an
	// atomicbitops.Int32 (the teacher's shape for a hot scalar counter
	// touched inside a lock but read outside one, as subprocess.go's
	// numContexts is) so ActiveCount is a lock-free read.
	active atomicbitops.Int32
}

// NewFrameTable creates a frame table sized to pool's capacity.
func NewFrameTable(pool platform.UserPool) *FrameTable {
	return &FrameTable{
		frames: make([]FrameInfo, pool.Limit()),
		pool:   pool,
	}
}

// SetSwap attaches the backing store eviction hands dirty pages off to
// (spec §4.11's "open subsystem hand-off to §4.12") along with the
// supplemental table recording where an evicted page now lives. A table
// with no swap attached panics on its first dirty eviction rather than
// silently discarding modified data.
func (ft *FrameTable) SetSwap(swap *SwapTable, supplements *SupplementTable) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.swap = swap
	ft.supplements = supplements
}

func (ft *FrameTable) indexOf(kernelAddr uintptr) int {
	return int((kernelAddr - ft.pool.Lowest()) / platform.PageSize)
}

// AllocPage reserves one user-pool frame for threadID's mapping at vAddr
// (page-aligned), evicting an existing frame via the clock algorithm if
// the pool is exhausted. It does not install any page-table mapping
// itself — callers map the returned kernel address afterward.
func (ft *FrameTable) AllocPage(threadID int64, vAddr uintptr, swap bool) uintptr {
	if vAddr%platform.PageSize != 0 {
		panic("mem: AllocPage vAddr not page-aligned")
	}

	g := intr.Disable()
	defer g.Restore()

	ft.mu.Lock()
	defer ft.mu.Unlock()

	addr, ok := ft.pool.AllocPages(1)
	if !ok {
		addr = ft.evictLocked()
		page := ft.pool.At(addr)
		for i := range page {
			page[i] = 0
		}
	}

	index := ft.indexOf(addr)
	if ft.frames[index].Active {
		panic("mem: allocated a frame the table still considers active")
	}
	ft.frames[index] = FrameInfo{ThreadID: threadID, VAddr: vAddr, Swap: swap, Active: true}
	ft.active.Add(1)
	return addr
}

// ActiveCount reports the number of frames currently allocated, without
// taking the table's lock.
func (ft *FrameTable) ActiveCount() int {
	return int(ft.active.Load())
}

// FreeThread reclaims every frame still owned by threadID, returning each
// to the user pool. Wired as kthread.Manager's exit hook (see
// Manager.SetExitHook) so a dying user process's pages are released
// eagerly rather than left for the clock hand to discover an owner that
// no longer exists.
func (ft *FrameTable) FreeThread(threadID int64) {
	g := intr.Disable()
	defer g.Restore()

	ft.mu.Lock()
	var freed []uintptr
	for i := range ft.frames {
		if ft.frames[i].Active && ft.frames[i].ThreadID == threadID {
			ft.frames[i].Active = false
			freed = append(freed, ft.pool.Lowest()+uintptr(i)*platform.PageSize)
		}
	}
	ft.mu.Unlock()

	for _, addr := range freed {
		ft.active.Add(-1)
		ft.pool.DeallocPages(addr, 1)
	}
}

// DeallocPage releases a single frame back to the user pool.
func (ft *FrameTable) DeallocPage(kernelAddr uintptr) {
	if kernelAddr%platform.PageSize != 0 {
		panic("mem: DeallocPage address not page-aligned")
	}

	g := intr.Disable()
	defer g.Restore()

	ft.mu.Lock()
	index := ft.indexOf(kernelAddr)
	ft.frames[index].Active = false
	ft.mu.Unlock()
	ft.active.Add(-1)

	ft.pool.DeallocPages(kernelAddr, 1)
}

// DeallocPages releases n contiguous frames starting at kernelAddr.
func (ft *FrameTable) DeallocPages(kernelAddr uintptr, n int) {
	for i := 0; i < n; i++ {
		ft.DeallocPage(kernelAddr + uintptr(i)*platform.PageSize)
	}
}

// evictLocked runs the clock algorithm to free exactly one frame and
// returns its kernel address. ft.mu must already be held.
func (ft *FrameTable) evictLocked() uintptr {
	for {
		ft.clockHand = (ft.clockHand + 1) % len(ft.frames)
		info := ft.frames[ft.clockHand]
		if !info.Active {
			panic("mem: clock hand landed on an inactive frame")
		}

		owner := kthread.GetManager().GetByID(info.ThreadID)
		if owner == nil || owner.PageTable == nil {
			panic(fmt.Sprintf("mem: frame owner thread %d has no page table", info.ThreadID))
		}

		entry, ok := owner.PageTable.GetPTE(info.VAddr)
		if !ok {
			panic("mem: frame's virtual address has no page-table entry")
		}

		if entry.Accessed() {
			entry.ClearAccessed()
			continue
		}

		frameAddr := ft.pool.Lowest() + uintptr(ft.clockHand)*platform.PageSize

		if entry.Dirty() {
			if ft.swap == nil {
				panic("mem: dirty-page eviction requires a swap table (see FrameTable.SetSwap)")
			}
			location, err := ft.swap.StorePage(info.ThreadID, info.VAddr, ft.pool.At(frameAddr))
			if err != nil {
				panic(fmt.Sprintf("mem: swapping out thread %d's page at %#x: %v", info.ThreadID, info.VAddr, err))
			}
			ft.supplements.Put(info.ThreadID, info.VAddr, SupplementInfo{Swap: true, Location: location})
			klog.Debugf("mem: evicted dirty page thread=%d va=%#x -> swap slot %d", info.ThreadID, info.VAddr, location)
		}

		entry.ClearValid()
		ft.frames[ft.clockHand].Active = false
		ft.active.Add(-1)
		return frameAddr
	}
}
