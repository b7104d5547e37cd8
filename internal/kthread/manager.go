package kthread

import (
	"fmt"
	"sort"
	"sync"

	"github.com/PlanarG/OS/internal/intr"
	"github.com/PlanarG/OS/internal/klog"
	"github.com/PlanarG/OS/internal/platform"
	"github.com/PlanarG/OS/internal/sched"
)

// Manager owns the ready-queue policy, the current thread, the sleep
// wheel, and the registry of every live thread. There is exactly one,
// created lazily on first use, matching the original's Lazy<Manager>.
type Manager struct {
	policy sched.Policy

	mu      sync.Mutex
	current *Thread
	all     []*Thread

	sleepMu      sync.Mutex
	sleepThreads map[int64][]*Thread

	kernelPageTable platform.PageTable
	timer           platform.Timer
	exitHook        func(*Thread)
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the singleton manager, creating it (and the always-
// present Idle thread) on first call.
func GetManager() *Manager {
	managerOnce.Do(func() {
		initial := newThread("Initial", PriDefault, nil, nil)
		initial.setStatus(StatusRunning)

		manager = &Manager{
			policy:       sched.NewPolicy(sched.KindPriority),
			current:      initial,
			all:          []*Thread{initial},
			sleepThreads: make(map[int64][]*Thread),
		}

		idle := NewBuilder(func() {
			for {
				Schedule()
			}
		}).Name("Idle").Priority(PriMin).Build()

		go func() {
			handoff := <-idle.resume
			manager.scheduleTail(handoff)
			idle.fn()
		}()

		manager.register(idle)
	})
	return manager
}

// ResetForTesting discards the singleton manager so the next GetManager
// call builds a fresh one. Exists only so package tests can start each
// case from a clean Initial+Idle state instead of accumulating threads
// across the whole test binary.
func ResetForTesting() {
	managerOnce = sync.Once{}
	manager = nil
	nextTID.Store(0)
}

// SetPolicy swaps the ready-queue discipline. Intended for use before any
// thread besides Initial/Idle has been spawned.
func (m *Manager) SetPolicy(kind sched.Kind) {
	g := intr.Disable()
	defer g.Restore()
	m.policy = sched.NewPolicy(kind)
}

// SetKernelPageTable records the page table to activate when the running
// thread has none of its own (i.e. it is a pure kernel thread).
func (m *Manager) SetKernelPageTable(pt platform.PageTable) {
	m.kernelPageTable = pt
}

// SetTimer installs the tick source CheckSleepWheel measures against.
func (m *Manager) SetTimer(timer platform.Timer) {
	m.timer = timer
}

// SetExitHook installs a callback run from scheduleTail for every thread
// reaped out of the all-threads list (spec §4.8's "releasing ... page
// table via the thread's destructor"). internal/kthread cannot import
// internal/mem itself (mem already imports kthread, to look up a frame's
// owner during eviction), so reclaiming a dying user thread's physical
// frames back into the frame table is wired from outside — the same
// external-initialization seam SetKernelPageTable/SetTimer already use.
func (m *Manager) SetExitHook(fn func(*Thread)) {
	m.exitHook = fn
}

func (m *Manager) register(t *Thread) {
	m.policy.Register(t)
	m.mu.Lock()
	m.all = append(m.all, t)
	m.mu.Unlock()
}

// GetByID looks up a live thread by ID, or nil if it is not currently
// registered (either never existed, or already exited).
func (m *Manager) GetByID(tid int64) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.all {
		if t.ID() == tid {
			return t
		}
	}
	return nil
}

func (m *Manager) currentLocked() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RegisterSleepThread parks thread on the sleep wheel until the tick
// counter reaches barrier.
func (m *Manager) RegisterSleepThread(t *Thread, barrier int64) {
	g := intr.Disable()
	defer g.Restore()
	m.sleepMu.Lock()
	m.sleepThreads[barrier] = append(m.sleepThreads[barrier], t)
	m.sleepMu.Unlock()
}

// CheckSleepWheel wakes every thread whose barrier has arrived. Called
// once per timer tick.
func (m *Manager) CheckSleepWheel() {
	g := intr.Disable()
	defer g.Restore()

	now := m.timer.Ticks()

	m.sleepMu.Lock()
	var ready []int64
	for barrier := range m.sleepThreads {
		if barrier <= now {
			ready = append(ready, barrier)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	var toWake []*Thread
	for _, barrier := range ready {
		toWake = append(toWake, m.sleepThreads[barrier]...)
		delete(m.sleepThreads, barrier)
	}
	m.sleepMu.Unlock()

	for _, t := range toWake {
		if t.Status() == StatusBlocked {
			WakeUp(t)
		}
	}
}

// Schedule picks the next ready thread (if its priority is at least the
// current one's, or the current one is no longer runnable) and switches the virtual hart
// to it. It returns once this thread has been scheduled back in.
func (m *Manager) Schedule() {
	g := intr.Disable()
	defer g.Restore()

	cur := m.currentLocked()
	next, hasNext := m.policy.Next()

	if cur.Status() != StatusRunning && !hasNext {
		panic("kthread: no thread is ready to run")
	}

	shouldSwitch := hasNext && (next.Priority() >= cur.Priority() || cur.Status() != StatusRunning)
	if !shouldSwitch {
		return
	}

	nextThread, ok := m.policy.Schedule()
	if !ok {
		return
	}
	nt := nextThread.(*Thread)

	if nt.Status() != StatusReady {
		panic("kthread: scheduled thread was not Ready")
	}
	nt.setStatus(StatusRunning)

	m.mu.Lock()
	previous := m.current
	m.current = nt
	m.mu.Unlock()

	klog.Debugf("[THREAD] switch from %s to %s", previous, nt)

	nt.resume <- previous
	handoff := <-previous.resume
	m.scheduleTail(handoff)
}

// scheduleTail runs on the newly-scheduled thread's goroutine immediately
// after it resumes: it finishes tearing down a dying predecessor, re-queues
// a preempted one, and activates the correct address space.
func (m *Manager) scheduleTail(previous *Thread) {
	if intr.Enabled() {
		panic("kthread: scheduleTail called with interrupts enabled")
	}

	klog.Debugf("[THREAD] switched to %s", m.currentLocked())

	if cur := m.currentLocked(); cur.Overflow() {
		panic(fmt.Sprintf("kthread: stack guard clobbered on %s", cur))
	}

	switch previous.Status() {
	case StatusDying:
		m.mu.Lock()
		filtered := m.all[:0]
		for _, t := range m.all {
			if t.ID() != previous.ID() {
				filtered = append(filtered, t)
			}
		}
		m.all = filtered
		m.mu.Unlock()
		if previous.Proc != nil {
			previous.Proc.NotifyExit()
		}
		if m.exitHook != nil {
			m.exitHook(previous)
		}
		if previous.PageTable != nil {
			previous.PageTable.Destroy()
		}
	case StatusRunning:
		previous.setStatus(StatusReady)
		m.policy.Register(previous)
	case StatusBlocked:
		// Nothing to do: whoever blocked it owns waking it back up.
	case StatusReady:
		panic("kthread: previous thread unexpectedly Ready in scheduleTail")
	}

	cur := m.currentLocked()
	if cur.PageTable != nil {
		cur.PageTable.Activate()
	} else if m.kernelPageTable != nil {
		m.kernelPageTable.Activate()
	}
}
