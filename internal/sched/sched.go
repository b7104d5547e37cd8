// Package sched provides the ready-queue scheduling policies the thread
// manager dispatches through: a plain FCFS policy, and a priority policy
// that is donation-aware (it reads a thread's effective, donated priority
// rather than its base priority).
package sched

import "github.com/PlanarG/OS/internal/pq"

// Thread is the slice of kthread.Thread the scheduler needs, kept narrow so
// this package never imports kthread (which imports sched) — the kind of
// interface split the original source's scheduler-vs-thread module
// boundary already draws.
type Thread interface {
	pq.Prioritized
	ID() int64
}

// Policy is a pluggable ready-queue discipline.
type Policy interface {
	// Register inserts a ready thread into the policy's queue.
	Register(t Thread)
	// Schedule removes and returns the thread that should run next.
	Schedule() (Thread, bool)
	// Next reports the thread that Schedule would currently return,
	// without removing it.
	Next() (Thread, bool)
}

// Kind selects a Policy implementation.
type Kind int

const (
	KindFCFS Kind = iota
	KindPriority
)

// NewPolicy builds the requested scheduling policy.
func NewPolicy(kind Kind) Policy {
	switch kind {
	case KindPriority:
		return &Priority{}
	default:
		return &FCFS{}
	}
}

// fcfsThread wraps Thread so the shared FIFOQueue orders it purely by
// arrival: pinning Priority() to a constant makes every entry tie, which
// leaves the queue's FIFO tie-break as the only ordering rule left,
// matching spec §4.6's "insertion-order queue" — FCFS does not consult a
// thread's actual (possibly donation-boosted) priority at all, unlike the
// Priority policy below.
type fcfsThread struct{ Thread }

func (fcfsThread) Priority() uint32 { return 0 }

type FCFS struct {
	q pq.FIFOQueue[fcfsThread]
}

func (s *FCFS) Register(t Thread) { s.q.Push(fcfsThread{t}) }

func (s *FCFS) Schedule() (Thread, bool) {
	e, ok := s.q.Pop()
	if !ok {
		return nil, false
	}
	return e.Thread, true
}

func (s *FCFS) Next() (Thread, bool) {
	e, ok := s.q.Peek()
	if !ok {
		return nil, false
	}
	return e.Thread, true
}

// Priority is the donation-aware scheduler: since Thread.Priority()
// re-reads the thread's effective (base-vs-donated) priority on every
// queue operation, a thread that receives a donation while it sits in the
// ready queue is immediately reflected the next time Schedule/Next runs.
type Priority struct {
	q pq.FIFOQueue[Thread]
}

func (s *Priority) Register(t Thread)        { s.q.Push(t) }
func (s *Priority) Schedule() (Thread, bool) { return s.q.Pop() }
func (s *Priority) Next() (Thread, bool)     { return s.q.Peek() }
