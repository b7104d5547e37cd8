package kthread

import "github.com/PlanarG/OS/internal/platform"

// Builder configures and spawns a new thread, mirroring the original's
// fluent Builder: Thread::new takes a pile of positional arguments, so the
// original wraps it in a builder rather than forcing every call site to
// spell out fields it doesn't care about.
type Builder struct {
	priority  uint32
	name      string
	fn        func()
	proc      Lifecycle
	pagetable platform.PageTable
	id        *int64
}

// NewBuilder starts building a thread that will run fn once scheduled.
func NewBuilder(fn func()) *Builder {
	return &Builder{priority: PriDefault, name: "Default", fn: fn}
}

func (b *Builder) Priority(p uint32) *Builder { b.priority = p; return b }
func (b *Builder) Name(name string) *Builder  { b.name = name; return b }
func (b *Builder) Proc(p Lifecycle) *Builder  { b.proc = p; return b }
func (b *Builder) PageTable(pt platform.PageTable) *Builder {
	b.pagetable = pt
	return b
}
func (b *Builder) ID(id int64) *Builder { b.id = &id; return b }

// Build constructs the Thread without registering it with the manager or
// starting its goroutine.
func (b *Builder) Build() *Thread {
	t := newThread(b.name, b.priority, b.fn, b.id)
	t.Proc = b.proc
	t.PageTable = b.pagetable
	return t
}

// Spawn builds the thread, starts its (parked) goroutine, and registers it
// with the manager. If the new thread outranks the current one it
// preempts immediately, exactly like the original's Builder::spawn.
func (b *Builder) Spawn() *Thread {
	t := b.Build()

	go func() {
		handoff := <-t.resume
		GetManager().scheduleTail(handoff)
		t.fn()
		Exit()
	}()

	GetManager().register(t)

	// Record this thread as an alive child of its parent before it ever
	// gets a chance to run: if it outranks the current thread enough to
	// run to completion inside the Schedule call below, it must not find
	// its own exit status clobbered back to "alive" afterward.
	if t.Proc != nil {
		if parentTID, ok := t.Proc.ParentTID(); ok {
			if parent := GetManager().GetByID(parentTID); parent != nil {
				parent.SetChildStatus(t.ID(), AliveChild())
			}
		}
	}

	if t.Priority() > Current().Priority() {
		Schedule()
	}

	return t
}

// Spawn is the package-level convenience matching the original's free
// function thread::spawn.
func Spawn(name string, fn func()) *Thread {
	return NewBuilder(fn).Name(name).Spawn()
}
