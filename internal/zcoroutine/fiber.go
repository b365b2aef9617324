package zcoroutine

import (
	"fmt"
	"sync/atomic"

	"github.com/zcore/zruntime/internal/zlog"
)

var fiberIDCounter atomic.Uint64

func nextFiberID() FiberID { return FiberID(fiberIDCounter.Add(1)) }

// FiberID is a process-unique fiber identity.
type FiberID uint64

// StackMode selects whether a fiber owns a heap-allocated stack of
// its own or borrows its worker's shared region via copy-in/copy-out.
type StackMode int

const (
	StackIndependent StackMode = iota
	StackShared
)

// FiberState is one of Ready, Running, Suspended, Terminated.
type FiberState int32

const (
	FiberReady FiberState = iota
	FiberRunning
	FiberSuspended
	FiberTerminated
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberSuspended:
		return "suspended"
	case FiberTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// defaultStackSize is the independent-stack default of 128 KiB and
// also the scratch-buffer size a shared-stack fiber gets unless
// NewFiber is given a different stackSize; FiberHandle.SharedBuffer
// hands out at most that many bytes.
const defaultStackSize = 128 * 1024

// Fiber is a stackful cooperative coroutine: its entry runs on a
// dedicated goroutine, suspended between resumes by the channel-based
// Context described in ctxswitch.go.
type Fiber struct {
	id             FiberID
	name           string
	stackSize      int
	stackMode      StackMode
	runInScheduler bool

	state atomic.Int32

	ctx    *Context
	shared *SharedStack
	spill  *spillBuffer
	cur    []byte

	refCount atomic.Int32
}

// FiberHandle is the narrow surface a fiber's own entry function gets
// to act on itself. Go has no goroutine-local storage, so there is no
// package-level current_fiber() accessor as in the source design;
// instead the handle is threaded through the entry call explicitly.
type FiberHandle struct {
	f *Fiber
}

func (h *FiberHandle) ID() FiberID     { return h.f.id }
func (h *FiberHandle) Name() string    { return h.f.name }
func (h *FiberHandle) State() FiberState { return FiberState(h.f.state.Load()) }

// YieldToSuspended transfers control back to the resuming worker and
// marks this fiber Suspended, for a fiber waiting on something
// external (I/O, a timer, a channel event) to move it back to Ready.
func (h *FiberHandle) YieldToSuspended() { h.f.yieldTo(FiberSuspended) }

// YieldToReady transfers control back to the resuming worker and
// marks this fiber Ready, for cooperative yielding purely for
// fairness — the scheduler is expected to re-enqueue it.
func (h *FiberHandle) YieldToReady() { h.f.yieldTo(FiberReady) }

// SharedBuffer returns n bytes of this worker's shared stack for the
// fiber to use as scratch storage across yields. It only has an
// effect in StackShared mode; independent-stack fibers should just
// use ordinary local variables, which Go's own goroutine stack
// already preserves correctly across yields.
func (h *FiberHandle) SharedBuffer(n int) []byte {
	if h.f.stackMode != StackShared || h.f.cur == nil {
		return make([]byte, n)
	}
	if n > len(h.f.cur) {
		n = len(h.f.cur)
	}
	return h.f.cur[:n]
}

// NewFiber constructs a fiber in state Ready. entry receives a handle
// to itself; panics inside entry are caught, logged, and turned into
// a normal Terminated transition rather than crashing the worker.
func NewFiber(name string, stackSize int, mode StackMode, runInScheduler bool, entry func(*FiberHandle)) *Fiber {
	if stackSize <= 0 {
		stackSize = defaultStackSize
	}
	f := &Fiber{
		id:             nextFiberID(),
		name:           name,
		stackSize:      stackSize,
		stackMode:      mode,
		runInScheduler: runInScheduler,
	}
	f.state.Store(int32(FiberReady))
	if mode == StackShared {
		f.spill = &spillBuffer{}
	}
	f.wire(entry)
	return f
}

func (f *Fiber) wire(entry func(*FiberHandle)) {
	h := &FiberHandle{f: f}
	f.ctx = newContext(func() {
		defer f.finish()
		entry(h)
	})
}

func (f *Fiber) finish() {
	if r := recover(); r != nil {
		zlog.For("scheduler").WithField("fiber", f.name).Errorf("fiber panicked: %v", r)
	}
	f.state.Store(int32(FiberTerminated))
}

func (f *Fiber) ID() FiberID      { return f.id }
func (f *Fiber) Name() string     { return f.name }
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// Resume transfers control to the fiber. Callers must be the
// scheduler driving this fiber's worker; resuming an already
// Terminated fiber is a programming error and panics, matching the
// source design's "implementations should assert" policy for logic
// errors that are not runtime conditions.
func (f *Fiber) Resume(shared *SharedStack) FiberState {
	if FiberState(f.state.Load()) == FiberTerminated {
		panic(fmt.Sprintf("zcoroutine: resume of terminated fiber %q", f.name))
	}
	f.state.Store(int32(FiberRunning))

	if f.stackMode == StackShared && shared != nil {
		f.shared = shared
		f.cur = shared.CopyIn(f.spill, f.stackSize)
	}

	f.ctx.swapIn()

	if f.stackMode == StackShared && f.shared != nil {
		f.shared.CopyOut(f.spill, len(f.cur))
		f.cur = nil
	}
	return FiberState(f.state.Load())
}

func (f *Fiber) yieldTo(state FiberState) {
	f.state.Store(int32(state))
	f.ctx.swapOut()
	f.state.Store(int32(FiberRunning))
}

// Reset rewires a Terminated fiber with a fresh entry so its backing
// struct (and, for shared-stack fibers, its spill buffer's already
// grown capacity) can be reused by the fiber pool instead of
// allocating a new Fiber from scratch. The previous entry's goroutine
// has already exited; Reset starts a brand new one.
func (f *Fiber) Reset(name string, stackSize int, mode StackMode, runInScheduler bool, entry func(*FiberHandle)) {
	if stackSize <= 0 {
		stackSize = defaultStackSize
	}
	f.id = nextFiberID()
	f.name = name
	f.stackSize = stackSize
	f.stackMode = mode
	f.runInScheduler = runInScheduler
	f.cur = nil
	if mode == StackShared {
		if f.spill == nil {
			f.spill = &spillBuffer{}
		} else {
			f.spill.data = f.spill.data[:0]
		}
	} else {
		f.spill = nil
	}
	f.state.Store(int32(FiberReady))
	f.wire(entry)
}
