package zcoroutine

// WorkerContext is the per-worker state the schedule loop carries:
// the scheduler it belongs to, its worker id, the deque it owns, its
// stack mode, and (in shared-stack mode) its one shared region. The
// source models this as thread-local storage populated at the top of
// a worker's run loop and cleared on exit; Go has no goroutine-local
// storage, so here it is simply the loop's own local state, passed to
// whatever needs it rather than fetched from a global — the same
// lifecycle (populated at loop start, discarded at loop exit), just
// without the TLS indirection.
type WorkerContext struct {
	Scheduler   *Scheduler
	WorkerID    int
	Deque       *WorkStealingDeque
	StackMode   StackMode
	SharedStack *SharedStack

	currentFiber *Fiber
}

func (wc *WorkerContext) CurrentFiber() *Fiber { return wc.currentFiber }
