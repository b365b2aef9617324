package zcoroutine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zcore/zruntime/internal/observability"
	"github.com/zcore/zruntime/internal/tracing"
	"github.com/zcore/zruntime/internal/zlog"
)

// scheduleBatchSize is B in the schedule loop: how many tasks a
// worker pops, or accepts from a steal, per iteration.
const scheduleBatchSize = 8

var (
	// ErrSchedulerStopped is returned by Schedule once Stop has been
	// called: see the cancellation decision in the design notes — a
	// rejected schedule is caller-visible and testable, an unbounded
	// drain-while-accepting loop is not.
	ErrSchedulerStopped = errors.New("zcoroutine: scheduler is stopped")
	// ErrSchedulerNotRunning is returned by Schedule when the
	// scheduler was constructed with zero worker threads (rejected at
	// Start, per the boundary behavior) or has not been started yet.
	ErrSchedulerNotRunning = errors.New("zcoroutine: scheduler is not running")
	// ErrNilTask is returned (and logged) for a null task handed to
	// Schedule.
	ErrNilTask = errors.New("zcoroutine: nil task")
)

// Scheduler is the M:N work-stealing fiber scheduler: N worker
// goroutines, each bound to a Processor, draining their own deque and
// stealing from siblings when idle.
type Scheduler struct {
	name        string
	threadCount int
	stackMode   StackMode

	processors []*Processor
	bitmap     *StealableBitmap
	pool       *FiberPool

	pending atomic.Int64
	running atomic.Bool
	rr      atomic.Uint64

	schedMu  sync.RWMutex
	stopping bool

	wg sync.WaitGroup

	metrics *observability.Metrics
}

func NewScheduler(threadCount int, name string, useSharedStack bool, metrics *observability.Metrics) *Scheduler {
	if metrics == nil {
		metrics = observability.Global
	}
	mode := StackIndependent
	if useSharedStack {
		mode = StackShared
	}
	return &Scheduler{
		name:        name,
		threadCount: threadCount,
		stackMode:   mode,
		pool:        NewFiberPool(0),
		metrics:     metrics,
	}
}

// NewFiber builds a fiber matching this scheduler's configured stack
// mode, recycling one from the scheduler's pool via FiberPool.Get
// instead of always constructing a fresh one. Callers still own
// scheduling it: pass the result to Schedule(FiberTask(f)) or
// enqueueLocal from inside a worker.
func (s *Scheduler) NewFiber(name string, stackSize int, runInScheduler bool, entry func(*FiberHandle)) *Fiber {
	return s.pool.Get(name, stackSize, s.stackMode, runInScheduler, entry)
}

func (s *Scheduler) Name() string         { return s.name }
func (s *Scheduler) IsRunning() bool      { return s.running.Load() }
func (s *Scheduler) StackMode() StackMode { return s.stackMode }
func (s *Scheduler) PendingTaskCount() int64 {
	return s.pending.Load()
}

// Start launches the worker pool. It is idempotent: calling it again
// while already running is a no-op. A non-positive thread count is
// rejected with a logged warning, leaving a no-op scheduler that never
// reports itself running.
func (s *Scheduler) Start() error {
	if s.running.Load() {
		return nil
	}
	if s.threadCount <= 0 {
		zlog.For("scheduler").WithField("name", s.name).
			Warn("scheduler started with zero worker threads; no-op")
		return nil
	}

	_, span := tracing.StartSpan(context.Background(), tracing.GetTracer("scheduler"), "scheduler.start",
		attribute.String("scheduler.name", s.name), attribute.Int("scheduler.threads", s.threadCount))
	defer span.End()

	s.bitmap = NewStealableBitmap(s.threadCount)
	s.processors = make([]*Processor, s.threadCount)
	for i := range s.processors {
		s.processors[i] = newProcessor(i, s.bitmap)
	}

	s.schedMu.Lock()
	s.stopping = false
	s.schedMu.Unlock()

	s.wg.Add(s.threadCount)
	for i := range s.processors {
		go s.workerLoop(s.processors[i])
	}
	s.running.Store(true)
	return nil
}

// Stop drains every deque, joins every worker, and marks the
// scheduler stopped. Calling it again while already stopped is a
// no-op.
func (s *Scheduler) Stop() {
	s.schedMu.Lock()
	if s.stopping {
		s.schedMu.Unlock()
		return
	}
	s.stopping = true
	s.schedMu.Unlock()

	if !s.running.Load() {
		return
	}

	_, span := tracing.StartSpan(context.Background(), tracing.GetTracer("scheduler"), "scheduler.stop",
		attribute.String("scheduler.name", s.name))
	defer span.End()

	for _, p := range s.processors {
		p.deque.Stop()
	}
	s.wg.Wait()
	s.running.Store(false)
}

// Schedule enqueues a task from any goroutine. It is the external
// enqueue path: it always picks a worker's deque via the stealable
// bitmap (preferring one not already flagged stealable) rather than
// assuming affinity with any particular calling goroutine, since Go
// has no way to ask "is the calling goroutine one of this
// scheduler's workers" the way a native thread id would answer that
// question. Workers that reschedule their own fiber cooperatively use
// the internal enqueueLocal path instead, which gets the same
// local-deque affinity the design calls for.
func (s *Scheduler) Schedule(t Task) error {
	if !t.valid() {
		zlog.For("scheduler").WithField("name", s.name).Error("nil task handed to schedule")
		return ErrNilTask
	}
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	if s.stopping {
		return ErrSchedulerStopped
	}
	if !s.running.Load() {
		return ErrSchedulerNotRunning
	}

	idx := s.pickWorker()
	s.pending.Add(1)
	s.metrics.TasksScheduled.Add(1)
	s.processors[idx].deque.Push(t)
	return nil
}

// ScheduleFunc is a convenience wrapper for the common case of
// scheduling a bare callable.
func (s *Scheduler) ScheduleFunc(fn func()) error {
	return s.Schedule(CallableTask(fn))
}

func (s *Scheduler) pickWorker() int {
	start := int(s.rr.Add(1))
	if idx := s.bitmap.FindNonStealable(start); idx >= 0 {
		return idx
	}
	return start % len(s.processors)
}

// enqueueLocal is used only from inside a worker's own loop (a fiber
// cooperatively yielding to Ready) and pushes straight onto that
// worker's own deque, matching the "called from a worker thread of
// this scheduler" branch of the enqueue policy.
func (s *Scheduler) enqueueLocal(workerID int, t Task) {
	s.pending.Add(1)
	s.metrics.TasksScheduled.Add(1)
	s.processors[workerID].deque.Push(t)
}

func (s *Scheduler) workerLoop(p *Processor) {
	defer s.wg.Done()

	wc := &WorkerContext{
		Scheduler: s,
		WorkerID:  p.workerID,
		Deque:     p.deque,
		StackMode: s.stackMode,
	}
	if s.stackMode == StackShared {
		wc.SharedStack = NewSharedStack()
	}

	batch := make([]Task, scheduleBatchSize)
	for {
		s.schedMu.RLock()
		stopping := s.stopping
		s.schedMu.RUnlock()
		if stopping && s.pending.Load() == 0 {
			return
		}

		k := p.deque.PopBatch(batch, scheduleBatchSize)
		if k == 0 && len(s.processors) > 1 {
			k = s.trySteal(p, batch)
		}
		if k == 0 {
			timeout := 100 * time.Millisecond
			if s.bitmap.Any() {
				timeout = time.Millisecond
			}
			k = p.deque.WaitPopBatch(batch, scheduleBatchSize, timeout)
			if k == 0 {
				continue
			}
		}

		s.pending.Add(-int64(k))
		for i := 0; i < k; i++ {
			s.runTask(batch[i], wc)
			batch[i] = Task{}
		}
	}
}

func (s *Scheduler) trySteal(p *Processor, batch []Task) int {
	victim := s.bitmap.FindVictim(p.workerID)
	if victim < 0 {
		return 0
	}
	s.metrics.StealAttempts.Add(1)
	_, span := tracing.StartSpan(context.Background(), tracing.GetTracer("scheduler"), "scheduler.steal",
		attribute.Int("scheduler.worker", p.workerID), attribute.Int("scheduler.victim", victim))
	defer span.End()

	victimDeque := s.processors[victim].deque
	size := victimDeque.ApproxSize()
	if size <= 0 {
		return 0
	}
	want := (size + 1) / 2

	stolen := make([]Task, want)
	n := victimDeque.StealBatch(stolen, want)
	if n == 0 {
		return 0
	}
	s.metrics.StealSuccesses.Add(1)

	m := n
	if m > len(batch) {
		m = len(batch)
	}
	copy(batch, stolen[:m])
	for i := m; i < n; i++ {
		p.deque.Push(stolen[i])
	}
	return m
}

func (s *Scheduler) runTask(t Task, wc *WorkerContext) {
	switch t.kind {
	case taskFiber:
		s.runFiberTask(t.fiber, wc)
	case taskCallable:
		s.runCallableTask(t.callFn)
	}
}

func (s *Scheduler) runFiberTask(f *Fiber, wc *WorkerContext) {
	wc.currentFiber = f
	state := f.Resume(wc.SharedStack)
	wc.currentFiber = nil
	s.metrics.TasksExecuted.Add(1)

	switch state {
	case FiberTerminated:
		s.metrics.FibersTerminated.Add(1)
		if s.pool.TryReturn(f) {
			s.metrics.FibersPooled.Add(1)
		}
	case FiberReady:
		s.enqueueLocal(wc.WorkerID, FiberTask(f))
	case FiberSuspended:
		// Left alive; a channel trigger or timer will reschedule it.
	}
}

func (s *Scheduler) runCallableTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PanicsRecovered.Add(1)
			zlog.For("scheduler").WithField("scheduler", s.name).Errorf("task panicked: %v", r)
		}
	}()
	fn()
	s.metrics.TasksExecuted.Add(1)
}
