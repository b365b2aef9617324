package zcoroutine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zcore/zruntime/internal/observability"
)

func TestSchedulerColdStartRunsOneTaskThenStopsCleanly(t *testing.T) {
	s := NewScheduler(2, "cold-start", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var ran atomic.Bool
	done := make(chan struct{})
	if err := s.Schedule(CallableTask(func() {
		ran.Store(true)
		close(done)
	})); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	if !ran.Load() {
		t.Fatal("flag was not set")
	}

	deadline := time.Now().Add(time.Second)
	for s.PendingTaskCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.PendingTaskCount() != 0 {
		t.Fatalf("expected pending count to settle at 0, got %d", s.PendingTaskCount())
	}

	s.Stop()
	if s.IsRunning() {
		t.Fatal("expected scheduler to report stopped after Stop")
	}
}

func TestSchedulerZeroThreadsIsNoOp(t *testing.T) {
	s := NewScheduler(0, "no-threads", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start should not error on zero threads: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("a zero-thread scheduler must never report running")
	}
	if err := s.Schedule(CallableTask(func() {})); err != ErrSchedulerNotRunning {
		t.Fatalf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestSchedulerRejectsScheduleAfterStop(t *testing.T) {
	s := NewScheduler(2, "stop-race", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	if err := s.Schedule(CallableTask(func() {})); err != ErrSchedulerStopped {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestSchedulerRejectsNilTask(t *testing.T) {
	s := NewScheduler(1, "nil-task", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.Schedule(Task{}); err != ErrNilTask {
		t.Fatalf("expected ErrNilTask, got %v", err)
	}
}

// TestSchedulerStealingMovesWorkToIdleWorker pins 300 short tasks onto
// worker 0's own deque (more than the default high watermark of 256,
// so worker 0 is flagged stealable) and checks that they all run and
// that worker 1 stole at least one batch, tracked with the scheduler's
// steal counter.
func TestSchedulerStealingMovesWorkToIdleWorker(t *testing.T) {
	metrics := &observability.Metrics{}
	s := NewScheduler(2, "steal-test", false, metrics)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	var executed atomic.Int64
	const total = 300
	for i := 0; i < total; i++ {
		s.enqueueLocal(0, CallableTask(func() {
			time.Sleep(time.Millisecond)
			executed.Add(1)
		}))
	}

	deadline := time.Now().Add(3 * time.Second)
	for executed.Load() < total && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := executed.Load(); got != total {
		t.Fatalf("expected all %d tasks to run, got %d", total, got)
	}
	if metrics.StealSuccesses.Load() == 0 {
		t.Fatal("expected worker 1 to steal at least one batch from worker 0")
	}
}

// TestSchedulerSharedStackFibersSurviveManyYields runs 1000 shared-
// stack fibers, each yielding 10 times while carrying a small checksum
// in its scratch buffer, and verifies every one reaches Terminated
// with its checksum intact across every yield.
func TestSchedulerSharedStackFibersSurviveManyYields(t *testing.T) {
	s := NewScheduler(4, "shared-stack-test", true, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	const (
		fiberCount = 1000
		yields     = 10
	)
	var wg sync.WaitGroup
	var mismatches atomic.Int64

	for i := 0; i < fiberCount; i++ {
		wg.Add(1)
		checksum := byte(i % 251)
		f := NewFiber("worker-fiber", 64, StackShared, true, func(h *FiberHandle) {
			defer wg.Done()
			for y := 0; y < yields; y++ {
				buf := h.SharedBuffer(1)
				buf[0] = checksum
				h.YieldToReady()
				buf = h.SharedBuffer(1)
				if buf[0] != checksum {
					mismatches.Add(1)
				}
			}
		})
		if err := s.Schedule(FiberTask(f)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not all fibers terminated in time")
	}

	if n := mismatches.Load(); n != 0 {
		t.Fatalf("%d fiber resumes saw a corrupted checksum after a yield", n)
	}
}

// TestSchedulerNewFiberRecyclesFromPool runs a sequence of tiny fiber
// tasks one after another (so a single worker is idle between them
// and TryReturn has pooled the previous one by the time the next
// NewFiber call runs) and checks at least one later fiber reused the
// earlier fiber's backing struct, exercising the pool's Acquire+Reset
// path rather than only ever accumulating terminated fibers.
func TestSchedulerNewFiberRecyclesFromPool(t *testing.T) {
	s := NewScheduler(1, "fiber-recycle-test", false, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	const rounds = 8
	seen := make(map[*Fiber]bool, rounds)
	reused := false

	for i := 0; i < rounds; i++ {
		done := make(chan struct{})
		f := s.NewFiber("recyclable", 0, true, func(h *FiberHandle) {
			close(done)
		})
		if seen[f] {
			reused = true
		}
		seen[f] = true

		if err := s.Schedule(FiberTask(f)); err != nil {
			t.Fatalf("schedule round %d: %v", i, err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("fiber in round %d never ran", i)
		}

		deadline := time.Now().Add(time.Second)
		for s.PendingTaskCount() != 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	if !reused {
		t.Fatal("expected at least one NewFiber call to recycle a pooled fiber")
	}
}
