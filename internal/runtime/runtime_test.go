package runtime

import (
	"testing"
	"unsafe"

	"github.com/zcore/zruntime/internal/config"
)

func TestHandleStartAllocateStop(t *testing.T) {
	cfg := config.Default()
	cfg.SchedulerName = "runtime-test"
	h := New(cfg, 2)

	if err := h.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Shutdown()

	p := h.Allocator.Allocate(64)
	if p == nil {
		t.Fatal("expected a non-nil allocation")
	}
	b := unsafe.Slice((*byte)(p), 64)
	b[0] = 42
	if h.Allocator.AllocatedSize(p) < 64 {
		t.Fatalf("expected allocated size >= 64, got %d", h.Allocator.AllocatedSize(p))
	}
	h.Allocator.Deallocate(p)

	done := make(chan struct{})
	if err := h.Scheduler.ScheduleFunc(func() { close(done) }); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	<-done
}

func TestHandleZeroWorkersIsNoOpScheduler(t *testing.T) {
	cfg := config.Default()
	h := New(cfg, 0)
	if err := h.Start(); err != nil {
		t.Fatalf("start should not error: %v", err)
	}
	if h.Scheduler.IsRunning() {
		t.Fatal("a zero-worker handle's scheduler must never report running")
	}
}
