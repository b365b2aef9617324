// internal/observability/metrics.go
package observability

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics gathers scheduler and allocator counters for exposition as
// Prometheus text format. All fields are updated with atomics so any
// worker or allocating goroutine can record without a lock.
type Metrics struct {
	// Scheduler
	TasksScheduled   atomic.Int64
	TasksExecuted    atomic.Int64
	StealAttempts    atomic.Int64
	StealSuccesses   atomic.Int64
	FibersTerminated atomic.Int64
	FibersPooled     atomic.Int64
	PanicsRecovered  atomic.Int64

	// Allocator
	MmapCalls     atomic.Int64
	MunmapCalls   atomic.Int64
	CacheHits     atomic.Int64
	CacheMisses   atomic.Int64
	BytesOutstanding atomic.Int64
}

// Global is the process-wide metrics instance. Unlike the teacher's
// singleton caches, this one is legitimately global: it is read-only
// observation, not shared mutable application state, so a
// dependency-injected handle buys nothing here.
var Global = &Metrics{}

// Snapshot is a point-in-time copy used for tests and export.
type Snapshot struct {
	TasksScheduled, TasksExecuted       int64
	StealAttempts, StealSuccesses       int64
	FibersTerminated, FibersPooled      int64
	PanicsRecovered                     int64
	MmapCalls, MunmapCalls              int64
	CacheHits, CacheMisses              int64
	BytesOutstanding                    int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TasksScheduled:   m.TasksScheduled.Load(),
		TasksExecuted:    m.TasksExecuted.Load(),
		StealAttempts:    m.StealAttempts.Load(),
		StealSuccesses:   m.StealSuccesses.Load(),
		FibersTerminated: m.FibersTerminated.Load(),
		FibersPooled:     m.FibersPooled.Load(),
		PanicsRecovered:  m.PanicsRecovered.Load(),
		MmapCalls:        m.MmapCalls.Load(),
		MunmapCalls:      m.MunmapCalls.Load(),
		CacheHits:        m.CacheHits.Load(),
		CacheMisses:      m.CacheMisses.Load(),
		BytesOutstanding: m.BytesOutstanding.Load(),
	}
}

// ExportPrometheus renders the current snapshot as Prometheus text
// exposition, following the same HELP/TYPE-per-metric shape the
// teacher's handleMetrics used.
func (m *Metrics) ExportPrometheus() string {
	s := m.Snapshot()
	var b strings.Builder

	metric := func(name, help, typ string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, typ, name, value)
	}

	metric("zruntime_tasks_scheduled_total", "Total tasks handed to schedule()", "counter", s.TasksScheduled)
	metric("zruntime_tasks_executed_total", "Total tasks run to completion by a worker", "counter", s.TasksExecuted)
	metric("zruntime_steal_attempts_total", "Total work-stealing attempts", "counter", s.StealAttempts)
	metric("zruntime_steal_successes_total", "Total work-stealing attempts that moved >=1 task", "counter", s.StealSuccesses)
	metric("zruntime_fibers_terminated_total", "Total fibers that reached the Terminated state", "counter", s.FibersTerminated)
	metric("zruntime_fibers_pooled", "Terminated fibers handed back to a recycle pool", "counter", s.FibersPooled)
	metric("zruntime_panics_recovered_total", "User panics caught at the fiber resume boundary", "counter", s.PanicsRecovered)
	metric("zmalloc_mmap_calls_total", "Anonymous mmap calls issued by the page cache", "counter", s.MmapCalls)
	metric("zmalloc_munmap_calls_total", "munmap calls issued by the page cache", "counter", s.MunmapCalls)
	metric("zmalloc_cache_hits_total", "Thread-cache allocations served from the local free list", "counter", s.CacheHits)
	metric("zmalloc_cache_misses_total", "Allocator misses that fell through to the next tier", "counter", s.CacheMisses)
	metric("zmalloc_bytes_outstanding", "Bytes currently carved from spans and not yet freed", "gauge", s.BytesOutstanding)

	return b.String()
}
