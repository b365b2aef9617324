// Package runtime bundles one process's allocator and scheduler
// behind a single dependency-injected handle. The teacher's own
// constructor (cmd/server/main.go's NewMinIOServer) builds its cache
// manager, replication engine, and tenant manager once and passes them
// around explicitly — nothing downstream reads a package-level
// singleton. Handle follows the same shape for zmalloc and zcoroutine.
package runtime

import (
	"fmt"

	"github.com/zcore/zruntime/internal/config"
	"github.com/zcore/zruntime/internal/observability"
	"github.com/zcore/zruntime/internal/zcoroutine"
	"github.com/zcore/zruntime/internal/zlog"
	"github.com/zcore/zruntime/internal/zmalloc"
)

// Handle is the one object a process needs to reach either core: the
// page allocator and the fiber scheduler it was constructed with.
type Handle struct {
	Allocator *zmalloc.Allocator
	Scheduler *zcoroutine.Scheduler
	Metrics   *observability.Metrics
}

// New builds a Handle from cfg. The scheduler is constructed but not
// started; callers control the start/stop lifecycle explicitly so
// tests can build a Handle without ever launching a worker pool.
func New(cfg *config.Config, workerCount int) *Handle {
	metrics := observability.Global
	return &Handle{
		Allocator: zmalloc.NewAllocator(metrics),
		Scheduler: zcoroutine.NewScheduler(workerCount, cfg.SchedulerName, cfg.UseSharedStack, metrics),
		Metrics:   metrics,
	}
}

// Start brings up the scheduler's worker pool. The allocator needs no
// start step of its own — its tiers are ready to serve the moment
// NewAllocator returns.
func (h *Handle) Start() error {
	zlog.For("runtime").WithField("scheduler", h.Scheduler.Name()).Info("starting scheduler")
	if err := h.Scheduler.Start(); err != nil {
		return fmt.Errorf("runtime: starting scheduler: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler, draining every pending task first,
// then flushes every thread cache the allocator has handed out so
// objects idle goroutines were still holding don't get stranded by
// sync.Pool's GC-driven eviction.
func (h *Handle) Shutdown() {
	zlog.For("runtime").WithField("scheduler", h.Scheduler.Name()).Info("stopping scheduler")
	h.Scheduler.Stop()
	h.Allocator.Flush()
}
