package zcoroutine

import (
	"sync"

	"github.com/zcore/zruntime/internal/zlog"
)

// EventKind is a bitmask of the readiness events a Channel tracks per
// file descriptor.
type EventKind uint8

const (
	EventNone  EventKind = 0
	EventRead  EventKind = 1 << 0
	EventWrite EventKind = 1 << 1
)

// eventContext holds at most one of a callback or a fiber — modeled
// as a small sum type (kind tags which field, if any, is live) so the
// "both set" case the source leaves merely discouraged is made
// impossible here.
type eventContext struct {
	kind  eventContextKind
	fn    func()
	fiber *Fiber
}

type eventContextKind uint8

const (
	ctxNone eventContextKind = iota
	ctxCallback
	ctxFiber
)

func (c *eventContext) clear() { *c = eventContext{} }

// Channel is the per-fd I/O readiness record the hook layer (outside
// this package's scope) drives: it registers interest with AddEvent,
// and calls TriggerEvent when the fd becomes ready.
type Channel struct {
	mu    sync.Mutex
	fd    int
	mask  EventKind
	read  eventContext
	write eventContext

	scheduler *Scheduler
}

func NewChannel(fd int) *Channel {
	return &Channel{fd: fd}
}

// SetScheduler records the scheduler TriggerEvent/CancelEvent will
// reschedule fibers onto. Required before a fiber-backed event can be
// triggered or cancelled: without it, dispatch logs an error and
// leaves the fiber Ready but unscheduled.
func (c *Channel) SetScheduler(s *Scheduler) {
	c.mu.Lock()
	c.scheduler = s
	c.mu.Unlock()
}

func (c *Channel) ctxFor(kind EventKind) *eventContext {
	if kind == EventRead {
		return &c.read
	}
	return &c.write
}

// AddEventCallback registers interest in kind, invoking fn (inline or
// scheduled, depending on whether an owning scheduler is set) when the
// event later fires.
func (c *Channel) AddEventCallback(kind EventKind, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.ctxFor(kind) = eventContext{kind: ctxCallback, fn: fn}
	c.mask |= kind
}

// AddEventFiber registers interest in kind, resuming (by scheduling)
// fiber when the event later fires.
func (c *Channel) AddEventFiber(kind EventKind, fiber *Fiber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.ctxFor(kind) = eventContext{kind: ctxFiber, fiber: fiber}
	c.mask |= kind
}

// DelEvent clears interest in kind without running its context.
func (c *Channel) DelEvent(kind EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctxFor(kind).clear()
	c.mask &^= kind
}

// CancelEvent pops kind's context and gives it a "wakeup without
// success": a registered fiber is moved back to Ready and rescheduled;
// a registered callback still runs, since cancellation is only
// meaningful as a distinct outcome for the fiber case. Requires an
// owning scheduler for the fiber case; see SetScheduler.
func (c *Channel) CancelEvent(kind EventKind) {
	c.mu.Lock()
	ctx := *c.ctxFor(kind)
	c.ctxFor(kind).clear()
	c.mask &^= kind
	sched := c.scheduler
	c.mu.Unlock()

	c.dispatch(ctx, sched)
}

// CancelAll cancels both the read and write events.
func (c *Channel) CancelAll() {
	c.CancelEvent(EventRead)
	c.CancelEvent(EventWrite)
}

// TriggerEvent pops kind's context and runs it: a fiber is scheduled
// onto the owning scheduler; a callback is scheduled if a scheduler is
// set, or invoked inline if not.
func (c *Channel) TriggerEvent(kind EventKind) {
	c.mu.Lock()
	ctx := *c.ctxFor(kind)
	c.ctxFor(kind).clear()
	c.mask &^= kind
	sched := c.scheduler
	c.mu.Unlock()

	c.dispatch(ctx, sched)
}

func (c *Channel) dispatch(ctx eventContext, sched *Scheduler) {
	switch ctx.kind {
	case ctxFiber:
		ctx.fiber.state.Store(int32(FiberReady))
		if sched == nil {
			zlog.For("scheduler").WithField("fiber", ctx.fiber.Name()).
				Error("channel event fired for a fiber with no owning scheduler; leaving it ready but unscheduled")
			return
		}
		if err := sched.Schedule(FiberTask(ctx.fiber)); err != nil {
			zlog.For("scheduler").WithField("fiber", ctx.fiber.Name()).
				WithError(err).Error("failed to reschedule fiber from channel event")
		}
	case ctxCallback:
		if sched == nil {
			ctx.fn()
			return
		}
		if err := sched.Schedule(CallableTask(ctx.fn)); err != nil {
			zlog.For("scheduler").WithError(err).Error("failed to schedule callback from channel event")
		}
	}
}
