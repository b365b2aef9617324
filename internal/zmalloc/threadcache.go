package zmalloc

import (
	"unsafe"

	"github.com/zcore/zruntime/internal/observability"
)

// slowStartCeiling is the largest a thread-local free list is allowed
// to grow before deallocate starts spilling objects back to the
// transfer cache. Objects aligned to 1KiB or more are backed by
// larger spans, so their lists are capped tighter to limit how much
// page-cache memory a single idle goroutine can pin.
func slowStartCeiling(alignedSize int) int {
	if alignedSize >= 1024 {
		return 32
	}
	return 256
}

// threadList is one size class's slice of a thread cache: a free list
// plus the slow-start bookkeeping that decides how large it is
// allowed to grow before deallocate spills back to the transfer
// cache.
type threadList struct {
	free    freeList
	max     int // current allowed length; grows towards ceiling
	ceiling int
}

func (tl *threadList) init(class int) {
	tl.max = 1
	tl.ceiling = slowStartCeiling(classObjectSize(class))
}

// ThreadCache is a single goroutine's fast-path allocator state: one
// free list per size class, refilled from and spilled to a shared
// TransferCache. Go has no per-OS-thread storage, so instances are
// borrowed from a sync.Pool rather than pinned to a thread; the pool
// tends to hand a goroutine back the same instance it last used
// (since each P keeps its own private pool shard), which gives the
// slow-start heuristic the same warm/cold behavior it would have
// under true thread-local storage, without requiring one.
type ThreadCache struct {
	lists   []threadList
	tc      *TransferCache
	metrics *observability.Metrics
}

func newThreadCache(tc *TransferCache, metrics *observability.Metrics) *ThreadCache {
	n := NumSizeClasses() + 1
	c := &ThreadCache{
		lists:   make([]threadList, n),
		tc:      tc,
		metrics: metrics,
	}
	for i := 1; i < n; i++ {
		c.lists[i].init(i)
	}
	return c
}

// Allocate returns one object of the class's aligned size, refilling
// the free list from the transfer cache (which may itself reach the
// central cache) when it runs dry.
func (c *ThreadCache) Allocate(class int) unsafe.Pointer {
	l := &c.lists[class]
	if l.free.empty() {
		c.metrics.CacheMisses.Add(1)
		c.fetchFromCentral(class, l)
		if l.free.empty() {
			return nil
		}
	} else {
		c.metrics.CacheHits.Add(1)
	}
	return l.free.pop()
}

// Deallocate returns an object to its class's free list, spilling half
// of it to the transfer cache if the list has grown past its current
// slow-start limit.
func (c *ThreadCache) Deallocate(class int, ptr unsafe.Pointer) {
	l := &c.lists[class]
	l.free.push(ptr)
	if l.free.size() > l.max {
		c.listTooLong(class, l)
	}
}

// fetchFromCentral asks the transfer cache for a batch of objects
// sized to the class's configured batch count, growing the thread
// list's slow-start limit towards its ceiling each time a refill is
// needed. RemoveRange itself tries the ring buffer first and only
// falls through to the central cache (and, behind that, the page
// cache) when the ring alone came up short.
func (c *ThreadCache) fetchFromCentral(class int, l *threadList) {
	want := classBatch(class)
	objs := c.tc.RemoveRange(class, want)
	if len(objs) == 0 {
		return
	}
	for _, o := range objs {
		l.free.push(o)
	}
	if l.max < l.ceiling {
		l.max *= 2
		if l.max > l.ceiling {
			l.max = l.ceiling
		}
	}
}

// listTooLong implements the spill half back to the transfer cache,
// per the standard "thread cache growing unboundedly" guard: an
// idle-but-allocating goroutine that only ever frees objects of one
// class would otherwise accumulate every object it has ever seen.
func (c *ThreadCache) listTooLong(class int, l *threadList) {
	n := l.free.size() / 2
	if n == 0 {
		return
	}
	head, _, removed := l.free.popChain(n)
	if removed == 0 {
		return
	}
	objs := make([]unsafe.Pointer, 0, removed)
	obj := head
	for i := 0; i < removed; i++ {
		next := getNext(obj)
		objs = append(objs, obj)
		obj = next
	}
	c.tc.InsertRange(class, objs)
}

// flush spills every class's entire free list back to the transfer
// cache. A sync.Pool-borrowed ThreadCache that a goroutine stops using
// is only ever evicted by the garbage collector, which gives it no
// chance to spill on its own; Allocator.Flush calls this on every
// thread cache it has ever handed out so cached objects are not
// stranded there indefinitely.
func (c *ThreadCache) flush() {
	for class := 1; class < len(c.lists); class++ {
		l := &c.lists[class]
		n := l.free.size()
		if n == 0 {
			continue
		}
		head, _, removed := l.free.popChain(n)
		if removed == 0 {
			continue
		}
		objs := make([]unsafe.Pointer, 0, removed)
		obj := head
		for i := 0; i < removed; i++ {
			next := getNext(obj)
			objs = append(objs, obj)
			obj = next
		}
		c.tc.InsertRange(class, objs)
	}
}
