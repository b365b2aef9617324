package zmalloc

import (
	"sync"
	"unsafe"

	"github.com/zcore/zruntime/internal/observability"
)

// Allocator is the public facade over the thread cache / transfer
// cache / central cache / page cache tiers: callers only ever see
// allocate/deallocate/reallocate and their variants, never the
// internal tiering.
type Allocator struct {
	pageCache     *PageCache
	centralCache  *CentralCache
	transferCache *TransferCache
	pool          sync.Pool
	metrics       *observability.Metrics

	tcMu  sync.Mutex
	tcAll []*ThreadCache // every thread cache the pool has ever handed out, for Flush
}

func NewAllocator(metrics *observability.Metrics) *Allocator {
	if metrics == nil {
		metrics = observability.Global
	}
	pc := NewPageCache(metrics)
	cc := NewCentralCache(pc)
	transferCache := NewTransferCache(cc)
	a := &Allocator{
		pageCache:     pc,
		centralCache:  cc,
		transferCache: transferCache,
		metrics:       metrics,
	}
	a.pool.New = func() any {
		tc := newThreadCache(transferCache, metrics)
		a.tcMu.Lock()
		a.tcAll = append(a.tcAll, tc)
		a.tcMu.Unlock()
		return tc
	}
	return a
}

func (a *Allocator) borrow() *ThreadCache {
	return a.pool.Get().(*ThreadCache)
}

func (a *Allocator) release(tc *ThreadCache) {
	a.pool.Put(tc)
}

// Flush spills every thread cache this allocator has ever handed out
// back through the transfer cache towards the central cache. A
// ThreadCache borrowed from the sync.Pool is only ever reclaimed by
// the garbage collector, silently along with whatever objects were
// cached in its per-class free lists at the time — Flush is the
// deterministic alternative, meant to be called at a quiescent point
// (e.g. during Shutdown, or by a test asserting on span use counts)
// rather than concurrently with live allocation traffic.
func (a *Allocator) Flush() {
	a.tcMu.Lock()
	caches := make([]*ThreadCache, len(a.tcAll))
	copy(caches, a.tcAll)
	a.tcMu.Unlock()
	for _, tc := range caches {
		tc.flush()
	}
}

// Allocate returns n bytes of uninitialized memory. Requests at or
// below MaxSmallSize are served by a borrowed thread cache; larger
// requests bypass the thread-cache tiers entirely and go straight to
// the page cache as their own span.
func (a *Allocator) Allocate(n int) unsafe.Pointer {
	class, _, ok := classFor(n)
	if !ok {
		return a.allocateLarge(n)
	}
	tc := a.borrow()
	p := tc.Allocate(class)
	a.release(tc)
	if p != nil {
		a.metrics.BytesOutstanding.Add(int64(classObjectSize(class)))
	}
	return p
}

// AllocateZero is Allocate followed by zeroing, mirroring calloc's
// count*size contract.
func (a *Allocator) AllocateZero(count, size int) unsafe.Pointer {
	n := count * size
	p := a.Allocate(n)
	if p == nil {
		return nil
	}
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
	return p
}

// AllocateAligned returns memory whose address is a multiple of
// align, which must be a power of two. Objects whose natural size
// class already satisfies the alignment are served unchanged;
// otherwise a larger class (or a whole page span, for align beyond a
// single small-object bracket) is chosen so the returned address
// still lands on a multiple of align.
func (a *Allocator) AllocateAligned(n, align int) unsafe.Pointer {
	if align < minAlign {
		align = minAlign
	}
	if n <= 0 {
		n = 1
	}
	if align <= PageSize && n <= MaxSmallSize {
		for idx := 1; idx <= NumSizeClasses(); idx++ {
			sz := classObjectSize(idx)
			if sz >= n && sz%align == 0 {
				tc := a.borrow()
				p := tc.Allocate(idx)
				a.release(tc)
				if p != nil {
					a.metrics.BytesOutstanding.Add(int64(sz))
				}
				return p
			}
		}
	}
	// Every span is backed by a page-aligned mmap, so any alignment up
	// to PageSize is automatically satisfied by the large-object path.
	want := n
	if align > want {
		want = align
	}
	return a.allocateLarge(want)
}

func (a *Allocator) allocateLarge(n int) unsafe.Pointer {
	pages := (n + PageSize - 1) / PageSize
	if pages < 1 {
		pages = 1
	}
	s, err := a.pageCache.NewSpan(pages)
	if err != nil {
		return nil
	}
	a.metrics.BytesOutstanding.Add(int64(s.bytes()))
	return unsafe.Pointer(&s.backing[0])
}

// Deallocate returns ptr to its owning tier. A nil pointer is a no-op,
// matching free(NULL); an address this allocator never handed out is
// also a no-op, since there is no owning span to recover.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	page, ok := a.pageCache.AddrToPage(ptr)
	if !ok {
		return
	}
	spanID, class, ok := a.pageCache.PageMapRef().Get(page)
	if !ok {
		return
	}
	if class == 0 {
		s := a.pageCache.SpanByID(spanID)
		if s == nil {
			return
		}
		a.metrics.BytesOutstanding.Add(-int64(s.bytes()))
		a.pageCache.ReleaseSpan(s)
		return
	}
	a.metrics.BytesOutstanding.Add(-int64(classObjectSize(int(class))))
	tc := a.borrow()
	tc.Deallocate(int(class), ptr)
	a.release(tc)
}

// AllocatedSize reports the usable size of a live allocation: the
// size class's object size for small objects, or the full span size
// for objects allocated on the large-object path. It returns 0 for an
// address this allocator did not hand out.
func (a *Allocator) AllocatedSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	page, ok := a.pageCache.AddrToPage(ptr)
	if !ok {
		return 0
	}
	spanID, class, ok := a.pageCache.PageMapRef().Get(page)
	if !ok {
		return 0
	}
	if class == 0 {
		s := a.pageCache.SpanByID(spanID)
		if s == nil {
			return 0
		}
		return s.bytes()
	}
	return classObjectSize(int(class))
}

// Reallocate resizes an existing allocation, preserving its contents
// up to the smaller of the old and new sizes. A nil ptr behaves like
// Allocate; a newN of 0 frees ptr and returns nil.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, newN int) unsafe.Pointer {
	if ptr == nil {
		return a.Allocate(newN)
	}
	if newN <= 0 {
		a.Deallocate(ptr)
		return nil
	}
	old := a.AllocatedSize(ptr)
	if old == 0 {
		return a.Allocate(newN)
	}
	if newN <= old {
		return ptr
	}
	fresh := a.Allocate(newN)
	if fresh == nil {
		return nil
	}
	src := unsafe.Slice((*byte)(ptr), old)
	dst := unsafe.Slice((*byte)(fresh), newN)
	copy(dst, src)
	a.Deallocate(ptr)
	return fresh
}
