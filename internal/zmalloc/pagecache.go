package zmalloc

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zcore/zruntime/internal/observability"
	"github.com/zcore/zruntime/internal/zlog"
)

var log = zlog.For("allocator")

// arenaChunkPages is how many pages growArena reserves from the OS at
// a time when no bucket can satisfy a request; newSpanLocked turns
// only the first MaxBucketPages of each such arena into a free span,
// and the rest of the arena is not used. Pages carved from the same arena
// are guaranteed physically contiguous, which is what lets
// forward/backward span coalescing work by pure PageID arithmetic.
const arenaChunkPages = 16384 // 64MiB at a 4KiB page

// arena is one OS mapping that backs a contiguous PageID range.
type arena struct {
	base    uintptr
	basePage PageID
	pages   int
	mem     []byte
}

// PageCache is the allocator's back end: it owns every Span object,
// the page map, and the OS memory behind them.
type PageCache struct {
	mu sync.RWMutex

	buckets [MaxBucketPages + 1]SpanID // free-list heads per page count; noSpan = empty
	pageMap *PageMap

	spans    []*Span // arena of span objects; index 0 is the sentinel
	freeIDs  []SpanID

	arenas   []arena  // sorted by base address, append-only under mu
	nextHint uintptr

	metrics *observability.Metrics
}

func NewPageCache(metrics *observability.Metrics) *PageCache {
	if metrics == nil {
		metrics = observability.Global
	}
	pc := &PageCache{
		pageMap:  newPageMap(),
		spans:    make([]*Span, 1, 64), // slot 0 reserved
		nextHint: 0x0000700000000000,   // an address region unlikely to collide with anything else
		metrics:  metrics,
	}
	for i := range pc.buckets {
		pc.buckets[i] = noSpan
	}
	return pc
}

func (pc *PageCache) allocSpanSlot() *Span {
	var s *Span
	if n := len(pc.freeIDs); n > 0 {
		id := pc.freeIDs[n-1]
		pc.freeIDs = pc.freeIDs[:n-1]
		s = pc.spans[id]
		*s = Span{id: id}
	} else {
		id := SpanID(len(pc.spans))
		s = &Span{id: id}
		pc.spans = append(pc.spans, s)
	}
	return s
}

func (pc *PageCache) freeSpanSlot(s *Span) {
	pc.freeIDs = append(pc.freeIDs, s.id)
	pc.spans[s.id] = s // keep the slot addressable but logically dead
}

func (pc *PageCache) span(id SpanID) *Span {
	if id == noSpan {
		return nil
	}
	return pc.spans[id]
}

// SpanByID resolves a span index for callers that do not already hold
// pc.mu, such as the central cache walking a span it owns. The read
// lock only guards the spans slice header against concurrent growth
// in allocSpanSlot; the returned *Span's own fields are synchronized
// by whichever subsystem currently owns that span.
func (pc *PageCache) SpanByID(id SpanID) *Span {
	if id == noSpan {
		return nil
	}
	pc.mu.RLock()
	s := pc.spans[id]
	pc.mu.RUnlock()
	return s
}

// mmapAnon reserves a fresh region of n pages. It first tries a
// fixed, no-replace mapping at the running hint address (predictable,
// page-aligned virtual space, minimizing TLB pressure); on collision
// it falls back to a kernel-chosen address.
func (pc *PageCache) mmapAnon(pages int) (base uintptr, mem []byte, err error) {
	size := pages * PageSize
	hint := pc.nextHint
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE,
		^uintptr(0), 0)
	if errno != 0 {
		// Hinted, non-overlapping placement failed (commonly EEXIST) —
		// fall back to a kernel-chosen address.
		mem, mmapErr := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if mmapErr != nil {
			return 0, nil, fmt.Errorf("zmalloc: mmap %d pages: %w", pages, mmapErr)
		}
		pc.metrics.MmapCalls.Add(1)
		base = uintptr(unsafe.Pointer(&mem[0]))
		pc.nextHint = base + uintptr(size)
		return base, mem, nil
	}
	pc.metrics.MmapCalls.Add(1)
	mem = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	pc.nextHint = addr + uintptr(size)
	return addr, mem, nil
}

// growArena reserves at least `need` pages of fresh contiguous
// address space and returns the PageID the new range begins at.
func (pc *PageCache) growArena(need int) (PageID, error) {
	pages := arenaChunkPages
	if need > pages {
		pages = need
	}
	base, mem, err := pc.mmapAnon(pages)
	if err != nil {
		return 0, err
	}
	var basePage PageID
	if n := len(pc.arenas); n > 0 {
		last := pc.arenas[n-1]
		basePage = last.basePage + PageID(last.pages)
	}
	pc.arenas = append(pc.arenas, arena{base: base, basePage: basePage, pages: pages, mem: mem})
	return basePage, nil
}

// findArena returns the arena containing page, or false.
func (pc *PageCache) findArena(page PageID) (arena, bool) {
	for _, a := range pc.arenas {
		if page >= a.basePage && page < a.basePage+PageID(a.pages) {
			return a, true
		}
	}
	return arena{}, false
}

func (pc *PageCache) backingFor(a arena, startPage PageID, pages int) []byte {
	off := int(startPage-a.basePage) * PageSize
	return a.mem[off : off+pages*PageSize]
}

// AddrToPage maps a live object pointer back to its PageID, the
// mechanism the central cache uses to find an object's owning span
// without carrying span metadata alongside every pointer.
func (pc *PageCache) AddrToPage(addr unsafe.Pointer) (PageID, bool) {
	a := uintptr(addr)
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	for _, ar := range pc.arenas {
		if a >= ar.base && a < ar.base+uintptr(len(ar.mem)) {
			off := a - ar.base
			return ar.basePage + PageID(off/PageSize), true
		}
	}
	return 0, false
}

// NewSpan returns a span of at least k pages, pulling an exact-fit
// free span off a bucket, splitting a larger free span, or growing the
// arena, in that preference order.
func (pc *PageCache) NewSpan(k int) (*Span, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.newSpanLocked(k)
}

func (pc *PageCache) newSpanLocked(k int) (*Span, error) {
	if k > MaxBucketPages {
		base, mem, err := pc.mmapAnon(k)
		if err != nil {
			return nil, err
		}
		var basePage PageID
		if n := len(pc.arenas); n > 0 {
			last := pc.arenas[n-1]
			basePage = last.basePage + PageID(last.pages)
		}
		pc.arenas = append(pc.arenas, arena{base: base, basePage: basePage, pages: k, mem: mem})

		s := pc.allocSpanSlot()
		s.startPage = basePage
		s.pages = k
		s.inUse = true
		s.backing = mem
		pc.pageMap.SetRange(basePage, k, s.id, 0)
		return s, nil
	}

	if head := pc.buckets[k]; head != noSpan {
		s := pc.span(head)
		pc.bucketRemove(k, s)
		a, _ := pc.findArena(s.startPage)
		s.backing = pc.backingFor(a, s.startPage, s.pages)
		pc.pageMap.SetRange(s.startPage, s.pages, s.id, 0)
		s.inUse = true
		return s, nil
	}

	for donorPages := k + 1; donorPages <= MaxBucketPages; donorPages++ {
		head := pc.buckets[donorPages]
		if head == noSpan {
			continue
		}
		donor := pc.span(head)
		pc.bucketRemove(donorPages, donor)

		a, _ := pc.findArena(donor.startPage)

		carved := pc.allocSpanSlot()
		carved.startPage = donor.startPage
		carved.pages = k
		carved.backing = pc.backingFor(a, carved.startPage, k)
		carved.inUse = true

		donor.startPage += PageID(k)
		donor.pages -= k
		donor.backing = pc.backingFor(a, donor.startPage, donor.pages)
		donor.inUse = false

		pc.pageMap.SetRange(carved.startPage, carved.pages, carved.id, 0)
		pc.pageMap.Set(donor.startPage, donor.id, 0)
		pc.pageMap.Set(donor.startPage+PageID(donor.pages)-1, donor.id, 0)
		pc.bucketPush(donor.pages, donor)

		return carved, nil
	}

	basePage, err := pc.growArena(MaxBucketPages)
	if err != nil {
		return nil, err
	}
	a, _ := pc.findArena(basePage)
	fresh := pc.allocSpanSlot()
	fresh.startPage = basePage
	fresh.pages = MaxBucketPages
	fresh.backing = pc.backingFor(a, basePage, MaxBucketPages)
	fresh.inUse = false
	pc.pageMap.Set(fresh.startPage, fresh.id, 0)
	pc.pageMap.Set(fresh.startPage+PageID(fresh.pages)-1, fresh.id, 0)
	pc.bucketPush(MaxBucketPages, fresh)

	return pc.newSpanLocked(k)
}

// ReleaseSpan returns a span to the page cache, coalescing it with an
// adjacent free span on either side before pushing it onto its bucket.
func (pc *PageCache) ReleaseSpan(s *Span) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.releaseSpanLocked(s)
}

func (pc *PageCache) releaseSpanLocked(s *Span) {
	if s.pages > MaxBucketPages {
		unix.Munmap(s.backing)
		pc.metrics.MunmapCalls.Add(1)
		pc.pageMap.Clear(s.startPage)
		pc.freeSpanSlot(s)
		return
	}

	// Coalesce backward: does page startPage-1 belong to a free span?
	if s.startPage > 0 {
		if id, _, ok := pc.pageMap.Get(s.startPage - 1); ok {
			prev := pc.span(id)
			if prev != nil && !prev.inUse && prev.pages+s.pages <= MaxBucketPages {
				pc.bucketRemove(prev.pages, prev)
				a, _ := pc.findArena(prev.startPage)
				prev.pages += s.pages
				prev.backing = pc.backingFor(a, prev.startPage, prev.pages)
				pc.freeSpanSlot(s)
				s = prev
			}
		}
	}

	// Coalesce forward: does the page right after s belong to a free span?
	if nextPage := s.startPage + PageID(s.pages); true {
		if id, _, ok := pc.pageMap.Get(nextPage); ok {
			next := pc.span(id)
			if next != nil && !next.inUse && s.pages+next.pages <= MaxBucketPages {
				pc.bucketRemove(next.pages, next)
				a, _ := pc.findArena(s.startPage)
				s.pages += next.pages
				s.backing = pc.backingFor(a, s.startPage, s.pages)
				pc.freeSpanSlot(next)
			}
		}
	}

	s.inUse = false
	s.sizeClass = 0
	s.objSize = 0
	pc.pageMap.Set(s.startPage, s.id, 0)
	pc.pageMap.Set(s.startPage+PageID(s.pages)-1, s.id, 0)
	pc.bucketPush(s.pages, s)
}

func (pc *PageCache) bucketPush(pages int, s *Span) {
	head := pc.buckets[pages]
	s.prev = noSpan
	s.next = head
	if head != noSpan {
		pc.span(head).prev = s.id
	}
	pc.buckets[pages] = s.id
}

func (pc *PageCache) bucketRemove(pages int, s *Span) {
	if s.prev != noSpan {
		pc.span(s.prev).next = s.next
	} else {
		pc.buckets[pages] = s.next
	}
	if s.next != noSpan {
		pc.span(s.next).prev = s.prev
	}
	s.prev, s.next = noSpan, noSpan
}

// PageMapRef exposes the shared page map to the central cache.
func (pc *PageCache) PageMapRef() *PageMap { return pc.pageMap }

// SetClass stamps the size-class byte across a span's pages once it
// has been split into a free list of objects, so deallocate(ptr) can
// recover an object's class from its address alone.
func (pc *PageCache) SetClass(s *Span, class int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s.sizeClass = class
	pc.pageMap.SetRange(s.startPage, s.pages, s.id, uint8(class))
}
