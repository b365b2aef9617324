package zmalloc

import "sync/atomic"

// PageMap is a two-level radix tree from PageID to (owning span,
// size-class byte). It targets 32-bit page numbers, which comfortably
// covers the arena sizes this allocator reserves.
//
// Reads are lock-free: once a leaf is installed its pointer is
// published with a release (atomic.Pointer store) and never torn
// down, so a concurrent reader either observes nil (not-yet-mapped)
// or a fully initialized leaf. Each leaf entry is itself a single
// atomic word packing both the span id and the class byte, so a
// reader never observes one field from a Set call and the other from
// a stale or in-progress write — a plain two-field struct read next
// to a non-atomic struct write would otherwise let that happen.
const (
	pmL1Bits = 16
	pmL2Bits = 16
	pmL1Size = 1 << pmL1Bits
	pmL2Size = 1 << pmL2Bits
	pmL2Mask = pmL2Size - 1
)

// packEntry/unpackEntry pack a (SpanID, class) pair into one uint64:
// the class byte in the high bits, the span id (reinterpreted as
// unsigned) in the low 32. Span ids are always non-negative, so the
// round trip through uint32 is lossless.
func packEntry(span SpanID, class uint8) uint64 {
	return uint64(uint32(span)) | uint64(class)<<32
}

func unpackEntry(v uint64) (SpanID, uint8) {
	return SpanID(uint32(v)), uint8(v >> 32)
}

type pmLeaf [pmL2Size]atomic.Uint64

type PageMap struct {
	root [pmL1Size]atomic.Pointer[pmLeaf]
}

func newPageMap() *PageMap {
	return &PageMap{}
}

func (pm *PageMap) split(page PageID) (l1, l2 uint32) {
	return uint32(page >> pmL2Bits), uint32(page & pmL2Mask)
}

// Get is lock-free and safe to call concurrently with Set.
func (pm *PageMap) Get(page PageID) (SpanID, uint8, bool) {
	l1, l2 := pm.split(page)
	if int(l1) >= pmL1Size {
		return noSpan, 0, false
	}
	leaf := pm.root[l1].Load()
	if leaf == nil {
		return noSpan, 0, false
	}
	span, class := unpackEntry(leaf[l2].Load())
	if span == noSpan {
		return noSpan, 0, false
	}
	return span, class, true
}

// Set requires the caller to hold the page cache lock; it allocates a
// leaf lazily the first time an L1 bucket is touched.
func (pm *PageMap) Set(page PageID, span SpanID, class uint8) {
	l1, l2 := pm.split(page)
	leaf := pm.root[l1].Load()
	if leaf == nil {
		leaf = &pmLeaf{}
		pm.root[l1].Store(leaf)
	}
	leaf[l2].Store(packEntry(span, class))
}

// Clear removes a mapping (used when a span is unmapped back to the OS).
func (pm *PageMap) Clear(page PageID) {
	pm.Set(page, noSpan, 0)
}

// SetRange stamps every page of [start, start+pages) to the same span
// and class, used when a span is created, split or coalesced.
func (pm *PageMap) SetRange(start PageID, pages int, span SpanID, class uint8) {
	for i := 0; i < pages; i++ {
		pm.Set(start+PageID(i), span, class)
	}
}
