package zmalloc

import (
	"testing"
	"unsafe"
)

func newTestTransferCache() (*TransferCache, int) {
	pc := NewPageCache(nil)
	cc := NewCentralCache(pc)
	tc := NewTransferCache(cc)
	class, _, _ := classFor(64)
	return tc, class
}

func TestTransferCacheInsertThenRemove(t *testing.T) {
	tc, class := newTestTransferCache()

	var buf [4]byte
	objs := []unsafe.Pointer{unsafe.Pointer(&buf[0])}
	tc.InsertRange(class, objs)

	got := tc.TryRemoveRange(class, 1)
	if len(got) != 1 || got[0] != objs[0] {
		t.Fatalf("TryRemoveRange returned %v, want %v", got, objs)
	}
}

func TestTransferCacheTryRemoveNeverBlocksOnCentral(t *testing.T) {
	tc, class := newTestTransferCache()

	// An empty ring: TryRemoveRange must return an empty (possibly nil)
	// slice rather than reaching through to the central cache.
	got := tc.TryRemoveRange(class, 5)
	if len(got) != 0 {
		t.Fatalf("expected no objects from an empty ring, got %d", len(got))
	}
}

func TestTransferCacheRemoveRangeFallsBackToCentral(t *testing.T) {
	tc, class := newTestTransferCache()

	got := tc.RemoveRange(class, 3)
	if len(got) != 3 {
		t.Fatalf("RemoveRange fell back to central cache but returned %d objects, want 3", len(got))
	}
	for _, p := range got {
		if p == nil {
			t.Fatalf("RemoveRange returned a nil object pointer")
		}
	}
}

func TestTransferCacheSpillsWhenFull(t *testing.T) {
	tc, class := newTestTransferCache()

	bufs := make([][]byte, transferCacheCap)
	objs := make([]unsafe.Pointer, transferCacheCap)
	for i := range bufs {
		bufs[i] = make([]byte, 8)
		objs[i] = unsafe.Pointer(&bufs[i][0])
	}
	tc.InsertRange(class, objs)

	extraBuf := make([]byte, 8)
	// Inserting one more than capacity must spill roughly half the
	// ring to the central cache rather than dropping anything or
	// panicking.
	tc.InsertRange(class, []unsafe.Pointer{unsafe.Pointer(&extraBuf[0])})

	if n := tc.slots[class].len(); n <= 0 || n > transferCacheCap {
		t.Fatalf("ring size %d out of bounds after spill", n)
	}
}
