package zmalloc

import "testing"

func TestPageCacheNewSpanCarvesFromGrownArena(t *testing.T) {
	pc := NewPageCache(nil)

	s1, err := pc.NewSpan(4)
	if err != nil {
		t.Fatalf("NewSpan(4): %v", err)
	}
	if s1.pages != 4 {
		t.Fatalf("s1.pages = %d, want 4", s1.pages)
	}
	if len(s1.backing) != 4*PageSize {
		t.Fatalf("s1.backing len = %d, want %d", len(s1.backing), 4*PageSize)
	}
	if len(pc.arenas) != 1 {
		t.Fatalf("expected exactly one arena grown, got %d", len(pc.arenas))
	}

	s2, err := pc.NewSpan(4)
	if err != nil {
		t.Fatalf("NewSpan(4) second call: %v", err)
	}
	if len(pc.arenas) != 1 {
		t.Fatalf("second span should carve from the same arena, got %d arenas", len(pc.arenas))
	}
	if s2.startPage != s1.startPage+PageID(s1.pages) {
		t.Fatalf("s2 not adjacent to s1: s1=[%d,+%d) s2 starts at %d", s1.startPage, s1.pages, s2.startPage)
	}
}

func TestPageCacheReleaseCoalescesAdjacentSpans(t *testing.T) {
	pc := NewPageCache(nil)

	s1, err := pc.NewSpan(4)
	if err != nil {
		t.Fatalf("NewSpan(4): %v", err)
	}
	s2, err := pc.NewSpan(4)
	if err != nil {
		t.Fatalf("NewSpan(4): %v", err)
	}
	if s2.startPage != s1.startPage+4 {
		t.Fatalf("precondition failed: spans not adjacent")
	}
	base := s1.startPage
	arenasBefore := len(pc.arenas)

	pc.ReleaseSpan(s2)
	pc.ReleaseSpan(s1)

	merged, err := pc.NewSpan(8)
	if err != nil {
		t.Fatalf("NewSpan(8) after release: %v", err)
	}
	if len(pc.arenas) != arenasBefore {
		t.Fatalf("coalesced reuse should not grow a new arena, arenas went from %d to %d", arenasBefore, len(pc.arenas))
	}
	if merged.pages != 8 {
		t.Fatalf("merged.pages = %d, want 8", merged.pages)
	}
	if merged.startPage != base {
		t.Fatalf("merged.startPage = %d, want %d (coalesced span should reuse the released range)", merged.startPage, base)
	}
}

func TestPageCacheAddrToPageRoundTrip(t *testing.T) {
	pc := NewPageCache(nil)
	s, err := pc.NewSpan(2)
	if err != nil {
		t.Fatalf("NewSpan(2): %v", err)
	}
	addr := &s.backing[PageSize+10] // an address inside the second page
	page, ok := pc.AddrToPage(addr)
	if !ok {
		t.Fatalf("AddrToPage failed to resolve a live span address")
	}
	if page != s.startPage+1 {
		t.Fatalf("AddrToPage = %d, want %d", page, s.startPage+1)
	}
}

func TestPageCacheLargeSpanBypassesBuckets(t *testing.T) {
	pc := NewPageCache(nil)
	s, err := pc.NewSpan(MaxBucketPages + 1)
	if err != nil {
		t.Fatalf("NewSpan(large): %v", err)
	}
	if s.pages != MaxBucketPages+1 {
		t.Fatalf("s.pages = %d, want %d", s.pages, MaxBucketPages+1)
	}
	pc.ReleaseSpan(s) // exercises the munmap path; must not panic
}
