package zmalloc

import "testing"

func TestPageMapSetGet(t *testing.T) {
	pm := newPageMap()

	if _, _, ok := pm.Get(42); ok {
		t.Fatalf("expected no mapping before Set")
	}

	pm.Set(42, SpanID(7), 3)
	span, class, ok := pm.Get(42)
	if !ok || span != SpanID(7) || class != 3 {
		t.Fatalf("Get(42) = (%v, %v, %v), want (7, 3, true)", span, class, ok)
	}

	// An untouched neighboring page stays unmapped.
	if _, _, ok := pm.Get(43); ok {
		t.Fatalf("expected page 43 to remain unmapped")
	}
}

func TestPageMapSetRangeAndClear(t *testing.T) {
	pm := newPageMap()
	pm.SetRange(100, 5, SpanID(9), 2)

	for p := PageID(100); p < 105; p++ {
		span, class, ok := pm.Get(p)
		if !ok || span != SpanID(9) || class != 2 {
			t.Fatalf("page %d = (%v, %v, %v), want (9, 2, true)", p, span, class, ok)
		}
	}

	pm.Clear(102)
	if _, _, ok := pm.Get(102); ok {
		t.Fatalf("expected page 102 cleared")
	}
	if _, _, ok := pm.Get(101); !ok {
		t.Fatalf("expected page 101 to still be mapped")
	}
}

func TestPageMapEntryPackingRoundTrips(t *testing.T) {
	cases := []struct {
		span  SpanID
		class uint8
	}{
		{0, 0},
		{1, 0},
		{7, 3},
		{1<<20 - 1, 255},
	}
	for _, c := range cases {
		span, class := unpackEntry(packEntry(c.span, c.class))
		if span != c.span || class != c.class {
			t.Fatalf("packEntry/unpackEntry(%v, %v) round-tripped to (%v, %v)", c.span, c.class, span, class)
		}
	}
}

func TestPageMapCrossesL1Boundary(t *testing.T) {
	pm := newPageMap()
	boundary := PageID(pmL2Size) // first page of the second L1 bucket
	pm.Set(boundary-1, SpanID(1), 0)
	pm.Set(boundary, SpanID(2), 0)

	if span, _, ok := pm.Get(boundary - 1); !ok || span != SpanID(1) {
		t.Fatalf("page before boundary: got span %v ok %v", span, ok)
	}
	if span, _, ok := pm.Get(boundary); !ok || span != SpanID(2) {
		t.Fatalf("page at boundary: got span %v ok %v", span, ok)
	}
}
