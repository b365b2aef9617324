package zcoroutine

import "testing"

func TestStealableBitmapSetClearTest(t *testing.T) {
	b := NewStealableBitmap(4)
	for i := 0; i < 4; i++ {
		if b.Test(i) {
			t.Fatalf("bit %d should start clear", i)
		}
	}
	b.Set(2)
	if !b.Test(2) {
		t.Fatal("bit 2 should be set")
	}
	if b.Test(1) || b.Test(3) {
		t.Fatal("setting bit 2 should not affect sibling bits")
	}
	b.Clear(2)
	if b.Test(2) {
		t.Fatal("bit 2 should be clear after Clear")
	}
}

func TestStealableBitmapAny(t *testing.T) {
	b := NewStealableBitmap(3)
	if b.Any() {
		t.Fatal("fresh bitmap should report no stealable workers")
	}
	b.Set(1)
	if !b.Any() {
		t.Fatal("Any should report true once a bit is set")
	}
}

func TestStealableBitmapFindVictimExcludesSelf(t *testing.T) {
	b := NewStealableBitmap(3)
	b.Set(0)
	b.Set(1)
	b.Set(2)
	for trial := 0; trial < 10; trial++ {
		v := b.FindVictim(1)
		if v == 1 {
			t.Fatal("FindVictim must never return the caller's own id")
		}
		if v != 0 && v != 2 {
			t.Fatalf("unexpected victim %d", v)
		}
	}
}

func TestStealableBitmapFindVictimNoneSet(t *testing.T) {
	b := NewStealableBitmap(3)
	if v := b.FindVictim(0); v != -1 {
		t.Fatalf("expected -1 with no bits set, got %d", v)
	}
}

func TestStealableBitmapFindVictimSingleWorker(t *testing.T) {
	b := NewStealableBitmap(1)
	b.Set(0)
	if v := b.FindVictim(0); v != -1 {
		t.Fatalf("a single-worker bitmap has no valid victim, got %d", v)
	}
}

func TestStealableBitmapFindNonStealable(t *testing.T) {
	b := NewStealableBitmap(4)
	b.Set(0)
	b.Set(1)
	idx := b.FindNonStealable(0)
	if idx != 2 && idx != 3 {
		t.Fatalf("expected worker 2 or 3 to be non-stealable, got %d", idx)
	}
	b.Set(2)
	b.Set(3)
	if idx := b.FindNonStealable(0); idx != -1 {
		t.Fatalf("expected -1 when every worker is stealable, got %d", idx)
	}
}

func TestStealableBitmapFindNonStealableWrapsStart(t *testing.T) {
	b := NewStealableBitmap(3)
	b.Set(0)
	b.Set(1)
	if idx := b.FindNonStealable(5); idx != 2 {
		t.Fatalf("expected start to wrap modulo worker count, got %d", idx)
	}
}
