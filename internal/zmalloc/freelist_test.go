package zmalloc

import (
	"testing"
	"unsafe"
)

// TestFreeListPopChainNilTerminatesSingleElement guards against the
// regression where a one-element chain's trailing word was left
// pointing at whatever remained of the source free list: pop() only
// reads an object's next word, it never clears it.
func TestFreeListPopChainNilTerminatesSingleElement(t *testing.T) {
	var fl freeList
	var bufA, bufB [8]byte
	a := unsafe.Pointer(&bufA[0])
	b := unsafe.Pointer(&bufB[0])

	fl.push(b)
	fl.push(a) // a is now head, a.next == b

	head, tail, removed := fl.popChain(1)
	if removed != 1 || head != a || tail != a {
		t.Fatalf("popChain(1) = (%v, %v, %d), want (a, a, 1)", head, tail, removed)
	}
	if next := getNext(tail); next != nil {
		t.Fatalf("expected tail's next word nil-terminated, got %v", next)
	}
	if fl.size() != 1 {
		t.Fatalf("expected one object (b) left in the source list, got %d", fl.size())
	}
}

func TestFreeListPopChainNilTerminatesMultiElement(t *testing.T) {
	var fl freeList
	var bufs [3][8]byte
	for i := range bufs {
		fl.push(unsafe.Pointer(&bufs[i][0]))
	}

	head, tail, removed := fl.popChain(3)
	if removed != 3 {
		t.Fatalf("expected to remove 3, got %d", removed)
	}
	if next := getNext(tail); next != nil {
		t.Fatalf("expected tail's next word nil-terminated, got %v", next)
	}

	count := 0
	obj := head
	for obj != nil {
		obj = getNext(obj)
		count++
	}
	if count != removed {
		t.Fatalf("walking the chain to nil visited %d objects, want %d", count, removed)
	}
}

func TestFreeListPopChainStopsAtSourceExhaustion(t *testing.T) {
	var fl freeList
	var buf [8]byte
	fl.push(unsafe.Pointer(&buf[0]))

	_, _, removed := fl.popChain(5)
	if removed != 1 {
		t.Fatalf("expected popChain to stop at 1 when the list only has 1, got %d", removed)
	}
	if !fl.empty() {
		t.Fatalf("expected source list empty after draining it")
	}
}
