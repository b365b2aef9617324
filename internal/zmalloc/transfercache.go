package zmalloc

import (
	"sync"
	"unsafe"
)

// transferCacheCap is the number of object pointers each per-class
// ring buffer can hold. It sits between a thread cache's fast-path
// free list and the central cache, absorbing bursts of allocation and
// deallocation so a thread cache under steady load rarely needs to
// take the central cache's per-class lock at all.
const transferCacheCap = 2048

// transferSlot is one per-class ring buffer of free object pointers,
// guarded by a plain mutex: contention here is expected to be rare
// since entries move in and out in batches.
type transferSlot struct {
	mu   sync.Mutex
	ring [transferCacheCap]unsafe.Pointer
	head int // next read position
	size int
}

func (t *transferSlot) len() int { return t.size }

func (t *transferSlot) pushLocked(objs []unsafe.Pointer) bool {
	if len(objs) > transferCacheCap-t.size {
		return false
	}
	tail := (t.head + t.size) % transferCacheCap
	for _, o := range objs {
		t.ring[tail] = o
		tail = (tail + 1) % transferCacheCap
	}
	t.size += len(objs)
	return true
}

func (t *transferSlot) popLocked(n int) []unsafe.Pointer {
	if n > t.size {
		n = t.size
	}
	out := make([]unsafe.Pointer, n)
	for i := 0; i < n; i++ {
		out[i] = t.ring[t.head]
		t.head = (t.head + 1) % transferCacheCap
	}
	t.size -= n
	return out
}

// TransferCache buffers free objects per size class between the
// thread caches and the central cache, trading a fixed-capacity ring
// buffer for fewer trips through the central cache's class lock and
// the page cache behind it.
type TransferCache struct {
	slots [256]transferSlot
	cc    *CentralCache
}

func NewTransferCache(cc *CentralCache) *TransferCache {
	return &TransferCache{cc: cc}
}

// InsertRange returns a batch of freed objects to the transfer cache.
// It tries the non-blocking ring-only path first (TryInsertRange) and
// only spills the oldest half of the ring to the central cache — or,
// failing that, hands the whole batch to the central cache — when the
// ring alone could not take the batch.
func (tc *TransferCache) InsertRange(class int, objs []unsafe.Pointer) {
	if len(objs) == 0 {
		return
	}
	if tc.TryInsertRange(class, objs) {
		return
	}
	s := &tc.slots[class]
	s.mu.Lock()
	spill := s.popLocked(s.size / 2)
	ok := s.pushLocked(objs)
	s.mu.Unlock()
	tc.releaseToCentral(class, spill)
	if !ok {
		// Still doesn't fit (a single request larger than capacity);
		// hand the whole batch straight to the central cache.
		tc.releaseToCentral(class, objs)
	}
}

// TryInsertRange is the ring-only half of InsertRange's two-step
// protocol: it takes the slot's lock just long enough to attempt the
// push and declines (without touching the central cache) if the slot
// cannot take the whole batch. A contended lock also counts as
// declining, since the whole point of "try" is to never block the
// caller on another goroutine's central-cache round trip.
func (tc *TransferCache) TryInsertRange(class int, objs []unsafe.Pointer) bool {
	s := &tc.slots[class]
	if !s.mu.TryLock() {
		return false
	}
	ok := s.pushLocked(objs)
	s.mu.Unlock()
	return ok
}

// RemoveRange takes up to n objects for a size class. It tries the
// ring-only path first (TryRemoveRange) and falls back to the central
// cache (which may in turn grow a new span from the page cache) for
// whatever the ring could not supply.
func (tc *TransferCache) RemoveRange(class, n int) []unsafe.Pointer {
	out := tc.TryRemoveRange(class, n)
	if len(out) >= n {
		return out
	}

	need := n - len(out)
	head, actual, err := tc.cc.FetchRange(class, need)
	if err != nil || actual == 0 {
		return out
	}
	obj := head
	for i := 0; i < actual && obj != nil; i++ {
		next := getNext(obj)
		out = append(out, obj)
		obj = next
	}
	return out
}

// TryRemoveRange is the ring-only half of RemoveRange's two-step
// protocol: it never reaches through to the central cache, and a
// contended slot lock makes it return an empty (or short) result
// rather than block, so it genuinely cannot stall on the central
// cache's lock or a page-cache mmap call.
func (tc *TransferCache) TryRemoveRange(class, n int) []unsafe.Pointer {
	s := &tc.slots[class]
	if !s.mu.TryLock() {
		return nil
	}
	out := s.popLocked(n)
	s.mu.Unlock()
	return out
}

func (tc *TransferCache) releaseToCentral(class int, objs []unsafe.Pointer) {
	if len(objs) == 0 {
		return
	}
	for i := 0; i < len(objs)-1; i++ {
		setNext(objs[i], objs[i+1])
	}
	setNext(objs[len(objs)-1], nil)
	tc.cc.ReleaseRange(class, objs[0], len(objs))
}
