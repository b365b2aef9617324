package zmalloc

import (
	"sync"
	"unsafe"
)

// centralList is one size class's span storage: spans with free
// objects live on nonEmpty, fully-used spans on empty.
type centralList struct {
	mu       sync.Mutex
	nonEmpty SpanID
	empty    SpanID
}

// CentralCache holds, per size class, the spans that still have (or
// once had) free objects, backstopped by the page cache.
type CentralCache struct {
	lists [256]centralList // indexed by class; only NumSizeClasses()+1 used
	pc    *PageCache
}

func NewCentralCache(pc *PageCache) *CentralCache {
	cc := &CentralCache{pc: pc}
	for i := range cc.lists {
		cc.lists[i].nonEmpty = noSpan
		cc.lists[i].empty = noSpan
	}
	return cc
}

func (cc *CentralCache) listFor(class int) *centralList { return &cc.lists[class] }

// FetchRange satisfies a thread cache's request for up to count
// objects of the given class, pulling from the first span with free
// objects or obtaining a fresh span from the page cache when none
// remain.
func (cc *CentralCache) FetchRange(class, count int) (head unsafe.Pointer, actual int, err error) {
	l := cc.listFor(class)
	l.mu.Lock()

	s := cc.pc.SpanByID(l.nonEmpty)
	if s == nil || s.free.empty() {
		l.mu.Unlock()
		newSpan, ferr := cc.pc.NewSpan(classSpanPages(class))
		if ferr != nil {
			return nil, 0, ferr
		}
		cc.buildFreeList(newSpan, class)
		cc.pc.SetClass(newSpan, class)

		l.mu.Lock()
		newSpan.next = l.nonEmpty
		if l.nonEmpty != noSpan {
			cc.pc.SpanByID(l.nonEmpty).prev = newSpan.id
		}
		newSpan.prev = noSpan
		l.nonEmpty = newSpan.id
		s = newSpan
	}

	var tail unsafe.Pointer
	head, tail, actual = s.free.popChain(count)
	_ = tail
	s.useCount += int32(actual)

	if s.free.empty() {
		cc.unlink(l, s)
		cc.pushEmpty(l, s)
	}

	l.mu.Unlock()
	return head, actual, nil
}

// buildFreeList splits a freshly obtained span into a chain of
// class-sized objects.
func (cc *CentralCache) buildFreeList(s *Span, class int) {
	s.sizeClass = class
	s.objSize = classObjectSize(class)
	objSize := s.objSize
	n := len(s.backing) / objSize
	for i := 0; i < n; i++ {
		obj := unsafe.Pointer(&s.backing[i*objSize])
		s.free.push(obj)
	}
}

// ReleaseRange returns a chain of n freed objects to their owning
// spans: it walks the chain, groups objects by owning span, then
// splices each group back onto its span's free list under the class
// lock, releasing any span whose use count drops to zero.
func (cc *CentralCache) ReleaseRange(class int, head unsafe.Pointer, n int) {
	l := cc.listFor(class)

	type group struct {
		span       *Span
		head, tail unsafe.Pointer
		count      int
	}
	groups := make(map[SpanID]*group, 8)
	order := make([]SpanID, 0, 8)

	obj := head
	for i := 0; i < n && obj != nil; i++ {
		next := getNext(obj)
		page, ok := cc.pc.AddrToPage(obj)
		if !ok {
			obj = next
			continue
		}
		spanID, _, ok := cc.pc.pageMap.Get(page)
		if !ok {
			obj = next
			continue
		}
		g, exists := groups[spanID]
		if !exists {
			g = &group{span: cc.pc.SpanByID(spanID)}
			groups[spanID] = g
			order = append(order, spanID)
		}
		setNext(obj, nil)
		if g.head == nil {
			g.head = obj
			g.tail = obj
		} else {
			setNext(g.tail, obj)
			g.tail = obj
		}
		g.count++
		obj = next
	}

	l.mu.Lock()
	for _, id := range order {
		g := groups[id]
		s := g.span
		wasEmpty := s.free.empty()
		s.free.pushChain(g.head, g.tail, g.count)
		s.useCount -= int32(g.count)

		if wasEmpty && !s.free.empty() {
			cc.unlink(l, s)
			cc.pushNonEmpty(l, s)
		}

		if s.useCount <= 0 {
			cc.unlink(l, s)
			l.mu.Unlock()
			cc.pc.ReleaseSpan(s)
			l.mu.Lock()
		}
	}
	l.mu.Unlock()
}

func (cc *CentralCache) unlink(l *centralList, s *Span) {
	if s.prev != noSpan {
		cc.pc.SpanByID(s.prev).next = s.next
	} else if l.nonEmpty == s.id {
		l.nonEmpty = s.next
	} else if l.empty == s.id {
		l.empty = s.next
	}
	if s.next != noSpan {
		cc.pc.SpanByID(s.next).prev = s.prev
	}
	s.prev, s.next = noSpan, noSpan
}

func (cc *CentralCache) pushEmpty(l *centralList, s *Span) {
	s.next = l.empty
	s.prev = noSpan
	if l.empty != noSpan {
		cc.pc.SpanByID(l.empty).prev = s.id
	}
	l.empty = s.id
}

func (cc *CentralCache) pushNonEmpty(l *centralList, s *Span) {
	s.next = l.nonEmpty
	s.prev = noSpan
	if l.nonEmpty != noSpan {
		cc.pc.SpanByID(l.nonEmpty).prev = s.id
	}
	l.nonEmpty = s.id
}
