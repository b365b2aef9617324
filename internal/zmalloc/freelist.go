package zmalloc

import "unsafe"

// freeList is a singly linked intrusive LIFO of same-size objects: the
// first machine word of each free object stores the pointer to the
// next free object. This is the one place in the package that
// touches unsafe.Pointer arithmetic directly; everything above this
// layer passes opaque unsafe.Pointer handles around, never byte
// offsets.
type freeList struct {
	head    unsafe.Pointer
	count   int
	maxSize int
}

func (fl *freeList) push(obj unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = fl.head
	fl.head = obj
	fl.count++
}

func (fl *freeList) pop() unsafe.Pointer {
	if fl.head == nil {
		return nil
	}
	obj := fl.head
	fl.head = *(*unsafe.Pointer)(obj)
	fl.count--
	return obj
}

func (fl *freeList) empty() bool { return fl.head == nil }

func (fl *freeList) size() int { return fl.count }

// popChain detaches up to n objects as a linked chain, returning its
// head, tail and the number actually removed. Used when the thread
// cache hands a batch to the transfer cache or central cache.
//
// The tail is always nil-terminated before returning, including for a
// single-element chain: pop only reads an object's next word, it
// never clears it, so a freshly detached object's trailing word would
// otherwise still point into whatever remains of this free list.
func (fl *freeList) popChain(n int) (head, tail unsafe.Pointer, removed int) {
	for removed < n {
		obj := fl.pop()
		if obj == nil {
			break
		}
		if head == nil {
			head = obj
			tail = obj
		} else {
			setNext(tail, obj)
			tail = obj
		}
		removed++
	}
	if tail != nil {
		setNext(tail, nil)
	}
	return head, tail, removed
}

// pushChain appends an already-linked chain (head..tail, length n) in
// one O(1) splice.
func (fl *freeList) pushChain(head, tail unsafe.Pointer, n int) {
	if head == nil {
		return
	}
	setNext(tail, fl.head)
	fl.head = head
	fl.count += n
}

func setNext(obj, next unsafe.Pointer) { *(*unsafe.Pointer)(obj) = next }
func getNext(obj unsafe.Pointer) unsafe.Pointer { return *(*unsafe.Pointer)(obj) }
