package zmalloc

// PageID identifies a page by its logical, monotonically assigned
// number within zmalloc's own reserved address space.
type PageID uint64

// SpanID is a stable index into the page cache's span arena, used in
// place of a raw pointer so spans can be referenced without pinning
// memory addresses across coalescing and reuse.
type SpanID int32

const noSpan SpanID = 0 // arena index 0 is a permanent sentinel

// Span is a contiguous run of pages, optionally split into
// same-size-class objects.
type Span struct {
	id        SpanID
	arenaIdx  int
	startPage PageID
	pages     int

	sizeClass int // 0 = raw span (no class)
	objSize   int

	free     freeList
	useCount int32
	inUse    bool

	// Doubly linked list pointers: a span is in at most one list at a
	// time (page-cache bucket, central-cache empty, or central-cache
	// non-empty).
	prev, next SpanID

	backing []byte // mmap-backed memory for this span's pages
}

func (s *Span) bytes() int { return s.pages * PageSize }
