// Package zmalloc is a thread-caching page allocator: thread cache ->
// transfer cache -> central cache, backed by a page heap with span
// coalescing, a radix page map, and this size-class table.
package zmalloc

const (
	// PageShift/PageSize fix the allocator to 4KiB anonymous,
	// page-aligned mappings.
	PageShift = 12
	PageSize  = 1 << PageShift // 4096

	// MaxSmallSize is the largest size served by the thread-cache
	// tiers; anything bigger bypasses straight to the page cache.
	MaxSmallSize = 256 * 1024

	// MaxBucketPages bounds page-cache buckets and coalescing.
	MaxBucketPages = 128

	minAlign = 8
)

// sizeClass is one row of the size-class table: an aligned object
// size, how many objects a thread cache asks for per batch transfer,
// and how many pages back a span of this class.
type sizeClass struct {
	size      int // aligned object size in bytes
	batch     int // transfer batch count, clamped to [2,128]
	spanPages int // pages per span for this class
}

var (
	classes []sizeClass // index 0 is reserved (no class / raw allocation)

	// classIndexTable is the hot-path lookup: index by
	// ceil(bytes/8), value is the owning class index into `classes`.
	classIndexTable []uint16
)

func init() {
	buildSizeClasses()
}

// alignmentFor returns the alignment bracket for a requested size:
// ≤128B -> 8B, ≤1KiB -> 16B, ≤8KiB -> 128B, ≤64KiB -> 1KiB, else 8KiB.
func alignmentFor(size int) int {
	switch {
	case size <= 128:
		return 8
	case size <= 1024:
		return 16
	case size <= 8*1024:
		return 128
	case size <= 64*1024:
		return 1024
	default:
		return 8 * 1024
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// buildSizeClasses constructs the full size-class table once at
// process start, spanning minAlign bytes up to MaxSmallSize.
func buildSizeClasses() {
	classes = append(classes, sizeClass{}) // class 0 = invalid/raw sentinel

	size := minAlign
	for size <= MaxSmallSize {
		align := alignmentFor(size)
		size = alignUp(size, align)

		batch := (4 * 1024) / size
		if batch < 2 {
			batch = 2
		}
		if batch > 128 {
			batch = 128
		}

		spanPages := (batch*size + PageSize - 1) / PageSize
		if spanPages < 1 {
			spanPages = 1
		}

		classes = append(classes, sizeClass{size: size, batch: batch, spanPages: spanPages})

		next := size + align
		if next <= size { // overflow guard, unreachable in practice
			break
		}
		size = next
	}

	classIndexTable = make([]uint16, MaxSmallSize/8+1)
	ci := 1
	for bucket := range classIndexTable {
		bytes := bucket * 8
		for ci < len(classes)-1 && classes[ci].size < bytes {
			ci++
		}
		classIndexTable[bucket] = uint16(ci)
	}
}

// classFor returns the size-class index and aligned size for a byte
// request. It returns (0, 0, false) for requests above MaxSmallSize,
// signaling "large object, go straight to the page cache".
func classFor(n int) (index int, aligned int, ok bool) {
	if n <= 0 {
		return 1, classes[1].size, true // smallest class; see allocate(0) boundary decision
	}
	if n > MaxSmallSize {
		return 0, 0, false
	}
	bucket := (n + 7) / 8
	idx := int(classIndexTable[bucket])
	return idx, classes[idx].size, true
}

// NumSizeClasses is the number of real (non-sentinel) classes.
func NumSizeClasses() int { return len(classes) - 1 }

func classBatch(index int) int      { return classes[index].batch }
func classSpanPages(index int) int  { return classes[index].spanPages }
func classObjectSize(index int) int { return classes[index].size }
