package zcoroutine

import "sync"

// defaultSharedStackSize is the live region size for a worker's shared
// stack, matching the independent-stack default of 128 KiB.
const defaultSharedStackSize = 128 * 1024

// SharedStack is one worker's shared scratch region. Fibers that opt
// into shared-stack mode borrow a slice of it for the duration of a
// single resume: on resume the fiber's previously saved bytes (its
// spill buffer) are copied back in over the live region; on yield,
// the live bytes are copied out to the spill buffer so the next
// fiber resumed on this worker can reuse the same live region without
// seeing stale data.
//
// A real native-stack implementation needs this to avoid mapping one
// stack per fiber. A Go goroutine already owns a private, runtime-
// managed stack that is never shared with another goroutine, so this
// type carries no memory-safety weight here — it exists to preserve
// the spec's observable copy-in/copy-out contract (and the scratch
// buffer it hands out) for code and tests written against that
// contract, not because Go fibers would corrupt each other without it.
type SharedStack struct {
	mu   sync.Mutex
	live []byte
}

func NewSharedStack() *SharedStack {
	return &SharedStack{live: make([]byte, defaultSharedStackSize)}
}

// spillBuffer is one fiber's saved shared-stack contents.
type spillBuffer struct {
	data []byte
}

// CopyIn restores spill's saved bytes over the live region and
// returns a slice of at least size bytes of the live region the fiber
// may read and write until the matching CopyOut. The first CopyIn for
// a fiber (spill still empty) returns a zeroed buffer of size bytes.
func (s *SharedStack) CopyIn(spill *spillBuffer, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > len(s.live) {
		size = len(s.live)
	}
	for i := 0; i < size; i++ {
		s.live[i] = 0
	}
	copy(s.live, spill.data)
	if size < len(spill.data) {
		size = len(spill.data)
	}
	return s.live[:size]
}

// CopyOut saves the live region's first used bytes into spill,
// growing spill's backing array if this fiber has never used this
// many bytes before.
func (s *SharedStack) CopyOut(spill *spillBuffer, used int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if used > len(s.live) {
		used = len(s.live)
	}
	if cap(spill.data) < used {
		spill.data = make([]byte, used)
	} else {
		spill.data = spill.data[:used]
	}
	copy(spill.data, s.live[:used])
}
