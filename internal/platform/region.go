// Package platform provides the "uncached memory" abstraction: a
// fixed-capacity, word-addressed span of memory shared between the host
// and the simulated coprocessor, accessed with explicit load/store
// ordering instead of relying on the host CPU's cache being bypassed.
//
// Go gives no portable way to map truly uncached userspace memory, so this
// package is honest about what it actually provides: page-aligned,
// anonymously-mapped memory on Linux via golang.org/x/sys/unix, with
// atomic loads/stores standing in for the hardware's uncached-store
// ordering guarantee. Non-Linux platforms fall back to a plain heap
// allocation with the same atomic access discipline.
package platform

import "sync/atomic"

// Region is a fixed-capacity, 4-byte-aligned span of 32-bit words.
type Region struct {
	words  []uint32
	closer func() error
}

// NewRegion allocates a region of the given word count.
func NewRegion(wordCount int) *Region {
	if wordCount <= 0 {
		panic("platform: region must have a positive word count")
	}
	words, closer := allocWords(wordCount)
	return &Region{words: words, closer: closer}
}

// Len returns the region's capacity in words.
func (r *Region) Len() uint32 {
	return uint32(len(r.words))
}

// Word atomically loads the word at the given offset (acquire semantics).
func (r *Region) Word(offset uint32) uint32 {
	return atomic.LoadUint32(&r.words[offset])
}

// SetWord atomically stores a word at the given offset (release semantics).
func (r *Region) SetWord(offset uint32, v uint32) {
	atomic.StoreUint32(&r.words[offset], v)
}

// Close releases the region's backing memory. Safe to call on a region
// obtained through the portable fallback allocator (a no-op there).
func (r *Region) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
