// Package ring implements a double-buffered, lockless command queue: a
// monotone write cursor, sentinel-driven JUMP-and-switch between a pair
// of regions, and word-0-published-last atomic publication of each
// command (a release-store / acquire-load discipline).
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/riftcoprocessor/cmdq/internal/membuf"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/platform"
)

// Class identifies which priority class a ring belongs to.
type Class int

const (
	Normal Class = iota
	HighPriority
)

func (c Class) String() string {
	if c == HighPriority {
		return "highpri"
	}
	return "normal"
}

// Ring holds the two regions for one priority class and the writer-side
// cursor. The consumer-side cursor lives in the dispatch kernel, which
// reads regions through the membuf.Source interface and reports its
// progress back via AdvanceRead so the writer can detect a full ring.
type Ring struct {
	class    Class
	regions  [2]*platform.Region
	sentinel uint32

	writerMu    sync.Mutex
	writeRegion int
	writeOffset uint32
	writePos    uint64

	readPos atomic.Uint64

	wake chan struct{}
}

// New constructs a ring with two equally-sized regions.
func New(class Class, cfg Config) *Ring {
	cfg = cfg.withDefaults()
	words := cfg.wordCount()

	return &Ring{
		class: class,
		regions: [2]*platform.Region{
			platform.NewRegion(int(words)),
			platform.NewRegion(int(words)),
		},
		sentinel: words - opcode.MaxCommandWords,
		wake:     make(chan struct{}, 1),
	}
}

// Close releases both regions' backing memory.
func (r *Ring) Close() error {
	var err error
	for _, region := range r.regions {
		if cerr := region.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Region exposes one of the two regions to the dispatch kernel.
func (r *Ring) Region(i int) membuf.Source {
	return r.regions[i]
}

// RegionWords returns the word capacity of a single region.
func (r *Ring) RegionWords() uint32 {
	return r.regions[0].Len()
}

// Wake returns the channel Flush signals. The dispatch kernel selects on it
// while idle, waking up whenever the writer has new work published.
func (r *Ring) Wake() <-chan struct{} {
	return r.wake
}

// Flush pokes the wake signal if it is not already set. Always safe to
// call redundantly.
func (r *Ring) Flush() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// AdvanceRead lets the dispatch kernel report how many words it has
// consumed, including JUMP words, so the writer can tell whether it is
// safe to reuse a region.
func (r *Ring) AdvanceRead(words uint32) {
	r.readPos.Add(uint64(words))
}

// reserve finds n contiguous words for the writer, emitting a JUMP and
// switching regions first if needed, and blocking if the target region
// still holds commands the consumer has not drained. A write only ever
// suspends when the ring is genuinely full.
func (r *Ring) reserve(n uint32) (*platform.Region, uint32) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	if n > opcode.MaxCommandWords {
		panic(fmt.Sprintf("ring: command of %d words exceeds MaxCommandWords", n))
	}

	if r.writeOffset+n > r.sentinel {
		r.jumpLocked()
	}

	r.awaitSpace(n)

	region := r.regions[r.writeRegion]
	offset := r.writeOffset
	r.writeOffset += n
	r.writePos += uint64(n)
	return region, offset
}

// jumpLocked publishes a JUMP to the paired region and switches the
// writer's cursor to it. Must be called with writerMu held.
func (r *Ring) jumpLocked() {
	next := r.writeRegion ^ 1
	region := r.regions[r.writeRegion]
	offset := r.writeOffset

	r.awaitSpaceForJump()

	// Args first, word 0 last: the same publication discipline as every
	// other command.
	region.SetWord(offset+1, uint32(next))
	region.SetWord(offset, opcode.Header(opcode.OverlayInternal, opcode.Jump, 0))

	r.writePos += 2
	r.writeRegion = next
	r.writeOffset = 0
}

// awaitSpaceForJump blocks until the paired region the writer is about to
// jump to has already been fully drained by the consumer from its
// previous lap.
func (r *Ring) awaitSpaceForJump() {
	// The writer entered its current region at writePos-writeOffset, right
	// after the JUMP that left the paired region; once the reader has
	// consumed that far it has left the paired region.
	enteredAt := r.writePos - uint64(r.writeOffset)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 10,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         time.Millisecond,
	}
	for r.readPos.Load() < enteredAt {
		time.Sleep(b.NextBackOff())
	}
}

// awaitSpace blocks until the consumer has drained far enough that
// reserving n more words (after any pending jump) will not overwrite
// unread commands. With two same-sized regions, the writer may be at most
// one full region's worth of words ahead of the reader.
func (r *Ring) awaitSpace(n uint32) {
	capacity := uint64(r.RegionWords())

	check := func() bool {
		return r.writePos+uint64(n)-r.readPos.Load() <= capacity
	}
	if check() {
		return
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 10,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         time.Millisecond,
	}
	for !check() {
		time.Sleep(b.NextBackOff())
	}
}
