// Package raster implements the engine's rasterizer feeder: the
// double-buffered DRAM-like word store that collects rasterizer-bound
// commands emitted by overlays, and the dispatch-range bookkeeping
// (coalescing, discontiguity tracking) shared by the live kernel path
// and the block recorder's host-side static path.
package raster

import (
	"fmt"
	"sync"

	"github.com/riftcoprocessor/cmdq/internal/platform"
)

// DefaultBufferWords is the default capacity, in words, of each of the
// feeder's two ping-pong buffers.
const DefaultBufferWords = 4096

// Feeder is the coprocessor-resident collector for rasterizer words. It
// is not itself a consumer of those words — Commit reports a dispatch
// range and a discontiguity flag, and the caller (the simulated
// dispatch kernel) is responsible for handing the range to an
// rdp.Rasterizer.
type Feeder struct {
	mu sync.Mutex

	buffers [2]*platform.Region
	active  int
	offset  uint32

	lastBuf    int
	lastEnd    uint32
	haveLast   bool
}

// New constructs a feeder with two buffers of wordsPerBuffer words each.
func New(wordsPerBuffer uint32) *Feeder {
	if wordsPerBuffer == 0 {
		wordsPerBuffer = DefaultBufferWords
	}
	return &Feeder{
		buffers: [2]*platform.Region{
			platform.NewRegion(int(wordsPerBuffer)),
			platform.NewRegion(int(wordsPerBuffer)),
		},
	}
}

// Close releases both buffers.
func (f *Feeder) Close() error {
	var err error
	for _, b := range f.buffers {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Reserve finds n contiguous words in the active buffer, switching to
// the other buffer first if the active one lacks room. It returns which
// buffer the words landed in and their [start,end) word offsets within
// it; the caller writes the actual rasterizer words via Buffer.
func (f *Feeder) Reserve(n uint32) (buf int, start, end uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > f.buffers[0].Len() {
		panic(fmt.Sprintf("raster: reservation of %d words exceeds buffer capacity %d", n, f.buffers[0].Len()))
	}
	if f.offset+n > f.buffers[f.active].Len() {
		f.active ^= 1
		f.offset = 0
	}
	start = f.offset
	f.offset += n
	return f.active, start, f.offset
}

// Buffer exposes a reserved buffer's backing region so the caller can
// write the actual rasterizer words.
func (f *Feeder) Buffer(buf int) *platform.Region {
	return f.buffers[buf]
}

// Commit reports the dispatch range [start,end) in buf as queued to the
// rasterizer. It returns whether this range is contiguous with the
// immediately preceding dispatch (same buffer, start == previous end);
// the kernel writes a status bit when it is not.
func (f *Feeder) Commit(buf int, start, end uint32) (contiguous bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	contiguous = f.haveLast && f.lastBuf == buf && f.lastEnd == start
	f.lastBuf, f.lastEnd, f.haveLast = buf, end, true
	return contiguous
}
