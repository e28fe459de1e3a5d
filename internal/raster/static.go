package raster

import "sync"

// BlockBufIndex is the reserved "buffer index" a block-recorded
// RDP_DISPATCH command uses in place of a live Feeder buffer slot,
// telling the dispatch kernel to read the range out of the currently
// executing block's own sibling raster buffer instead (§4.3, §4.6).
const BlockBufIndex = 2

// StaticChunk accumulates rasterizer words for one block's sibling
// rasterizer-command list (§4.6's "host-side equivalent for block
// recording"). Unlike the live Feeder, it is plain host memory — a
// block is a host-authored, immutable object — and its job is purely
// the coalescing bookkeeping: adjacent dispatches collapse into one.
type StaticChunk struct {
	words []uint32

	haveDispatch  bool
	dispatchStart uint32
	dispatchEnd   uint32
}

// NewStaticChunk returns an empty chunk.
func NewStaticChunk() *StaticChunk {
	return &StaticChunk{}
}

// Words returns the accumulated rasterizer words.
func (c *StaticChunk) Words() []uint32 {
	return c.words
}

// Append writes words to the chunk and reports the dispatch range that
// should be (re)scheduled in the owning block's command stream:
// isNewDispatch is false when this call merely extended the previous
// dispatch in place
// (the caller must not emit a second RDP_DISPATCH for it).
func (c *StaticChunk) Append(words []uint32) (start, end uint32, isNewDispatch bool) {
	start = uint32(len(c.words))
	c.words = append(c.words, words...)
	end = uint32(len(c.words))

	if c.haveDispatch && c.dispatchEnd == start {
		c.dispatchEnd = end
		return c.dispatchStart, c.dispatchEnd, false
	}

	c.haveDispatch = true
	c.dispatchStart, c.dispatchEnd = start, end
	return start, end, true
}

// Patch overwrites a previously reserved fixup's placeholder words with
// a real rasterizer encoding, computed once runtime context is known. It
// does not change the chunk's length or dispatch-range bookkeeping.
func (c *StaticChunk) Patch(offset uint32, words []uint32) {
	copy(c.words[offset:offset+uint32(len(words))], words)
}

// FixupContext is the runtime-tracked rasterizer state a fixup handler
// may consult to compute its real encoding: the two pieces of context
// spec.md §4.6 names explicitly (current cycle mode, current
// framebuffer bit depth).
type FixupContext struct {
	Cycle  uint8
	Format uint8
}

// FixupHandler computes a fixup's real rasterizer words from runtime
// context. The returned slice's length must equal the word count
// reserved for it at record time.
type FixupHandler func(ctx FixupContext) []uint32

var (
	fixupMu       sync.Mutex
	fixupHandlers = map[uint8]FixupHandler{}
)

// RegisterFixup installs the handler for fixup kind. Overlays register
// their fixup kinds once, typically at package init or engine
// construction, mirroring the overlay assertion-handler table's
// registration idiom.
func RegisterFixup(kind uint8, h FixupHandler) {
	fixupMu.Lock()
	defer fixupMu.Unlock()
	fixupHandlers[kind] = h
}

// ResolveFixup looks up and invokes kind's handler. ok is false if no
// handler was ever registered for kind.
func ResolveFixup(kind uint8, ctx FixupContext) (words []uint32, ok bool) {
	fixupMu.Lock()
	h := fixupHandlers[kind]
	fixupMu.Unlock()
	if h == nil {
		return nil, false
	}
	return h(ctx), true
}
