// Package block implements the engine's prerecorded command sequences:
// an immutable, replayable chunk list produced by a Recorder and
// invoked elsewhere in a stream via a CALL opcode.
package block

import (
	"fmt"
	"sync"

	"github.com/riftcoprocessor/cmdq/internal/raster"
)

// chunk is one node of a block's chunk list. Its last word is always
// either a JUMP (to the next chunk) or a RET (end of block), written by
// the Recorder when the chunk is sealed.
type chunk struct {
	words []uint32
}

// Word returns the word at offset, satisfying membuf.Source.
func (c *chunk) Word(offset uint32) uint32 { return c.words[offset] }

// Len returns the chunk's word count, satisfying membuf.Source.
func (c *chunk) Len() uint32 { return uint32(len(c.words)) }

// Block is a sealed, immutable recording. It is safe for concurrent use
// by any number of callers (CALL sites) because nothing about replaying
// it mutates shared state, with one deliberate exception: fixup
// placeholders in its sibling raster buffer are patched in place on
// every run by PatchRaster, since a fixup's real encoding can change
// run to run as tracked rasterizer context changes.
type Block struct {
	chunks []*chunk
	raster *raster.StaticChunk
	id     uint32
}

// ChunkCount reports how many chunks this block's linked list holds.
func (b *Block) ChunkCount() int { return len(b.chunks) }

// Chunk returns chunk i's words. The dispatch kernel resolves a
// block-internal JUMP's word1 as an index into this list.
func (b *Block) Chunk(i int) *chunk { return b.chunks[i] }

// HasRaster reports whether this block captured any rasterizer-bound
// commands via the host-side static path.
func (b *Block) HasRaster() bool {
	return b.raster != nil && len(b.raster.Words()) > 0
}

// RasterWords returns the block's sibling rasterizer-command buffer
// (§4.6), or nil if it recorded none.
func (b *Block) RasterWords() []uint32 {
	if b.raster == nil {
		return nil
	}
	return b.raster.Words()
}

// PatchRaster overwrites a reserved fixup placeholder in the block's
// sibling raster buffer with its real, runtime-computed encoding. Called
// by the dispatch kernel each time it executes a FIXUP command that
// targets this block.
func (b *Block) PatchRaster(offset uint32, words []uint32) {
	b.raster.Patch(offset, words)
}

// ID reports the block's registry-assigned identifier, for encoding into
// a CALL command's word1. Zero until the block has been put into a
// Registry at least once.
func (b *Block) ID() uint32 { return b.id }

// Registry hands out the small integer IDs a CALL opcode encodes to
// reference a block, mirroring the overlay registry's table-of-handles
// shape (first-fit is unnecessary here; IDs are simply monotone).
type Registry struct {
	mu     sync.Mutex
	next   uint32
	blocks map[uint32]*Block
}

// NewRegistry constructs an empty block registry.
func NewRegistry() *Registry {
	return &Registry{blocks: make(map[uint32]*Block)}
}

// Put assigns b an ID the first time it is seen (idempotent for a block
// already in the registry, so repeated BlockRun calls on the same block
// do not churn IDs) and returns it.
func (r *Registry) Put(b *Block) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.id != 0 {
		return b.id
	}
	r.next++
	b.id = r.next
	r.blocks[b.id] = b
	return b.id
}

// Get resolves a CALL command's word1 back to the block it names. ok is
// false for an unknown or already-freed ID — a host precondition
// violation (running a freed block) or memory corruption, either fatal.
func (r *Registry) Get(id uint32) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	return b, ok
}

// Free removes b from the registry. The caller is responsible for
// ensuring (per spec.md §3's block-graph invariant) that no queue which
// may still execute b, directly or via another block's CALL, has failed
// to drain first.
func (r *Registry) Free(b *Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[b.id]; !ok {
		return fmt.Errorf("block: id %d is not registered (already freed?)", b.id)
	}
	delete(r.blocks, b.id)
	return nil
}
