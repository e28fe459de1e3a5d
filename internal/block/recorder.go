package block

import (
	"sync"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/raster"
)

const (
	minChunkWords = 128
	maxChunkWords = 4096
)

// pendingDispatch tracks a not-yet-written RDP_DISPATCH covering the
// raster chunk's still-open range [start, end). Deferring its emission
// until the range closes (a non-adjacent write, or End) is how the
// recorder "rewrites the prior dispatch's end pointer instead of
// emitting a second dispatch" (§4.6): there is nothing to rewrite
// because nothing has been written yet.
type pendingDispatch struct {
	start, end uint32
}

// Recorder implements cmdsink.Sink against a growable recording buffer
// instead of a live ring. Exactly one recording may be in progress at a
// time; nested block_begin calls are rejected.
type Recorder struct {
	mu      sync.Mutex
	active  bool
	chunks  []*chunk
	offset  uint32
	curSize uint32
	raster  *raster.StaticChunk
	pending *pendingDispatch
}

// NewRecorder constructs an idle recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Active reports whether a recording is currently in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Begin switches subsequent writes to a new recording buffer.
func (r *Recorder) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		panic("block: nested block recording is not allowed (block_begin called while one is already open)")
	}
	r.active = true
	r.curSize = minChunkWords
	r.chunks = []*chunk{newChunk(r.curSize)}
	r.offset = 0
	r.raster = raster.NewStaticChunk()
	r.pending = nil
}

// End seals the recording and returns an immutable handle.
func (r *Recorder) End() *Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		panic("block: block_end called with no recording in progress")
	}
	r.flushDispatchLocked()

	// commitLocked always leaves at least 2 words of headroom in the
	// current chunk, so the RET below never needs to grow.
	cur := r.chunks[len(r.chunks)-1]
	cur.words[r.offset] = opcode.Header(opcode.OverlayInternal, opcode.Ret, 0)
	r.offset++
	cur.words = cur.words[:r.offset]

	b := &Block{chunks: r.chunks, raster: r.raster}

	r.active = false
	r.chunks = nil
	r.raster = nil
	r.offset = 0
	r.pending = nil
	return b
}

// Write queues a single command into the recording.
func (r *Recorder) Write(overlayID, cmdIndex uint8, args ...uint32) {
	r.commit(overlayID, cmdIndex, args)
}

// WriteBegin opens a cursor for a multi-word command within the
// recording.
func (r *Recorder) WriteBegin(overlayID, cmdIndex uint8, totalWords uint32) *cmdsink.Cursor {
	return cmdsink.NewCursor(overlayID, cmdIndex, totalWords, r.commit)
}

// Flush is silently suppressed while recording: the consumer will not
// see these writes until a future block_run.
func (r *Recorder) Flush() {}

// EmitRasterStatic is the recording-time "static path" (§4.6): it writes
// already-fully-known rasterizer words into the block's sibling raster
// buffer and schedules (or coalesces into) the RDP_DISPATCH command that
// will hand them to the rasterizer once the block runs.
func (r *Recorder) EmitRasterStatic(words []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		panic("block: EmitRasterStatic called with no recording in progress")
	}
	start, end, isNew := r.raster.Append(words)
	r.openOrExtendDispatchLocked(start, end, isNew)
}

// ReserveFixup reserves nWords of placeholder space in the block's
// raster buffer for a command whose real encoding depends on context
// only known once the block actually runs (current cycle mode, current
// framebuffer bit depth), and records a FIXUP command naming kind and
// the reservation so the dispatch kernel can resolve and patch it on
// every run via raster.ResolveFixup. The covering RDP_DISPATCH is always
// emitted after every FIXUP that targets its range, never before,
// because dispatch emission is deferred until the range closes.
func (r *Recorder) ReserveFixup(kind uint8, nWords uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		panic("block: ReserveFixup called with no recording in progress")
	}
	start, end, isNew := r.raster.Append(make([]uint32, nWords))
	r.openOrExtendDispatchLocked(start, end, isNew)
	r.commitLocked(opcode.OverlayInternal, opcode.Fixup, []uint32{start, nWords, uint32(kind)})
	return start
}

func (r *Recorder) openOrExtendDispatchLocked(start, end uint32, isNew bool) {
	if isNew {
		r.flushDispatchLocked()
		r.pending = &pendingDispatch{start: start, end: end}
		return
	}
	r.pending.end = end
}

// flushDispatchLocked commits the deferred RDP_DISPATCH for the
// currently open range, if any. Coalescing is not attempted across
// chunk boundaries; a command never straddles chunks (commitLocked
// guarantees this), so the dispatch always names one contiguous span of
// the raster buffer regardless of which command chunk it lands in.
func (r *Recorder) flushDispatchLocked() {
	if r.pending == nil {
		return
	}
	p := r.pending
	r.pending = nil
	r.commitLocked(opcode.OverlayInternal, opcode.RdpDispatch, []uint32{p.end, p.start, raster.BlockBufIndex})
}

func (r *Recorder) commit(overlayID, cmdIndex uint8, args []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		panic("block: write issued to the recorder with no recording in progress")
	}
	r.commitLocked(overlayID, cmdIndex, args)
}

// commitLocked writes one command and returns where it landed, so
// callers that need to track a specific argument word (none currently
// do, since dispatch coalescing is modeled by deferral instead of
// rewriting) could locate it.
func (r *Recorder) commitLocked(overlayID, cmdIndex uint8, args []uint32) (chunkIdx int, offset uint32) {
	n := uint32(len(args)) + 1
	cur := r.chunks[len(r.chunks)-1]
	if r.offset+n+2 > uint32(len(cur.words)) {
		r.growLocked()
		cur = r.chunks[len(r.chunks)-1]
	}

	offset = r.offset
	for i, a := range args {
		cur.words[offset+1+uint32(i)] = a
	}
	cur.words[offset] = opcode.Header(overlayID, cmdIndex, 0)
	r.offset += n
	return len(r.chunks) - 1, offset
}

// growLocked seals the current chunk with a JUMP to a fresh one, whose
// capacity doubles up to maxChunkWords.
func (r *Recorder) growLocked() {
	cur := r.chunks[len(r.chunks)-1]
	nextIdx := uint32(len(r.chunks))

	cur.words[r.offset] = opcode.Header(opcode.OverlayInternal, opcode.Jump, 0)
	cur.words[r.offset+1] = nextIdx
	cur.words = cur.words[:r.offset+2]

	r.curSize = min(r.curSize*2, maxChunkWords)
	r.chunks = append(r.chunks, newChunk(r.curSize))
	r.offset = 0
}

func newChunk(size uint32) *chunk {
	return &chunk{words: make([]uint32, size)}
}
