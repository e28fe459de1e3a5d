// Package kernel implements the simulated dispatch kernel: the consumer
// side of the ring buffer and block-recorded command streams. There is
// no real coprocessor behind this engine, so Kernel plays both roles
// spec.md's Design Notes separate for a hardware target ("the dispatch
// kernel" and "a FakeKernel stub for tests") — it is the single, pure-Go
// implementation of the opcode contract described in spec.md §4.1/§6,
// and that is what both production code and tests drive.
package kernel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/riftcoprocessor/cmdq/common/xerror"
	"github.com/riftcoprocessor/cmdq/internal/block"
	"github.com/riftcoprocessor/cmdq/internal/membuf"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/overlay"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
	"github.com/riftcoprocessor/cmdq/internal/ring"
	"github.com/riftcoprocessor/cmdq/internal/syncpoint"
)

// statusDiscontiguous is the kernel status bit the host can poll (via a
// future status-register surface) to learn that the most recent
// rasterizer dispatch did not extend the previous one contiguously.
const statusDiscontiguous uint32 = 1 << 0

// AssertionDecoder renders a trap code from a specific overlay into a
// human-readable string. Overlays register one via RegisterAssertion,
// mirroring the original's per-overlay ovl_assert decode tables (§7).
type AssertionDecoder func(code uint32) string

var assertionDecoders = map[string]AssertionDecoder{}

// RegisterAssertion installs the decode table for overlayName's trap
// codes. Overlays typically call this once at package init. The kernel
// stores the table but does not consult it; its own failures panic
// without a decode step.
func RegisterAssertion(overlayName string, d AssertionDecoder) {
	assertionDecoders[overlayName] = d
}

// Tracer receives every rasterizer word range the kernel actually
// dispatches, independent of whether it came from the live ring or a
// block's static buffer. buf identifies which buffer the range came
// from (raster.BlockBufIndex for a block's sibling buffer), so a
// consumer can recognize when two dispatches are adjacent and skip
// re-disassembling bytes it already processed. The validator package
// implements this; the kernel never imports validator, to avoid a
// cycle.
type Tracer interface {
	Dispatch(buf int, start, end uint32, words []uint32)
}

// frame is the kernel's read cursor: either a position in one of a
// ring's two regions, or a position in one of a block's chunks. Both
// are walked identically through membuf.Source.
type frame struct {
	isBlock   bool
	ringClass ring.Class
	regionIdx int
	block     *block.Block
	chunkIdx  int
	offset    uint32
}

// savedFrame stashes the normal-queue cursor and call stack while a
// high-priority segment preempts it.
type savedFrame struct {
	cur   frame
	stack []frame
}

// Kernel is the engine's dispatch loop: it walks the normal ring (or,
// while preempted, the high-priority ring), following JUMP/CALL/RET the
// way the ring and block packages laid them out, and simulates every
// internal and overlay command's coprocessor-side effect.
type Kernel struct {
	log *zap.Logger

	normalRing  *ring.Ring
	highpriRing *ring.Ring
	overlays    *overlay.Registry
	blocks      *block.Registry
	syncs       *syncpoint.Tracker
	feeder      *raster.Feeder
	rasterizer  *rdp.Rasterizer
	tracer      Tracer

	status uint32

	haveLoaded bool
	loadedBase uint8

	active        ring.Class
	cur           frame
	callStack     []frame
	savedNormal   *savedFrame
	highpriResume frame

	pendingSwitch bool
	wantSwitch    chan struct{}

	segmentsCompleted uint64
}

// New constructs a kernel positioned at the start of the normal ring's
// first region.
func New(logger *zap.Logger, normalRing, highpriRing *ring.Ring, overlays *overlay.Registry, blocks *block.Registry, syncs *syncpoint.Tracker, feeder *raster.Feeder, rasterizer *rdp.Rasterizer) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kernel{
		log:           logger,
		normalRing:    normalRing,
		highpriRing:   highpriRing,
		overlays:      overlays,
		blocks:        blocks,
		syncs:         syncs,
		feeder:        feeder,
		rasterizer:    rasterizer,
		cur:           frame{ringClass: ring.Normal},
		highpriResume: frame{ringClass: ring.HighPriority},
		wantSwitch:    make(chan struct{}, 1),
	}
}

// SetTracer installs the validator (or any other Tracer) that should
// observe every rasterizer dispatch. Nil disables tracing.
func (k *Kernel) SetTracer(t Tracer) { k.tracer = t }

// Status returns the kernel's status word, for tests and diagnostics.
func (k *Kernel) Status() uint32 { return k.status }

// RequestSwitch flags that the high-priority ring has a segment ready
// and wakes the kernel if it is idle on the normal ring. Satisfies the
// highpri package's Preemptor interface.
func (k *Kernel) RequestSwitch() {
	k.pendingSwitch = true
	select {
	case k.wantSwitch <- struct{}{}:
	default:
	}
	k.normalRing.Flush()
}

// SegmentsCompleted reports how many high-priority segments have run to
// completion (reached their SWAP_BUFFERS). Satisfies highpri.Preemptor.
func (k *Kernel) SegmentsCompleted() uint64 { return k.segmentsCompleted }

// NewExecContext returns a context overlay command handlers can use to
// produce rasterizer output while running on this kernel, the live
// equivalent of a block's host-side static path.
func (k *Kernel) NewExecContext() *ExecContext { return &ExecContext{k: k} }

// ExecContext lets an overlay's CommandHandler push rasterizer words
// into the feeder and have them executed immediately, exactly as the
// kernel's own RDP_DISPATCH handling would, without a round trip
// through the ring.
type ExecContext struct {
	k *Kernel
}

// DispatchRaster reserves room in the live feeder, writes words, and
// executes them against the rasterizer right away.
func (e *ExecContext) DispatchRaster(words []uint32) {
	k := e.k
	buf, start, end := k.feeder.Reserve(uint32(len(words)))
	region := k.feeder.Buffer(buf)
	for i, w := range words {
		region.SetWord(start+uint32(i), w)
	}
	if !k.feeder.Commit(buf, start, end) {
		k.status |= statusDiscontiguous
	}
	k.executeRaster(buf, start, end, words)
}

// Run drives the dispatch loop until ctx is canceled or a fatal
// protocol violation is detected. The engine runs this in a supervised
// goroutine (errgroup) for the queue's lifetime.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		k.maybePreempt()

		src := k.source(k.cur)
		word := src.Word(k.cur.offset)
		if word == 0 {
			if !k.idleWait(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := k.step(src, word); err != nil {
			return err
		}
	}
}

// maybePreempt switches execution to the high-priority ring if one is
// pending and the normal queue is at a command boundary (top level, no
// open CALL nesting) — the only point spec.md §4.5 allows preemption.
func (k *Kernel) maybePreempt() {
	if k.active != ring.Normal || k.cur.isBlock || len(k.callStack) != 0 {
		return
	}
	if !k.pendingSwitch {
		return
	}
	k.pendingSwitch = false

	k.savedNormal = &savedFrame{cur: k.cur, stack: k.callStack}
	k.callStack = nil
	k.cur = k.highpriResume
	k.active = ring.HighPriority
}

// idleWait blocks until the ring currently being read has new work, or
// ctx is canceled.
func (k *Kernel) idleWait(ctx context.Context) bool {
	r := k.normalRing
	if k.active == ring.HighPriority {
		r = k.highpriRing
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.Wake():
		return true
	case <-k.wantSwitch:
		return true
	}
}

func (k *Kernel) source(f frame) membuf.Source {
	if f.isBlock {
		return f.block.Chunk(f.chunkIdx)
	}
	return k.ringFor(f.ringClass).Region(f.regionIdx)
}

func (k *Kernel) ringFor(class ring.Class) *ring.Ring {
	if class == ring.HighPriority {
		return k.highpriRing
	}
	return k.normalRing
}

// advance moves the current frame's read cursor forward by n words,
// reporting the consumption back to the owning ring if the frame is a
// live ring region (blocks need no such bookkeeping: nothing is
// draining behind a block, since it is replayed host memory).
func (k *Kernel) advance(n uint32) {
	if !k.cur.isBlock {
		k.ringFor(k.cur.ringClass).AdvanceRead(n)
	}
	k.cur.offset += n
}

// readArgs reads n argument words following the already-consumed header
// and advances the cursor past header+args.
func (k *Kernel) readArgs(src membuf.Source, n uint32) []uint32 {
	args := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		args[i] = src.Word(k.cur.offset + 1 + i)
	}
	k.advance(n + 1)
	return args
}

func (k *Kernel) step(src membuf.Source, word uint32) error {
	overlayID, cmdIndex, _ := opcode.DecodeHeader(word)
	if overlayID == opcode.OverlayInternal {
		return k.stepInternal(src, cmdIndex)
	}
	return k.stepOverlay(src, overlayID, cmdIndex)
}

func (k *Kernel) stepInternal(src membuf.Source, cmdIndex uint8) error {
	switch cmdIndex {
	case opcode.Noop:
		k.advance(1)
	case opcode.Jump:
		args := k.readArgs(src, 1)
		k.doJump(args[0])
	case opcode.Call:
		args := k.readArgs(src, 1)
		k.doCall(args[0])
	case opcode.Ret:
		k.advance(1)
		k.doRet()
	case opcode.Dma:
		args := k.readArgs(src, 3)
		k.doDma(opcode.DMADirection(args[0]), args[1], args[2])
	case opcode.WriteStatus:
		args := k.readArgs(src, 1)
		k.status &^= args[0]
	case opcode.SwapBuffers:
		k.advance(1)
		k.doSwapBuffers()
	case opcode.TestWriteStatus:
		args := k.readArgs(src, 2)
		k.doTestWriteStatus(args[0], args[1])
	case opcode.RdpDispatch:
		args := k.readArgs(src, 3)
		k.doRdpDispatch(args[0], args[1], args[2])
	case opcode.RdpWaitIdle:
		k.advance(1)
		// The fake rasterizer executes synchronously, so by the time
		// control reaches here it is already idle; nothing to spin on.
	case opcode.Syncpoint:
		args := k.readArgs(src, 1)
		k.syncs.Advance(args[0])
	case opcode.Fixup:
		args := k.readArgs(src, 3)
		k.doFixup(args[0], args[1], uint8(args[2]))
	default:
		return fmt.Errorf("kernel: unknown internal opcode %#x", cmdIndex)
	}
	return nil
}

func (k *Kernel) doJump(next uint32) {
	if k.cur.isBlock {
		k.cur.chunkIdx = int(next)
		k.cur.offset = 0
		return
	}
	k.cur.regionIdx = int(next)
	k.cur.offset = 0
}

func (k *Kernel) doCall(blockID uint32) {
	if len(k.callStack) >= opcode.MaxBlockNesting {
		xerror.Fail("kernel: CALL exceeds the maximum block nesting depth of %d", opcode.MaxBlockNesting)
	}
	b, ok := k.blocks.Get(blockID)
	if !ok {
		xerror.Fail("kernel: CALL referenced unknown or already-freed block id %d", blockID)
	}
	k.callStack = append(k.callStack, k.cur)
	k.cur = frame{isBlock: true, block: b}
}

func (k *Kernel) doRet() {
	if len(k.callStack) == 0 {
		xerror.Fail("kernel: RET encountered with an empty call stack")
	}
	k.cur = k.callStack[len(k.callStack)-1]
	k.callStack = k.callStack[:len(k.callStack)-1]
}

// doSwapBuffers is the high-priority queue's segment terminator
// (highpri.Queue.End writes it into the high-priority ring only). It
// hands control back to wherever the normal queue was preempted from.
func (k *Kernel) doSwapBuffers() {
	if k.active != ring.HighPriority || k.savedNormal == nil {
		xerror.Fail("kernel: SWAP_BUFFERS encountered outside an active high-priority segment")
	}
	k.highpriResume = k.cur
	k.cur = k.savedNormal.cur
	k.callStack = k.savedNormal.stack
	k.savedNormal = nil
	k.active = ring.Normal
	k.segmentsCompleted++
}

func (k *Kernel) doTestWriteStatus(waitMask, writeMask uint32) {
	if k.status&waitMask != 0 {
		xerror.Fail("kernel: TEST_WRITE_STATUS wait mask %#x still set in status %#x; the fake rasterizer never leaves a wait condition standing", waitMask, k.status)
	}
	k.status &^= writeMask
}

func (k *Kernel) doRdpDispatch(end, start, buf uint32) {
	var words []uint32
	if buf == raster.BlockBufIndex {
		if !k.cur.isBlock {
			xerror.Fail("kernel: RDP_DISPATCH referenced the block raster buffer outside a block")
		}
		all := k.cur.block.RasterWords()
		words = append([]uint32(nil), all[start:end]...)
	} else {
		region := k.feeder.Buffer(int(buf))
		words = make([]uint32, end-start)
		for i := range words {
			words[i] = region.Word(start + uint32(i))
		}
		if !k.feeder.Commit(int(buf), start, end) {
			k.status |= statusDiscontiguous
		}
	}
	k.executeRaster(int(buf), start, end, words)
}

func (k *Kernel) executeRaster(buf int, start, end uint32, words []uint32) {
	if err := k.rasterizer.Execute(words); err != nil {
		k.log.Error("rasterizer execute failed", zap.Error(err))
	}
	if k.tracer != nil {
		k.tracer.Dispatch(buf, start, end, words)
	}
}

// doDma services the internal DMA opcode. DMAFillClear is the attachment
// stack's fast aligned-clear path: length is a rasterizer surface handle
// and addr is the fill value, not a real address. Every other direction
// is simulated memory traffic the fake rasterizer has no state for, so
// it is only logged.
func (k *Kernel) doDma(direction opcode.DMADirection, length, addr uint32) {
	if direction == opcode.DMAFillClear {
		if err := k.rasterizer.FillSurface(length, addr); err != nil {
			k.log.Error("dma fill clear failed", zap.Error(err))
		}
		return
	}
	k.log.Debug("dma",
		zap.Uint32("direction", uint32(direction)),
		zap.Uint32("length", length),
		zap.Uint32("addr", addr))
}

func (k *Kernel) doFixup(offset, n uint32, kind uint8) {
	if !k.cur.isBlock {
		xerror.Fail("kernel: FIXUP encountered outside a block")
	}
	ctx := raster.FixupContext{
		Cycle:  uint8(k.rasterizer.CycleMode()),
		Format: uint8(k.rasterizer.ColorFormat()),
	}
	words, ok := raster.ResolveFixup(kind, ctx)
	if !ok {
		xerror.Fail("kernel: no fixup handler registered for kind %d", kind)
	}
	if uint32(len(words)) != n {
		xerror.Fail("kernel: fixup kind %d produced %d words, but %d were reserved", kind, len(words), n)
	}
	k.cur.block.PatchRaster(offset, words)
}

func (k *Kernel) stepOverlay(src membuf.Source, overlayID, cmdIndex uint8) error {
	desc, base, ok := k.overlays.Lookup(overlayID)
	if !ok {
		xerror.Fail("kernel: command references unregistered overlay id %d", overlayID)
	}

	if !k.haveLoaded || k.loadedBase != base {
		k.log.Debug("overlay switch", zap.String("name", desc.Name), zap.Uint8("base", base))
		k.haveLoaded = true
		k.loadedBase = base
	}

	local := overlay.LocalIndex(overlayID, base, cmdIndex)
	total := desc.WordsFor(local)
	args := k.readArgs(src, total-1)

	handler := desc.HandlerFor(local)
	if handler == nil {
		return nil
	}
	state, _ := k.overlays.KernelState(overlayID)
	handler(state, args)
	return nil
}
