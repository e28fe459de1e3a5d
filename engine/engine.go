// Package engine wires every subsystem package into the public API a
// host program actually drives: a command queue with an overlay
// registry, a block recorder, a high-priority sub-queue, syncpoints, an
// attachment stack, and a rasterizer with an attached validator. It is
// the single entry point; host code never constructs ring.Ring or
// kernel.Kernel directly.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riftcoprocessor/cmdq/common/logging"
	"github.com/riftcoprocessor/cmdq/internal/attach"
	"github.com/riftcoprocessor/cmdq/internal/block"
	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/highpri"
	"github.com/riftcoprocessor/cmdq/internal/kernel"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/overlay"
	"github.com/riftcoprocessor/cmdq/internal/platform"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
	"github.com/riftcoprocessor/cmdq/internal/ring"
	"github.com/riftcoprocessor/cmdq/internal/syncpoint"
	"github.com/riftcoprocessor/cmdq/internal/validator"
)

// sinkMode tracks which of the three command destinations the host is
// currently writing to. Exactly one is active at a time; BlockBegin and
// HighPriBegin reject switching into each other (§D in the design
// notes), and Write/WriteBegin/Flush simply forward to whichever is
// current.
type sinkMode int

const (
	sinkNormal sinkMode = iota
	sinkBlock
	sinkHighPri
)

// Engine is the command queue engine: the host-facing façade over the
// ring, overlay registry, block recorder, syncpoint tracker, rasterizer
// feeder, high-priority sub-queue, attachment stack, and the simulated
// dispatch kernel that drives them all.
type Engine struct {
	log *zap.Logger

	normalRing   *ring.Ring
	highpriRing  *ring.Ring
	normalWriter *ring.Writer

	overlays   *overlay.Registry
	blocks     *block.Registry
	syncs      *syncpoint.Tracker
	feeder     *raster.Feeder
	rasterizer *rdp.Rasterizer
	tracer     *validator.Tracer
	stack      *attach.Stack
	highpriQ   *highpri.Queue
	kernel     *kernel.Kernel
	recorder   *block.Recorder

	mu   sync.Mutex
	mode sinkMode
	sink cmdsink.Sink
}

// New constructs an engine from cfg (nil means all defaults) and wires
// every subsystem together. If logger is nil, one is built from
// cfg.Logging via logging.Init, the same config-driven logging setup
// every other component in this module uses; a caller that already owns
// a *zap.Logger (e.g. shared across a larger program) can pass it
// directly instead, in which case cfg.Logging is ignored.
func New(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	if logger == nil {
		built, _, err := logging.Init(&cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to initialize logging: %w", err)
		}
		logger = built
	}

	normalRing := ring.New(ring.Normal, cfg.Normal)
	highpriRing := ring.New(ring.HighPriority, cfg.HighPri)
	normalWriter := ring.NewWriter(normalRing)

	overlays := overlay.New()
	blocks := block.NewRegistry()
	syncs := syncpoint.New(logger, cfg.SyncpointQueueDepth)
	feeder := raster.New(cfg.Raster.wordCount())
	rasterizer := rdp.NewRasterizer()

	tracer := validator.New(logger, cfg.Strict)
	tracer.SetFormatLookup(rasterizer.FormatOf)

	k := kernel.New(logger, normalRing, highpriRing, overlays, blocks, syncs, feeder, rasterizer)
	k.SetTracer(tracer)

	hp := highpri.New(highpriRing, k)
	stack := attach.New(rasterizer, feeder)

	e := &Engine{
		log:          logger,
		normalRing:   normalRing,
		highpriRing:  highpriRing,
		normalWriter: normalWriter,
		overlays:     overlays,
		blocks:       blocks,
		syncs:        syncs,
		feeder:       feeder,
		rasterizer:   rasterizer,
		tracer:       tracer,
		stack:        stack,
		highpriQ:     hp,
		kernel:       k,
		recorder:     block.NewRecorder(),
		sink:         normalWriter,
	}
	overlays.SetWaiter(e)
	return e, nil
}

// Run drives the dispatch kernel and the syncpoint callback drain until
// ctx is canceled or either fails. Intended to run in its own goroutine
// for the engine's lifetime.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.kernel.Run(ctx) })
	g.Go(func() error { return e.syncs.Run(ctx) })
	return g.Wait()
}

// Close releases the rings' and feeder's backing memory. Run's goroutine
// should already have returned (via context cancellation) before Close
// is called.
func (e *Engine) Close() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, e.normalRing.Close())
	errs = multierror.Append(errs, e.highpriRing.Close())
	errs = multierror.Append(errs, e.feeder.Close())
	return errs.ErrorOrNil()
}

// currentSink returns whichever destination is currently active.
func (e *Engine) currentSink() cmdsink.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

// Write queues a single command whose arguments are all known up front,
// routed to whichever destination (normal queue, a block recording, or
// the high-priority queue) is currently active. If a block recording is
// open and the command's overlay registered a static-path emitter for
// it, the command is recorded as rasterizer words directly instead of
// as a dynamic command (§4.6).
func (e *Engine) Write(overlayID, cmdIndex uint8, args ...uint32) {
	e.mu.Lock()
	sink := e.sink
	recording := e.mode == sinkBlock
	e.mu.Unlock()

	if recording && e.tryStaticEmit(overlayID, cmdIndex, args) {
		return
	}
	sink.Write(overlayID, cmdIndex, args...)
}

// WriteBegin opens a cursor for a command too large to build as a single
// args slice. Static-path emission only applies to single-call Write;
// overlays that need it must keep their static commands small enough to
// fit inline.
func (e *Engine) WriteBegin(overlayID, cmdIndex uint8, totalWords uint32) *cmdsink.Cursor {
	return e.currentSink().WriteBegin(overlayID, cmdIndex, totalWords)
}

// Flush ensures the consumer will observe everything written to the
// currently active destination so far.
func (e *Engine) Flush() {
	e.currentSink().Flush()
}

func (e *Engine) tryStaticEmit(overlayID, cmdIndex uint8, args []uint32) bool {
	desc, base, ok := e.overlays.Lookup(overlayID)
	if !ok {
		return false
	}
	local := overlay.LocalIndex(overlayID, base, cmdIndex)
	emitter := desc.StaticHandlerFor(local)
	if emitter == nil {
		return false
	}
	emitter(e.recorder.EmitRasterStatic, e.recorder.ReserveFixup, args)
	return true
}

// Wait creates a syncpoint at the normal queue's current write position,
// flushes, and blocks until the dispatch kernel reaches it and the
// rasterizer has gone idle. It always targets the normal queue's own
// progress, regardless of what the host happens to be writing to at the
// moment it is called.
func (e *Engine) Wait() {
	id := e.syncs.Emit(e.normalWriter)
	e.normalWriter.Flush()
	e.syncs.Wait(id)
	e.waitRasterizerIdle()
}

func (e *Engine) waitRasterizerIdle() {
	if !e.rasterizer.Busy() {
		return
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Microsecond,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         time.Millisecond,
	}
	for e.rasterizer.Busy() {
		time.Sleep(b.NextBackOff())
	}
}

// BlockBegin opens a new block recording and redirects Write/WriteBegin
// to it. Rejected while a high-priority segment is open (§D: the two
// sub-queues are never interleaved at the host API).
func (e *Engine) BlockBegin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == sinkHighPri {
		panic("engine: block_begin called while a high-priority segment is open")
	}
	e.recorder.Begin()
	e.mode = sinkBlock
	e.sink = e.recorder
}

// BlockEnd seals the current recording, registers it, and restores the
// normal queue as the active destination.
func (e *Engine) BlockEnd() *block.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.recorder.End()
	e.mode = sinkNormal
	e.sink = e.normalWriter
	e.blocks.Put(b)
	return b
}

// BlockRun queues a CALL to b on whichever destination is currently
// active. Rejected while a high-priority segment is open.
func (e *Engine) BlockRun(b *block.Block) {
	e.mu.Lock()
	if e.mode == sinkHighPri {
		e.mu.Unlock()
		panic("engine: block_run called while a high-priority segment is open")
	}
	sink := e.sink
	e.mu.Unlock()

	id := e.blocks.Put(b)
	sink.Write(opcode.OverlayInternal, opcode.Call, id)
}

// BlockFree releases a block's registry entry. The caller must ensure no
// queue that could still reach it (directly or via another block's
// CALL) has failed to drain first.
func (e *Engine) BlockFree(b *block.Block) error {
	return e.blocks.Free(b)
}

// HighPriBegin opens a high-priority segment and redirects
// Write/WriteBegin to it, preempting the normal queue at its next
// command boundary. Rejected while a block recording is open.
func (e *Engine) HighPriBegin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == sinkBlock {
		panic("engine: highpri_begin called while a block recording is open")
	}
	e.highpriQ.Begin()
	e.mode = sinkHighPri
	e.sink = e.highpriQ.Writer()
}

// HighPriEnd closes the current high-priority segment and restores the
// normal queue as the active destination.
func (e *Engine) HighPriEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highpriQ.End()
	e.mode = sinkNormal
	e.sink = e.normalWriter
}

// HighPriSync blocks until every high-priority segment opened so far has
// run to completion.
func (e *Engine) HighPriSync() {
	e.highpriQ.Sync()
}

func (e *Engine) requireNormalSink(op string) {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	if mode != sinkNormal {
		panic(fmt.Sprintf("engine: %s may only be issued against the normal queue (a block recording or high-priority segment is open)", op))
	}
}

// SyncpointCreate allocates a syncpoint and writes it to the normal
// queue. Syncpoints may only be created from the normal queue: a block
// recording or the high-priority queue cannot guarantee completion order
// matches creation order.
func (e *Engine) SyncpointCreate() uint32 {
	e.requireNormalSink("syncpoint_create")
	return e.syncs.Emit(e.normalWriter)
}

// SyncpointCreateWithCallback is SyncpointCreate plus a callback run once
// the syncpoint is reached, off the dispatch kernel's own goroutine.
func (e *Engine) SyncpointCreateWithCallback(cb syncpoint.Callback, arg any) uint32 {
	e.requireNormalSink("syncpoint_create")
	return e.syncs.EmitWithCallback(e.normalWriter, cb, arg)
}

// SyncpointCheck reports whether id has already been reached.
func (e *Engine) SyncpointCheck(id uint32) bool { return e.syncs.Check(id) }

// SyncpointWait blocks until id has been reached.
func (e *Engine) SyncpointWait(id uint32) { e.syncs.Wait(id) }

// RegisterOverlay assigns the lowest available contiguous id range for
// desc.
func (e *Engine) RegisterOverlay(desc *overlay.Descriptor) (uint8, error) {
	return e.overlays.Register(desc)
}

// RegisterOverlayStatic assigns a caller-chosen base id for desc.
func (e *Engine) RegisterOverlayStatic(desc *overlay.Descriptor, id uint8) error {
	return e.overlays.RegisterStatic(desc, id)
}

// UnregisterOverlay frees id's range. The caller must ensure no queued
// command still references it, typically via a preceding Wait.
func (e *Engine) UnregisterOverlay(id uint8) error {
	return e.overlays.Unregister(id)
}

// OverlayStatePointer returns id's host-visible persistent-state region,
// after an implicit Wait so the host observes a quiescent copy.
func (e *Engine) OverlayStatePointer(id uint8) (*platform.Region, error) {
	return e.overlays.StatePointer(id)
}

// NewExecContext returns a context an overlay's CommandHandler can use to
// push rasterizer words and have them executed immediately, the live
// equivalent of a block's static path.
func (e *Engine) NewExecContext() *kernel.ExecContext {
	return e.kernel.NewExecContext()
}

// Rasterizer exposes the underlying simulated coprocessor, for surface
// management (NewSurface, Attach, Release) that has no dedicated façade
// method.
func (e *Engine) Rasterizer() *rdp.Rasterizer { return e.rasterizer }

// Diagnostics returns every diagnostic the validator has recorded so
// far.
func (e *Engine) Diagnostics() []validator.Diagnostic { return e.tracer.Diagnostics() }

// ValidatorFlush returns a non-nil error aggregating every Error- or
// Crash-severity diagnostic recorded so far.
func (e *Engine) ValidatorFlush() error { return e.tracer.Flush() }

// Attach pushes (color, depth) and installs it as the rasterizer's
// current target.
func (e *Engine) Attach(color, depth *rdp.Surface) {
	e.stack.Attach(e.currentSink(), color, depth)
}

// AttachClear is Attach followed by clearing the new target to
// clearColor.
func (e *Engine) AttachClear(color, depth *rdp.Surface, clearColor uint32) {
	e.stack.AttachClear(e.currentSink(), color, depth, clearColor)
}

// Detach pops the current frame and restores whatever was beneath it.
func (e *Engine) Detach() {
	e.stack.Detach(e.currentSink())
}

// DetachWait is Detach followed by a full queue drain.
func (e *Engine) DetachWait() {
	e.stack.DetachWait(e.currentSink(), e)
}

// DetachCB is Detach followed by a syncpoint carrying cb.
func (e *Engine) DetachCB(cb syncpoint.Callback, arg any) {
	e.stack.DetachCB(e.currentSink(), e.syncs, cb, arg)
}

// DetachShow is Detach followed by a wait, returning the detached
// surface.
func (e *Engine) DetachShow() *rdp.Surface {
	return e.stack.DetachShow(e.currentSink(), e)
}

// IsAttached reports whether any render target is currently attached.
func (e *Engine) IsAttached() bool { return e.stack.IsAttached() }

// GetAttached returns the current top frame, if any.
func (e *Engine) GetAttached() (attach.Frame, bool) { return e.stack.GetAttached() }
