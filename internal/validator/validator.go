// Package validator implements the engine's Validator/Tracer (spec.md
// §4.8): it taps the rasterizer-bound word stream, maintains a shadow of
// the rasterizer's own state, and emits diagnostics for configurations
// the real hardware could not execute correctly. It never sees the
// engine's own command stream (ring/block), only the rasterizer words
// the dispatch kernel actually hands to rdp.Rasterizer.
package validator

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/riftcoprocessor/cmdq/common/bitset"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
)

// Severity classifies a Diagnostic per spec.md §4.9.
type Severity int

const (
	// Warn: legal but suspicious.
	Warn Severity = iota
	// Error: relies on undefined behavior, will produce garbled output.
	Error
	// Crash: the real hardware cannot recover from this; asserts
	// fatally in a Strict tracer.
	Crash
)

func (s Severity) String() string {
	switch s {
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Crash:
		return "crash"
	default:
		return "unknown"
	}
}

// tmemOverlapMargin is a heuristic slack, in TMEM words, used when
// flagging a tile's declared extents as suspiciously close to
// overrunning TMEM. It is not a semantic contract (SPEC_FULL.md §D.3);
// no test depends on its exact value.
const tmemOverlapMargin = 8

// tmemWords is the rasterizer's on-chip tile memory size, in 8-byte
// words, per spec.md §4.8.
const tmemWords = 512

// Diagnostic is one validator finding. Command and References carry
// by-value copies of the cross-referenced instructions (not pointers
// into caller-owned buffers), per the Design Notes' guidance to decouple
// diagnostic lifetime from the stream that produced them.
type Diagnostic struct {
	Severity   Severity
	Message    string
	Command    rdp.Instruction
	References []rdp.Instruction
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s (at word %d, %s)", d.Severity, d.Message, d.Command.Offset, d.Command.Op)
}

// Hook is called for every disassembled instruction the tracer
// processes, in stream order, letting external tools inspect it without
// waiting for Flush.
type Hook func(in rdp.Instruction)

// bufferRange is one entry of the recently-seen dispatch ranges ring.
type bufferRange struct {
	buf        int
	start, end uint32
}

// tileState shadows one of the rasterizer's 8 tile descriptors.
type tileState struct {
	set             bool
	format          uint8
	tmemAddr, pitch uint32
}

type colorImageState struct {
	attached bool
	handle   uint32
}

// FormatLookup resolves a surface handle to its pixel format. The
// validator only ever sees command words, not surface objects; the
// engine wires this to rdp.Rasterizer.FormatOf so format-dependent
// checks (copy mode on a 32-bpp image) are still possible.
type FormatLookup func(handle uint32) (rdp.Format, bool)

// Tracer is the Validator: it consumes dispatched rasterizer word
// ranges and accumulates Diagnostics against a shadow of rasterizer
// state.
type Tracer struct {
	mu       sync.Mutex
	log      *zap.Logger
	strict   bool
	formatOf FormatLookup

	lastSOM         *rdp.Instruction
	lastCC          *rdp.Instruction
	lastSetTexImage *rdp.Instruction
	tiles           [8]tileState
	colorImage      colorImageState
	zImageAttached  bool
	scissorSet      bool

	pipeBusy bitset.TinyBitset
	tileBusy bitset.TinyBitset
	tmemBusy bitset.TinyBitset

	recentRanges [4]bufferRange
	rangeCount   int
	nextRange    int

	hooks       []Hook
	diagnostics []Diagnostic
	errs        *multierror.Error
}

// New constructs a tracer. strict, when true, makes a Crash diagnostic
// panic immediately instead of merely accumulating (spec.md §7: "the
// library asserts to surface the bug immediately").
func New(logger *zap.Logger, strict bool) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{log: logger, strict: strict}
}

// SetFormatLookup installs the format-resolution callback used by
// format-dependent diagnostics. Optional; those checks are skipped
// without it.
func (t *Tracer) SetFormatLookup(f FormatLookup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formatOf = f
}

// Hook subscribes fn to every disassembled instruction the tracer
// processes from here on.
func (t *Tracer) Hook(fn Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Diagnostics returns every diagnostic accumulated so far, in the order
// emitted.
func (t *Tracer) Diagnostics() []Diagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Diagnostic(nil), t.diagnostics...)
}

// Flush returns the aggregate of every Error- or Crash-class diagnostic
// accumulated so far, or nil if the trace validated cleanly. Warn-class
// diagnostics never contribute to the returned error.
func (t *Tracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs.ErrorOrNil()
}

// Dispatch implements kernel.Tracer: it is called once per rasterizer
// dispatch the kernel actually executes, with the exact word range it
// read. buf identifies the source buffer (raster.BlockBufIndex for a
// block's sibling buffer). Every call is disassembled in full, including
// a block's range dispatched again on each run of that block;
// recentRanges only records ranges to recognize contiguity with the
// immediately preceding dispatch and does not deduplicate re-sent bytes.
func (t *Tracer) Dispatch(buf int, start, end uint32, words []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordRangeLocked(buf, start, end)

	instrs, err := rdp.Disassemble(words)
	if err != nil {
		t.addDiagnosticLocked(Diagnostic{Severity: Error, Message: err.Error()})
		return
	}
	for _, in := range instrs {
		for _, h := range t.hooks {
			h(in)
		}
		t.processLocked(in)
	}
}

// ContiguousWithPrevious reports whether the most recently dispatched
// range immediately follows the one before it in the same buffer.
func (t *Tracer) ContiguousWithPrevious() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rangeCount < 2 {
		return false
	}
	cur := t.recentRanges[(t.nextRange-1+len(t.recentRanges))%len(t.recentRanges)]
	prev := t.recentRanges[(t.nextRange-2+len(t.recentRanges))%len(t.recentRanges)]
	return cur.buf == prev.buf && cur.start == prev.end
}

func (t *Tracer) recordRangeLocked(buf int, start, end uint32) {
	t.recentRanges[t.nextRange%len(t.recentRanges)] = bufferRange{buf: buf, start: start, end: end}
	t.nextRange++
	if t.rangeCount < len(t.recentRanges) {
		t.rangeCount++
	}
}

func (t *Tracer) addDiagnosticLocked(d Diagnostic) {
	t.diagnostics = append(t.diagnostics, d)

	switch d.Severity {
	case Warn:
		t.log.Warn(d.Message, zap.Stringer("op", d.Command.Op))
	case Error:
		t.log.Error(d.Message, zap.Stringer("op", d.Command.Op))
		t.errs = multierror.Append(t.errs, fmt.Errorf("%s", d))
	case Crash:
		t.log.Error(d.Message, zap.Stringer("op", d.Command.Op), zap.Bool("crash", true))
		t.errs = multierror.Append(t.errs, fmt.Errorf("%s", d))
		if t.strict {
			panic(d.String())
		}
	}
}

func (t *Tracer) processLocked(in rdp.Instruction) {
	switch in.Op {
	case rdp.OpSetOtherModes:
		t.processSetOtherModesLocked(in)
	case rdp.OpSetCombine:
		t.processSetCombineLocked(in)
	case rdp.OpSetTile:
		t.processSetTileLocked(in)
	case rdp.OpSetTextureImage:
		cp := in
		t.lastSetTexImage = &cp
	case rdp.OpSetColorImage:
		t.colorImage = colorImageState{attached: true, handle: in.Words[1]}
	case rdp.OpSetZImage:
		t.zImageAttached = in.Words[1] != 0
	case rdp.OpSetScissor:
		t.scissorSet = true
	case rdp.OpFillRect:
		t.processFillRectLocked(in)
	case rdp.OpSyncFull:
		t.pipeBusy.ClearAll()
		t.tileBusy.ClearAll()
		t.tmemBusy.ClearAll()
	}
}

func (t *Tracer) processSetOtherModesLocked(in rdp.Instruction) {
	cp := in
	t.lastSOM = &cp
	t.pipeBusy.Insert(0)

	cycle := rdp.CycleType(in.Words[1])
	if cycle == rdp.CycleCopy && t.colorImage.attached && t.formatOf != nil {
		if format, ok := t.formatOf(t.colorImage.handle); ok && format == rdp.FormatRGBA32 {
			t.addDiagnosticLocked(Diagnostic{
				Severity: Crash,
				Message:  "copy mode is not supported on a 32-bpp color image",
				Command:  in,
			})
		}
	}
}

// Combiner slot bits for SET_COMBINE's engine-defined cycle1/cycle2
// words (the rasterizer encoding is not hardware bit-exact; see
// rdp.EncodeSetCombine). Bit 0 marks "this cycle references COMBINED",
// bit 1 marks "this cycle references the second texture unit (TEX1)".
const (
	combineRefCombined uint32 = 1 << 0
	combineRefTex1     uint32 = 1 << 1
)

func (t *Tracer) processSetCombineLocked(in rdp.Instruction) {
	cp := in
	t.lastCC = &cp

	cycle1, cycle2 := in.Words[1], in.Words[2]
	if cycle1&combineRefCombined != 0 {
		t.addDiagnosticLocked(Diagnostic{
			Severity: Error,
			Message:  "SET_COMBINE cycle 1 references COMBINED, but no prior cycle has run",
			Command:  in,
		})
	}

	twoCycle := t.lastSOM != nil && rdp.CycleType(t.lastSOM.Words[1]) == rdp.CycleTwoCycle
	if !twoCycle && cycle2&combineRefTex1 != 0 {
		refs := t.somReferenceLocked()
		t.addDiagnosticLocked(Diagnostic{
			Severity:   Error,
			Message:    "SET_COMBINE cycle 2 references TEX1 outside 2-cycle mode",
			Command:    in,
			References: refs,
		})
	}
}

func (t *Tracer) processSetTileLocked(in rdp.Instruction) {
	idx := uint8(in.Words[0] >> 16)
	format := uint8(in.Words[0] >> 8)
	if idx >= uint8(len(t.tiles)) {
		t.addDiagnosticLocked(Diagnostic{Severity: Error, Message: fmt.Sprintf("SET_TILE index %d exceeds the 8 available tiles", idx), Command: in})
		return
	}

	tmemAddr, pitch := in.Words[1], in.Words[2]
	if tmemAddr+tmemOverlapMargin > tmemWords {
		t.addDiagnosticLocked(Diagnostic{
			Severity: Warn,
			Message:  fmt.Sprintf("tile %d's tmem address %d leaves less than the usual safety margin before tmem's end", idx, tmemAddr),
			Command:  in,
		})
	}

	t.tiles[idx] = tileState{set: true, format: format, tmemAddr: tmemAddr, pitch: pitch}
	t.tileBusy.Insert(uint32(idx))
	t.markTmemBusyLocked(tmemAddr, pitch)
}

func (t *Tracer) markTmemBusyLocked(tmemAddr, pitch uint32) {
	words := pitch / 8
	if words == 0 {
		words = 1
	}
	for i := uint32(0); i < words && tmemAddr+i < tmemWords; i++ {
		t.tmemBusy.Insert(tmemAddr + i)
	}
}

func (t *Tracer) processFillRectLocked(in rdp.Instruction) {
	if !t.colorImage.attached {
		t.addDiagnosticLocked(Diagnostic{Severity: Error, Message: "FILL_RECT issued with no color image attached", Command: in})
		return
	}
	if !t.scissorSet {
		t.addDiagnosticLocked(Diagnostic{Severity: Warn, Message: "FILL_RECT issued before any SET_SCISSOR", Command: in})
	}
	if t.lastSOM == nil || rdp.CycleType(t.lastSOM.Words[1]) != rdp.CycleFill {
		t.addDiagnosticLocked(Diagnostic{
			Severity:   Crash,
			Message:    "FILL_RECT issued while the current cycle mode is not fill",
			Command:    in,
			References: t.somReferenceLocked(),
		})
	}
}

func (t *Tracer) somReferenceLocked() []rdp.Instruction {
	if t.lastSOM == nil {
		return nil
	}
	return []rdp.Instruction{*t.lastSOM}
}

// IsBlockSource reports whether buf (as passed to Dispatch) names a
// block's sibling raster buffer rather than one of the feeder's two
// live ping-pong buffers.
func IsBlockSource(buf int) bool {
	return buf == raster.BlockBufIndex
}
