// Package overlay implements the command engine's overlay registry: the
// mapping from a small integer ID (or contiguous ID range) to a loadable
// code+state unit that the simulated dispatch kernel DMAs in on demand.
package overlay

import (
	"fmt"
	"sync"

	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/platform"
)

// AssertionHandler is the signature of an overlay's trap handler: it
// takes a trap code and a snapshot of kernel register state. The
// simulated dispatch kernel never calls it; kernel failures panic
// directly.
type AssertionHandler func(code uint32, registers [8]uint32)

// CommandHandler simulates one overlay command's coprocessor-side effect.
// state is the overlay's persistent-state region (kernel-side, no
// host-facing wait); args holds the command's argument words, word 1
// onward. Handlers that produce rasterizer output do so through a
// kernel.ExecContext stashed in the closure that built them, not through
// this signature directly.
type CommandHandler func(state *platform.Region, args []uint32)

// StaticEmitter is an overlay command's host-side "static path" (§4.6):
// invoked at block-recording time, not at kernel dispatch time, for
// commands whose rasterizer output does not depend on any runtime-only
// state. emit appends already-fully-known rasterizer words; reserveFixup
// reserves a placeholder for a kind whose real encoding is only known
// once the block runs (see raster.RegisterFixup). Overlays with no
// static path leave this nil: their rasterizer output is produced only
// when the kernel actually executes the command via CommandHandler.
type StaticEmitter func(emit func(words []uint32), reserveFixup func(kind uint8, nWords uint32) uint32, args []uint32)

// Descriptor describes a loadable overlay. It is immutable once
// registered.
type Descriptor struct {
	// Name identifies the overlay for logging and diagnostics.
	Name string
	// Text is the overlay's code image, DMA'd to the kernel on switch-in.
	Text []byte
	// Data is the overlay's initial persistent state, copied into the
	// state region at registration time.
	Data []byte
	// StateSize is the size in bytes of the persistent-state region. Must
	// be at least len(Data).
	StateSize uint32
	// NumCommands is the number of distinct command indices this overlay
	// exposes. Overlays declaring more than 16 commands consume more than
	// one contiguous overlay ID.
	NumCommands int
	// CommandWords[i] is the total word count (including the header) of
	// the command at local index i, looked up by the dispatch kernel to
	// know how far to advance the read pointer. Must have len ==
	// NumCommands if set; a nil entry (or a missing slice) defaults every
	// command to a single header word.
	CommandWords []uint32
	// Handlers[i] simulates local command index i's coprocessor-side
	// behavior. A nil entry is a legal no-op command.
	Handlers []CommandHandler
	// StaticHandlers[i], if non-nil, is local command index i's
	// host-side static-path emitter (see StaticEmitter). Most overlay
	// commands leave this nil.
	StaticHandlers []StaticEmitter
	// AssertionHandler is stored with the descriptor but not invoked by
	// the simulated dispatch kernel. May be nil.
	AssertionHandler AssertionHandler
}

// WordsFor returns the total word count of local command index i.
func (d *Descriptor) WordsFor(i int) uint32 {
	if i >= 0 && i < len(d.CommandWords) && d.CommandWords[i] != 0 {
		return d.CommandWords[i]
	}
	return 1
}

// HandlerFor returns the handler for local command index i, or nil.
func (d *Descriptor) HandlerFor(i int) CommandHandler {
	if i < 0 || i >= len(d.Handlers) {
		return nil
	}
	return d.Handlers[i]
}

// StaticHandlerFor returns the static-path emitter for local command
// index i, or nil if this command has none.
func (d *Descriptor) StaticHandlerFor(i int) StaticEmitter {
	if i < 0 || i >= len(d.StaticHandlers) {
		return nil
	}
	return d.StaticHandlers[i]
}

// rangeLen returns how many contiguous overlay IDs a descriptor needs:
// one ID slot covers 16 command indices (opcode.MaxCommandIndex+1).
func rangeLen(numCommands int) uint8 {
	if numCommands <= 0 {
		panic("overlay: descriptor must expose at least one command")
	}
	slotsPerID := int(opcode.MaxCommandIndex) + 1
	n := (numCommands + slotsPerID - 1) / slotsPerID
	if n > int(opcode.MaxOverlays) {
		panic(fmt.Sprintf("overlay: %d commands need more ranges than overlay ids exist", numCommands))
	}
	return uint8(n)
}

// Waiter lets the registry perform the implicit wait StatePointer's
// contract requires, without the overlay package depending on the
// ring/syncpoint packages directly.
type Waiter interface {
	Wait()
}

type entry struct {
	desc  *Descriptor
	base  uint8
	span  uint8
	state *platform.Region
}

// Registry holds the engine's table of overlay ID slots.
type Registry struct {
	mu     sync.Mutex
	slots  [opcode.MaxOverlays]*entry
	waiter Waiter
}

// internalEntry permanently occupies slot 0: overlay ID 0 is reserved for
// the engine's own opcodes (spec.md §3), and command index 0 there is
// INVALID, the all-zero marker kernel.Run's idle wait uses to detect an
// unpublished ring slot. Handing ID 0 out to a real overlay would let a
// legitimately-written command (overlayID=0, cmdIndex=0) encode to the
// literal word 0, indistinguishable from "nothing written yet".
var internalEntry = &entry{desc: &Descriptor{Name: "internal"}, base: 0, span: 1}

// New constructs a registry with overlay ID 0 pre-reserved for the
// engine's internal opcodes.
func New() *Registry {
	r := &Registry{}
	r.slots[opcode.OverlayInternal] = internalEntry
	return r
}

// SetWaiter installs the waiter StatePointer uses for its implicit wait.
// Exists to break the import cycle between overlay and the packages that
// implement queue draining.
func (r *Registry) SetWaiter(w Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiter = w
}

// Register assigns the lowest available contiguous ID range able to hold
// desc's command count.
func (r *Registry) Register(desc *Descriptor) (uint8, error) {
	span := rangeLen(desc.NumCommands)

	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.firstFitLocked(span)
	if !ok {
		return 0, fmt.Errorf("overlay: no contiguous range of %d id(s) available", span)
	}
	r.installLocked(base, span, desc)
	return base, nil
}

// RegisterStatic assigns a caller-chosen base ID. Fails if any ID in the
// required range is already occupied.
func (r *Registry) RegisterStatic(desc *Descriptor, id uint8) error {
	span := rangeLen(desc.NumCommands)

	r.mu.Lock()
	defer r.mu.Unlock()

	if int(id)+int(span) > opcode.MaxOverlays {
		return fmt.Errorf("overlay: range [%d,%d) exceeds %d overlay ids", id, int(id)+int(span), opcode.MaxOverlays)
	}
	for i := id; i < id+span; i++ {
		if r.slots[i] != nil {
			return fmt.Errorf("overlay: id %d is already assigned to %q", i, r.slots[i].desc.Name)
		}
	}
	r.installLocked(id, span, desc)
	return nil
}

// Unregister frees id's range. Callers must ensure (typically via an
// explicit Wait beforehand) that no queued command still references it.
func (r *Registry) Unregister(id uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == opcode.OverlayInternal {
		return fmt.Errorf("overlay: id %d is reserved for the engine's internal opcodes", id)
	}

	e := r.slots[id]
	if e == nil {
		return fmt.Errorf("overlay: id %d has no registered overlay", id)
	}
	if e.base != id {
		return fmt.Errorf("overlay: id %d is not the base of its range; unregister id %d instead", id, e.base)
	}
	for i := e.base; i < e.base+e.span; i++ {
		r.slots[i] = nil
	}
	return nil
}

// StatePointer returns the host-visible persistent-state region for the
// overlay registered at id. It performs an implicit Wait (via the
// installed Waiter) first, so the host observes a quiescent copy.
func (r *Registry) StatePointer(id uint8) (*platform.Region, error) {
	r.mu.Lock()
	e := r.slots[id]
	waiter := r.waiter
	r.mu.Unlock()

	if e == nil {
		return nil, fmt.Errorf("overlay: id %d has no registered overlay", id)
	}
	if waiter != nil {
		waiter.Wait()
	}
	return e.state, nil
}

// KernelState returns id's persistent-state region directly, without the
// host-side implicit wait StatePointer performs. Used by the simulated
// dispatch kernel, which is the other side of that wait.
func (r *Registry) KernelState(id uint8) (*platform.Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.slots[id]
	if e == nil {
		return nil, false
	}
	return e.state, true
}

// Lookup returns the descriptor and range covering id, or false if id is
// unassigned or not itself registered. Used by the simulated dispatch
// kernel to resolve command-index-in-range to a command handler and
// to know when an overlay switch is required.
func (r *Registry) Lookup(id uint8) (desc *Descriptor, base uint8, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.slots[id]
	if e == nil {
		return nil, 0, false
	}
	return e.desc, e.base, true
}

// LocalIndex maps an (overlayID, commandIndex) pair to the flat index
// into a Descriptor's Handlers/CommandWords slices, given the range's
// base ID returned by Lookup.
func LocalIndex(overlayID, base, cmdIndex uint8) int {
	return int(overlayID-base)*(int(opcode.MaxCommandIndex)+1) + int(cmdIndex)
}

func (r *Registry) firstFitLocked(span uint8) (uint8, bool) {
	run := uint8(0)
	for i := 0; i < opcode.MaxOverlays; i++ {
		if r.slots[i] == nil {
			run++
		} else {
			run = 0
			continue
		}
		if run == span {
			return uint8(i+1) - span, true
		}
	}
	return 0, false
}

func (r *Registry) installLocked(base, span uint8, desc *Descriptor) {
	state := platform.NewRegion(int((desc.StateSize + 3) / 4))
	for i, b := range desc.Data {
		word := state.Word(uint32(i / 4))
		shift := uint(i%4) * 8
		word = (word &^ (0xFF << shift)) | uint32(b)<<shift
		state.SetWord(uint32(i/4), word)
	}

	e := &entry{desc: desc, base: base, span: span, state: state}
	for i := base; i < base+span; i++ {
		r.slots[i] = e
	}
}
