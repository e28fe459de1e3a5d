// Package attach implements the engine's attachment stack: a bounded
// LIFO of (color, depth) render-target pairs, installed as the
// rasterizer's current target and restored on detach.
package attach

import (
	"fmt"
	"sync"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
	"github.com/riftcoprocessor/cmdq/internal/syncpoint"
)

// MaxDepth is the attachment stack's bounded depth.
const MaxDepth = 4

// clearAlignment is the surface byte-size granularity eligible for the
// fast DMA-style fill path; anything else falls back to a fill-rect.
const clearAlignment = 64

// Frame is one (color, depth) pair on the stack. Depth is nil when the
// attachment has no Z buffer.
type Frame struct {
	Color *rdp.Surface
	Depth *rdp.Surface
}

// Waiter lets Stack perform DetachWait's implicit drain without
// depending on the engine façade directly.
type Waiter interface {
	Wait()
}

// Stack is the engine's attachment stack.
type Stack struct {
	mu     sync.Mutex
	frames []Frame

	raster *rdp.Rasterizer
	feeder *raster.Feeder
}

// New constructs an empty attachment stack targeting the given
// rasterizer and feeder.
func New(r *rdp.Rasterizer, f *raster.Feeder) *Stack {
	return &Stack{raster: r, feeder: f}
}

// IsAttached reports whether any render target is currently attached.
func (s *Stack) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) > 0
}

// GetAttached returns the current top frame, if any.
func (s *Stack) GetAttached() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// pushFrame pushes (color, depth) onto the stack, enforcing MaxDepth.
func (s *Stack) pushFrame(color, depth *rdp.Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= MaxDepth {
		panic(fmt.Sprintf("attach: attachment stack overflow (max depth %d)", MaxDepth))
	}
	s.frames = append(s.frames, Frame{Color: color, Depth: depth})
}

// Attach pushes (color, depth) and installs it as the rasterizer's
// current target: color image, Z image, and scissor are all set to the
// full surface.
func (s *Stack) Attach(sink cmdsink.Sink, color, depth *rdp.Surface) {
	s.pushFrame(color, depth)
	s.installFrame(sink, color, depth)
}

// AttachClear is Attach followed by an automatic clear of the color
// surface to clearColor (and, if present, of the depth surface to 0).
// Adequately-aligned surfaces clear via the fast DMA path; others fall
// back to an explicit fill rectangle.
func (s *Stack) AttachClear(sink cmdsink.Sink, color, depth *rdp.Surface, clearColor uint32) {
	s.pushFrame(color, depth)
	colorHandle, depthHandle := s.installFrame(sink, color, depth)
	s.emitClear(sink, color, colorHandle, clearColor)
	if depth != nil {
		s.emitClear(sink, depth, depthHandle, 0)
	}
}

// Detach pops the current frame and restores whatever was beneath it.
// If the stack is now empty nothing is emitted, so the detached surfaces
// stay installed on the rasterizer.
func (s *Stack) Detach(sink cmdsink.Sink) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		panic("attach: detach called with nothing attached")
	}
	s.frames = s.frames[:len(s.frames)-1]
	var prior Frame
	hasPrior := len(s.frames) > 0
	if hasPrior {
		prior = s.frames[len(s.frames)-1]
	}
	s.mu.Unlock()

	if hasPrior {
		s.installFrame(sink, prior.Color, prior.Depth)
	}
}

// DetachWait is Detach followed by a full queue drain, so the host can
// safely read back the surface that was just detached.
func (s *Stack) DetachWait(sink cmdsink.Sink, waiter Waiter) {
	s.Detach(sink)
	waiter.Wait()
}

// DetachCB is Detach followed by a syncpoint carrying cb, which fires
// once the detach's rasterizer commands have actually executed.
func (s *Stack) DetachCB(sink cmdsink.Sink, tracker *syncpoint.Tracker, cb syncpoint.Callback, arg any) {
	s.Detach(sink)
	tracker.EmitWithCallback(sink, cb, arg)
}

// DetachShow is Detach followed by a wait and then handing the detached
// surface to the display (a host-side no-op in this simulation: the
// surface's pixels are already host-visible memory).
func (s *Stack) DetachShow(sink cmdsink.Sink, waiter Waiter) *rdp.Surface {
	s.mu.Lock()
	current, ok := s.currentLocked()
	s.mu.Unlock()
	if !ok {
		panic("attach: detach_show called with nothing attached")
	}
	s.DetachWait(sink, waiter)
	return current.Color
}

func (s *Stack) currentLocked() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// installFrame installs (color, depth) as the rasterizer's current
// target and returns the handles Attach registered them under, so
// callers that need to reference the same surfaces again (AttachClear's
// DMA fast path) don't have to re-register them under a second handle.
func (s *Stack) installFrame(sink cmdsink.Sink, color, depth *rdp.Surface) (colorHandle, depthHandle uint32) {
	colorHandle = s.raster.Attach(color)
	var words []uint32
	words = append(words, rdp.EncodeSetColorImage(colorHandle)...)
	if depth != nil {
		depthHandle = s.raster.Attach(depth)
		words = append(words, rdp.EncodeSetZImage(depthHandle)...)
	} else {
		words = append(words, rdp.EncodeSetZImage(0)...)
	}
	words = append(words, rdp.EncodeSetScissor(0, 0, color.Width, color.Height)...)
	s.dispatch(sink, words)
	return colorHandle, depthHandle
}

// emitClear clears surf to clearColor. Surfaces whose byte size is a
// multiple of clearAlignment take the DMA engine's fast fill path (an
// opcode.Dma command with direction DMAFillClear); everything else
// falls back to the rasterizer-pipeline fill-rect sequence.
func (s *Stack) emitClear(sink cmdsink.Sink, surf *rdp.Surface, handle uint32, clearColor uint32) {
	byteSize := surf.Width * surf.Height * surf.Format.BytesPerPixel()
	if byteSize%clearAlignment == 0 {
		sink.Write(opcode.OverlayInternal, opcode.Dma, uint32(opcode.DMAFillClear), handle, clearColor)
		return
	}
	var words []uint32
	words = append(words, rdp.EncodeSetOtherModes(rdp.CycleFill)...)
	words = append(words, rdp.EncodeSetFillColor(clearColor)...)
	words = append(words, rdp.EncodeSetScissor(0, 0, surf.Width, surf.Height)...)
	words = append(words, rdp.EncodeFillRect(0, 0, surf.Width, surf.Height)...)
	words = append(words, rdp.EncodeSyncFull()...)
	s.dispatch(sink, words)
}

func (s *Stack) dispatch(sink cmdsink.Sink, words []uint32) {
	buf, start, end := s.feeder.Reserve(uint32(len(words)))
	region := s.feeder.Buffer(buf)
	for i, w := range words {
		region.SetWord(start+uint32(i), w)
	}
	sink.Write(opcode.OverlayInternal, opcode.RdpDispatch, end, start, uint32(buf))
}
