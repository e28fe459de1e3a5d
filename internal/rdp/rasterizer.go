package rdp

import (
	"fmt"
	"sync"
)

// Format is a surface's pixel encoding.
type Format uint8

const (
	FormatRGBA16 Format = iota
	FormatRGBA32
	FormatI8
)

// BytesPerPixel returns the storage width of one pixel in this format.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatRGBA32:
		return 4
	case FormatI8:
		return 1
	default:
		return 2
	}
}

// Surface is a color or Z image the rasterizer can render into or
// sample from.
type Surface struct {
	Format Format
	Width  int
	Height int
	Pixels []byte
}

// NewSurface allocates a zeroed surface.
func NewSurface(format Format, width, height int) *Surface {
	if width <= 0 || height <= 0 {
		panic("rdp: surface dimensions must be positive")
	}
	return &Surface{
		Format: format,
		Width:  width,
		Height: height,
		Pixels: make([]byte, width*height*format.BytesPerPixel()),
	}
}

func (s *Surface) offset(x, y int) int {
	return (y*s.Width + x) * s.Format.BytesPerPixel()
}

// SetPixel writes value (truncated to the format's width) at (x, y).
func (s *Surface) SetPixel(x, y int, value uint32) {
	off := s.offset(x, y)
	switch s.Format.BytesPerPixel() {
	case 1:
		s.Pixels[off] = byte(value)
	case 2:
		s.Pixels[off] = byte(value >> 8)
		s.Pixels[off+1] = byte(value)
	case 4:
		s.Pixels[off] = byte(value >> 24)
		s.Pixels[off+1] = byte(value >> 16)
		s.Pixels[off+2] = byte(value >> 8)
		s.Pixels[off+3] = byte(value)
	}
}

// Pixel reads the value at (x, y).
func (s *Surface) Pixel(x, y int) uint32 {
	off := s.offset(x, y)
	switch s.Format.BytesPerPixel() {
	case 1:
		return uint32(s.Pixels[off])
	case 2:
		return uint32(s.Pixels[off])<<8 | uint32(s.Pixels[off+1])
	case 4:
		return uint32(s.Pixels[off])<<24 | uint32(s.Pixels[off+1])<<16 | uint32(s.Pixels[off+2])<<8 | uint32(s.Pixels[off+3])
	}
	return 0
}

// Rasterizer is the simulated coprocessor-resident rendering backend.
// Overlays never touch it directly; dispatched rasterizer words are
// interpreted here, mirroring what the real hardware's state machine
// would do.
type Rasterizer struct {
	mu sync.Mutex

	surfaces   map[uint32]*Surface
	nextHandle uint32

	colorImage *Surface
	zImage     *Surface
	scissor    [4]int
	fillColor  uint32
	cycle      CycleType

	busy bool
}

// NewRasterizer constructs an idle rasterizer with no attached surfaces.
func NewRasterizer() *Rasterizer {
	return &Rasterizer{surfaces: make(map[uint32]*Surface)}
}

// Attach registers a surface and returns a handle usable in
// EncodeSetColorImage / EncodeSetZImage / EncodeSetTextureImage.
func (r *Rasterizer) Attach(s *Surface) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	h := r.nextHandle
	r.surfaces[h] = s
	return h
}

// Release drops a surface handle. The caller must ensure the rasterizer
// is idle and no further dispatch will reference it.
func (r *Rasterizer) Release(handle uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.surfaces, handle)
}

// FormatOf reports a surface handle's pixel format, for the validator's
// format-dependent checks (copy mode on a 32-bpp color image, etc.),
// which otherwise sees only the command stream and not surface objects.
func (r *Rasterizer) FormatOf(handle uint32) (Format, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[handle]
	if !ok {
		return 0, false
	}
	return s.Format, true
}

// CycleMode returns the pipeline mode last set by SET_OTHER_MODES, for
// fixup handlers that need to know it to compute their real encoding.
func (r *Rasterizer) CycleMode() CycleType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle
}

// ColorFormat returns the currently attached color image's pixel format,
// or FormatRGBA16 if nothing is attached. Fixup handlers consult this to
// pick a bit-depth-dependent encoding.
func (r *Rasterizer) ColorFormat() Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.colorImage == nil {
		return FormatRGBA16
	}
	return r.colorImage.Format
}

// Busy reports whether a dispatch is (simulated as) still in flight.
// The fake rasterizer executes synchronously, so this is only ever true
// between Execute's internal busy-set and its own clear; exposed for
// RDP_WAIT_IDLE's contract.
func (r *Rasterizer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// FillSurface overwrites every pixel of the surface registered at handle
// with value. This is the fast DMA-engine clear path (as opposed to
// fillRectLocked's rasterizer-pipeline path): it ignores scissor and
// cycle mode entirely, the way a real memset-style DMA fill would.
func (r *Rasterizer) FillSurface(handle uint32, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.surfaces[handle]
	if !ok {
		return fmt.Errorf("rdp: DMA fill references unknown handle %d", handle)
	}
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			s.SetPixel(x, y, value)
		}
	}
	return nil
}

// Execute interprets a contiguous rasterizer word range, mutating
// rasterizer state and surface contents in order.
func (r *Rasterizer) Execute(words []uint32) error {
	instrs, err := Disassemble(words)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = true
	defer func() { r.busy = false }()

	for _, in := range instrs {
		if err := r.applyLocked(in); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rasterizer) applyLocked(in Instruction) error {
	switch in.Op {
	case OpSetColorImage:
		s, ok := r.surfaces[in.Words[1]]
		if !ok {
			return fmt.Errorf("rdp: SET_COLOR_IMAGE references unknown handle %d", in.Words[1])
		}
		r.colorImage = s
	case OpSetZImage:
		if in.Words[1] == 0 {
			r.zImage = nil
			return nil
		}
		s, ok := r.surfaces[in.Words[1]]
		if !ok {
			return fmt.Errorf("rdp: SET_Z_IMAGE references unknown handle %d", in.Words[1])
		}
		r.zImage = s
	case OpSetOtherModes:
		r.cycle = CycleType(in.Words[1])
	case OpSetFillColor:
		r.fillColor = in.Words[1]
	case OpSetScissor:
		x0, y0 := unpackRect(in.Words[1])
		x1, y1 := unpackRect(in.Words[2])
		r.scissor = [4]int{x0, y0, x1, y1}
	case OpSetCombine, OpSetTile, OpSetTextureImage:
		// Pipeline configuration the fake rasterizer does not need to
		// execute; tracked for validation only.
	case OpFillRect:
		if r.cycle != CycleFill {
			return fmt.Errorf("rdp: FILL_RECT issued while cycle mode is %s, not fill", r.cycle)
		}
		if r.colorImage == nil {
			return fmt.Errorf("rdp: FILL_RECT with no color image attached")
		}
		x0, y0 := unpackRect(in.Words[1])
		x1, y1 := unpackRect(in.Words[2])
		r.fillRectLocked(x0, y0, x1, y1)
	case OpSyncFull:
		// No state change; syncpoint completion is modeled by the
		// syncpoint package, not here.
	default:
		return fmt.Errorf("rdp: invalid opcode %d at offset %d", in.Op, in.Offset)
	}
	return nil
}

func (r *Rasterizer) fillRectLocked(x0, y0, x1, y1 int) {
	x0 = max(x0, r.scissor[0])
	y0 = max(y0, r.scissor[1])
	x1 = min(x1, r.scissor[2])
	y1 = min(y1, r.scissor[3])
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r.colorImage.SetPixel(x, y, r.fillColor)
		}
	}
}
