package rdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisassemble_RoundTripsEveryOp(t *testing.T) {
	var stream []uint32
	stream = append(stream, EncodeSetColorImage(7)...)
	stream = append(stream, EncodeSetZImage(0)...)
	stream = append(stream, EncodeSetOtherModes(CycleFill)...)
	stream = append(stream, EncodeSetFillColor(0xFFFF)...)
	stream = append(stream, EncodeSetScissor(0, 0, 32, 32)...)
	stream = append(stream, EncodeSetCombine(1, 2)...)
	stream = append(stream, EncodeSetTile(3, 1, 0x100, 64)...)
	stream = append(stream, EncodeSetTextureImage(9)...)
	stream = append(stream, EncodeFillRect(0, 0, 32, 32)...)
	stream = append(stream, EncodeSyncFull()...)

	instrs, err := Disassemble(stream)
	require.NoError(t, err)
	require.Len(t, instrs, 10)

	var reencoded []uint32
	for _, in := range instrs {
		reencoded = append(reencoded, in.Words...)
	}
	assert.Equal(t, stream, reencoded)
}

func TestDisassemble_TruncatedStreamErrors(t *testing.T) {
	stream := EncodeSetScissor(0, 0, 1, 1)
	_, err := Disassemble(stream[:len(stream)-1])
	assert.Error(t, err)
}

func TestRasterizer_FillRectWritesExpectedPixels(t *testing.T) {
	r := NewRasterizer()
	surf := NewSurface(FormatRGBA16, 32, 32)
	handle := r.Attach(surf)

	var stream []uint32
	stream = append(stream, EncodeSetColorImage(handle)...)
	stream = append(stream, EncodeSetOtherModes(CycleFill)...)
	stream = append(stream, EncodeSetFillColor(0xFFFF)...)
	stream = append(stream, EncodeSetScissor(0, 0, 32, 32)...)
	stream = append(stream, EncodeFillRect(0, 0, 32, 32)...)
	stream = append(stream, EncodeSyncFull()...)

	require.NoError(t, r.Execute(stream))

	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			require.Equal(t, uint32(0xFFFF), surf.Pixel(x, y))
		}
	}
}

func TestRasterizer_FillRectOutsideFillModeErrors(t *testing.T) {
	r := NewRasterizer()
	surf := NewSurface(FormatRGBA16, 32, 32)
	handle := r.Attach(surf)

	var stream []uint32
	stream = append(stream, EncodeSetColorImage(handle)...)
	stream = append(stream, EncodeSetOtherModes(CycleOneCycle)...)
	stream = append(stream, EncodeSetFillColor(0xFFFF)...)
	stream = append(stream, EncodeSetScissor(0, 0, 32, 32)...)
	stream = append(stream, EncodeFillRect(0, 0, 32, 32)...)

	err := r.Execute(stream)
	assert.Error(t, err)
}
