package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftcoprocessor/cmdq/internal/opcode"
)

func TestRecorder_WriteThenEndSealsWithRet(t *testing.T) {
	r := NewRecorder()
	r.Begin()
	r.Write(2, 1, 0xAAAA)
	b := r.End()

	require.Equal(t, 1, b.ChunkCount())
	c := b.Chunk(0)

	overlayID, cmdIndex, _ := opcode.DecodeHeader(c.Word(0))
	assert.Equal(t, uint8(2), overlayID)
	assert.Equal(t, uint8(1), cmdIndex)
	assert.Equal(t, uint32(0xAAAA), c.Word(1))

	retOverlay, retIndex, _ := opcode.DecodeHeader(c.Word(2))
	assert.Equal(t, opcode.OverlayInternal, retOverlay)
	assert.Equal(t, opcode.Ret, retIndex)
}

func TestRecorder_NestedBeginPanics(t *testing.T) {
	r := NewRecorder()
	r.Begin()
	assert.Panics(t, func() { r.Begin() })
}

func TestRecorder_EndWithoutBeginPanics(t *testing.T) {
	r := NewRecorder()
	assert.Panics(t, func() { r.End() })
}

func TestRecorder_WriteOutsideRecordingPanics(t *testing.T) {
	r := NewRecorder()
	assert.Panics(t, func() { r.Write(0, 1) })
}

func TestRecorder_CursorRoundTrip(t *testing.T) {
	r := NewRecorder()
	r.Begin()
	c := r.WriteBegin(1, 3, 3)
	c.Arg(10)
	c.Arg(20)
	c.End()
	b := r.End()

	chunk := b.Chunk(0)
	assert.Equal(t, uint32(10), chunk.Word(1))
	assert.Equal(t, uint32(20), chunk.Word(2))
}

func TestRecorder_GrowthChainsChunksWithJump(t *testing.T) {
	r := NewRecorder()
	r.Begin()

	// minChunkWords=128, each 1-arg command is 2 words; force growth
	// well past the first chunk's capacity.
	for i := 0; i < 100; i++ {
		r.Write(0, 1, uint32(i))
	}
	b := r.End()

	require.Greater(t, b.ChunkCount(), 1)

	first := b.Chunk(0)
	lastWordIdx := first.Len() - 2
	overlayID, cmdIndex, _ := opcode.DecodeHeader(first.Word(lastWordIdx))
	assert.Equal(t, opcode.OverlayInternal, overlayID)
	assert.Equal(t, opcode.Jump, cmdIndex)
	assert.Equal(t, uint32(1), first.Word(lastWordIdx+1))
}

func TestRecorder_FlushIsNoop(t *testing.T) {
	r := NewRecorder()
	r.Begin()
	assert.NotPanics(t, func() { r.Flush() })
}
