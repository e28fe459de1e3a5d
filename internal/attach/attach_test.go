package attach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
)

type recordingSink struct {
	writes [][]uint32 // each entry: {overlayID, cmdIndex, args...}
}

func (s *recordingSink) Write(overlayID, cmdIndex uint8, args ...uint32) {
	rec := append([]uint32{uint32(overlayID), uint32(cmdIndex)}, args...)
	s.writes = append(s.writes, rec)
}
func (s *recordingSink) WriteBegin(overlayID, cmdIndex uint8, totalWords uint32) *cmdsink.Cursor {
	return cmdsink.NewCursor(overlayID, cmdIndex, totalWords, func(o, c uint8, args []uint32) {
		s.Write(o, c, args...)
	})
}
func (s *recordingSink) Flush() {}

func newStack(t *testing.T) (*Stack, *recordingSink) {
	t.Helper()
	r := rdp.NewRasterizer()
	f := raster.New(raster.DefaultBufferWords)
	t.Cleanup(func() { _ = f.Close() })
	return New(r, f), &recordingSink{}
}

func TestStack_AttachPushesFrameAndDispatchesSetImage(t *testing.T) {
	s, sink := newStack(t)
	color := rdp.NewSurface(rdp.FormatRGBA16, 32, 32)

	s.Attach(sink, color, nil)

	require.True(t, s.IsAttached())
	f, ok := s.GetAttached()
	require.True(t, ok)
	assert.Same(t, color, f.Color)
	assert.Nil(t, f.Depth)

	require.Len(t, sink.writes, 1)
	assert.Equal(t, uint32(opcode.OverlayInternal), sink.writes[0][0])
	assert.Equal(t, uint32(opcode.RdpDispatch), sink.writes[0][1])
}

func TestStack_DetachRestoresPriorFrame(t *testing.T) {
	s, sink := newStack(t)
	a := rdp.NewSurface(rdp.FormatRGBA16, 16, 16)
	b := rdp.NewSurface(rdp.FormatRGBA16, 16, 16)

	s.Attach(sink, a, nil)
	s.Attach(sink, b, nil)
	require.Len(t, sink.writes, 2)

	s.Detach(sink)
	require.Len(t, sink.writes, 3) // restoring a dispatches again
	cur, ok := s.GetAttached()
	require.True(t, ok)
	assert.Same(t, a, cur.Color)

	s.Detach(sink)
	assert.False(t, s.IsAttached())
	require.Len(t, sink.writes, 3) // nothing left to restore, no extra dispatch
}

func TestStack_DetachWithNothingAttachedPanics(t *testing.T) {
	s, sink := newStack(t)
	assert.Panics(t, func() { s.Detach(sink) })
}

func TestStack_AttachBeyondMaxDepthPanics(t *testing.T) {
	s, sink := newStack(t)
	for i := 0; i < MaxDepth; i++ {
		s.Attach(sink, rdp.NewSurface(rdp.FormatRGBA16, 8, 8), nil)
	}
	assert.Panics(t, func() {
		s.Attach(sink, rdp.NewSurface(rdp.FormatRGBA16, 8, 8), nil)
	})
}

func TestStack_AttachClearEmitsClearDispatchForColorAndDepth(t *testing.T) {
	s, sink := newStack(t)
	color := rdp.NewSurface(rdp.FormatRGBA16, 8, 8)
	depth := rdp.NewSurface(rdp.FormatRGBA16, 8, 8)

	s.AttachClear(sink, color, depth, 0xFFFF)

	// 1 install dispatch + 1 clear dispatch for color + 1 clear dispatch for depth
	require.Len(t, sink.writes, 3)
}

func TestStack_AttachClearUsesDmaFastPathWhenAligned(t *testing.T) {
	s, sink := newStack(t)
	// 8x8 RGBA16 is 128 bytes, a multiple of clearAlignment.
	color := rdp.NewSurface(rdp.FormatRGBA16, 8, 8)

	s.AttachClear(sink, color, nil, 0xFFFF)

	require.Len(t, sink.writes, 2) // install dispatch + clear
	clear := sink.writes[1]
	assert.Equal(t, uint32(opcode.OverlayInternal), clear[0])
	assert.Equal(t, uint32(opcode.Dma), clear[1])
	assert.Equal(t, uint32(opcode.DMAFillClear), clear[2])
}

func TestStack_AttachClearFallsBackToFillRectWhenUnaligned(t *testing.T) {
	s, sink := newStack(t)
	// 3x3 RGBA16 is 18 bytes, not a multiple of clearAlignment.
	color := rdp.NewSurface(rdp.FormatRGBA16, 3, 3)

	s.AttachClear(sink, color, nil, 0xFFFF)

	require.Len(t, sink.writes, 2) // install dispatch + clear
	clear := sink.writes[1]
	assert.Equal(t, uint32(opcode.OverlayInternal), clear[0])
	assert.Equal(t, uint32(opcode.RdpDispatch), clear[1])
}

type waiterFunc func()

func (w waiterFunc) Wait() { w() }

func TestStack_DetachWaitCallsWaiter(t *testing.T) {
	s, sink := newStack(t)
	s.Attach(sink, rdp.NewSurface(rdp.FormatRGBA16, 8, 8), nil)

	called := false
	s.DetachWait(sink, waiterFunc(func() { called = true }))
	assert.True(t, called)
}

func TestStack_DetachShowReturnsDetachedColorSurface(t *testing.T) {
	s, sink := newStack(t)
	color := rdp.NewSurface(rdp.FormatRGBA16, 8, 8)
	s.Attach(sink, color, nil)

	got := s.DetachShow(sink, waiterFunc(func() {}))
	assert.Same(t, color, got)
}

func TestStack_DetachShowWithNothingAttachedPanics(t *testing.T) {
	s, sink := newStack(t)
	assert.Panics(t, func() { s.DetachShow(sink, waiterFunc(func() {})) })
}
