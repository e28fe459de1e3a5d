package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftcoprocessor/cmdq/internal/block"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/overlay"
	"github.com/riftcoprocessor/cmdq/internal/platform"
	"github.com/riftcoprocessor/cmdq/internal/raster"
	"github.com/riftcoprocessor/cmdq/internal/rdp"
	"github.com/riftcoprocessor/cmdq/internal/ring"
	"github.com/riftcoprocessor/cmdq/internal/syncpoint"
)

// smallRingConfig forces a JUMP after a handful of commands instead of
// thousands, so tests exercise region switching cheaply.
func smallRingConfig() ring.Config {
	return ring.Config{RegionSize: 4 * (opcode.MaxCommandWords + 8)}
}

// counterOverlay registers a single-command overlay whose handler
// increments word 0 of its persistent state by one every time it runs.
func counterOverlay(t *testing.T, overlays *overlay.Registry) uint8 {
	t.Helper()
	desc := &overlay.Descriptor{
		Name:        "counter",
		StateSize:   4,
		NumCommands: 1,
		Handlers: []overlay.CommandHandler{
			func(state *platform.Region, args []uint32) {
				state.SetWord(0, state.Word(0)+1)
			},
		},
	}
	id, err := overlays.Register(desc)
	require.NoError(t, err)
	return id
}

func newTestKernel(t *testing.T) (*Kernel, *ring.Ring, *ring.Ring) {
	t.Helper()
	normal := ring.New(ring.Normal, smallRingConfig())
	highpri := ring.New(ring.HighPriority, smallRingConfig())
	t.Cleanup(func() { normal.Close(); highpri.Close() })

	overlays := overlay.New()
	blocks := block.NewRegistry()
	syncs := syncpoint.New(nil, 8)
	feeder := raster.New(0)
	t.Cleanup(func() { feeder.Close() })
	rasterizer := rdp.NewRasterizer()

	k := New(nil, normal, highpri, overlays, blocks, syncs, feeder, rasterizer)
	return k, normal, highpri
}

func TestKernel_DispatchesOverlayCommandsInOrderAcrossRegions(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	id := counterOverlay(t, k.overlays)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	// RegionSize forces a JUMP every few commands; with the kernel already
	// draining, the writer's backpressure check never has to block on a
	// reader that hasn't started yet.
	const n = 64
	w := ring.NewWriter(normal)
	for i := 0; i < n; i++ {
		w.Write(id, 0)
		w.Flush()
	}

	state, ok := k.overlays.KernelState(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return state.Word(0) == n }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestKernel_CallRunsBlockContentsThenReturns(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	id := counterOverlay(t, k.overlays)

	rec := block.NewRecorder()
	rec.Begin()
	for i := 0; i < 8; i++ {
		rec.Write(id, 0)
	}
	b := rec.End()
	blockID := k.blocks.Put(b)

	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.Call, blockID)
	w.Write(id, 0) // one more after the CALL returns, proves RET worked
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	state, _ := k.overlays.KernelState(id)
	require.Eventually(t, func() bool { return state.Word(0) == 9 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestKernel_RetWithEmptyCallStackPanics(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.Ret)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Panics(t, func() { _ = k.Run(ctx) })
}

func TestKernel_CallToUnknownBlockPanics(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.Call, 999)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Panics(t, func() { _ = k.Run(ctx) })
}

func TestKernel_SwapBuffersOutsideSegmentPanics(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.SwapBuffers)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Panics(t, func() { _ = k.Run(ctx) })
}

func TestKernel_SyncpointAdvancesTracker(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	id := k.syncs.Create()

	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.Syncpoint, id)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return k.syncs.Check(id) }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestKernel_FixupPatchesBlockRasterBuffer(t *testing.T) {
	k, normal, _ := newTestKernel(t)

	const fixupKind uint8 = 7
	raster.RegisterFixup(fixupKind, func(ctx raster.FixupContext) []uint32 {
		return []uint32{0xBEEF}
	})

	rec := block.NewRecorder()
	rec.Begin()
	rec.ReserveFixup(fixupKind, 1)
	b := rec.End()
	blockID := k.blocks.Put(b)

	require.Equal(t, []uint32{0}, b.RasterWords())

	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.Call, blockID)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		words := b.RasterWords()
		return len(words) == 1 && words[0] == 0xBEEF
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestKernel_WriteStatusClearsMaskedBits(t *testing.T) {
	k, normal, _ := newTestKernel(t)
	k.status = 0xFF

	w := ring.NewWriter(normal)
	w.Write(opcode.OverlayInternal, opcode.WriteStatus, 0x0F)
	w.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return k.Status() == 0xF0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
