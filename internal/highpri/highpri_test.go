package highpri

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/ring"
)

type fakePreemptor struct {
	requested atomic.Bool
	completed atomic.Uint64
}

func (f *fakePreemptor) RequestSwitch()         { f.requested.Store(true) }
func (f *fakePreemptor) SegmentsCompleted() uint64 { return f.completed.Load() }

func smallConfig() ring.Config {
	return ring.Config{RegionSize: 4 * (opcode.MaxCommandWords + 8)}
}

func TestQueue_BeginRequestsSwitch(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	k := &fakePreemptor{}
	q := New(r, k)

	q.Begin()
	assert.True(t, k.requested.Load())
}

func TestQueue_BeginTwiceWithoutEndPanics(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	q := New(r, &fakePreemptor{})

	q.Begin()
	assert.Panics(t, func() { q.Begin() })
}

func TestQueue_EndWithoutBeginPanics(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	q := New(r, &fakePreemptor{})

	assert.Panics(t, func() { q.End() })
}

func TestQueue_EndWritesSwapBuffers(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	q := New(r, &fakePreemptor{})

	q.Begin()
	q.End()

	region := r.Region(0)
	overlayID, cmdIndex, _ := opcode.DecodeHeader(region.Word(0))
	require.Equal(t, opcode.OverlayInternal, overlayID)
	assert.Equal(t, opcode.SwapBuffers, cmdIndex)
	assert.False(t, q.Open())
}

func TestQueue_SyncBlocksUntilSegmentsCatchUp(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	k := &fakePreemptor{}
	q := New(r, k)

	q.Begin()
	q.End()

	done := make(chan struct{})
	go func() {
		q.Sync()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sync returned before the kernel reported the segment complete")
	case <-time.After(20 * time.Millisecond):
	}

	k.completed.Store(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync never unblocked")
	}
}

func TestQueue_SyncReturnsImmediatelyWithNoSegments(t *testing.T) {
	r := ring.New(ring.HighPriority, smallConfig())
	defer r.Close()
	q := New(r, &fakePreemptor{})

	done := make(chan struct{})
	go func() {
		q.Sync()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync blocked with no segments opened")
	}
}
