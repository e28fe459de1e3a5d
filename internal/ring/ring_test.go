package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftcoprocessor/cmdq/internal/opcode"
)

// smallConfig returns a config just large enough to satisfy wordCount's
// lower bound, so tests can force a JUMP after a handful of commands
// instead of thousands.
func smallConfig() Config {
	return Config{RegionSize: 4 * (opcode.MaxCommandWords + 8)}
}

func TestWriter_WriteThenReadPublishesHeaderLast(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	w.Write(3, 5, 0xAAAA, 0xBBBB)

	region := r.Region(0)
	overlayID, cmdIndex, _ := opcode.DecodeHeader(region.Word(0))
	assert.Equal(t, uint8(3), overlayID)
	assert.Equal(t, uint8(5), cmdIndex)
	assert.Equal(t, uint32(0xAAAA), region.Word(1))
	assert.Equal(t, uint32(0xBBBB), region.Word(2))
}

func TestWriter_CursorRoundTrip(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	c := w.WriteBegin(7, 2, 4)
	c.Arg(1)
	c.Arg(2)
	c.Arg(3)
	c.End()

	region := r.Region(0)
	overlayID, cmdIndex, _ := opcode.DecodeHeader(region.Word(0))
	assert.Equal(t, uint8(7), overlayID)
	assert.Equal(t, uint8(2), cmdIndex)
	assert.Equal(t, uint32(1), region.Word(1))
	assert.Equal(t, uint32(2), region.Word(2))
	assert.Equal(t, uint32(3), region.Word(3))
}

func TestCursor_EndBeforeAllArgsPanics(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	c := w.WriteBegin(0, 1, 3)
	c.Arg(1)
	assert.Panics(t, func() { c.End() })
}

func TestCursor_ArgOverflowPanics(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	c := w.WriteBegin(0, 1, 2)
	c.Arg(1)
	assert.Panics(t, func() { c.Arg(2) })
}

func TestRing_ReserveAcrossSentinelEmitsJump(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	words := r.RegionWords()
	sentinel := r.sentinel
	require.Less(t, sentinel, words)

	// Fill region 0 with 1-word (2-word-total) commands until the next
	// reservation would cross the sentinel, simulating drain as we go so
	// reserve never blocks on backpressure.
	for r.writeOffset+2 <= sentinel {
		before := r.writeOffset
		w.Write(0, 1, 0xCAFE)
		r.AdvanceRead(r.writeOffset - before)
	}

	offsetBeforeJump := r.writeOffset
	w.Write(0, 1, 0xF00D)
	r.AdvanceRead(2)

	region0 := r.Region(0)
	jumpOverlay, jumpIndex, _ := opcode.DecodeHeader(region0.Word(offsetBeforeJump))
	assert.Equal(t, opcode.OverlayInternal, jumpOverlay)
	assert.Equal(t, opcode.Jump, jumpIndex)
	assert.Equal(t, uint32(1), region0.Word(offsetBeforeJump+1))

	// The command that crossed the sentinel landed at the start of region 1.
	region1 := r.Region(1)
	overlayID, cmdIndex, _ := opcode.DecodeHeader(region1.Word(0))
	assert.Equal(t, uint8(0), overlayID)
	assert.Equal(t, uint8(1), cmdIndex)
	assert.Equal(t, uint32(0xF00D), region1.Word(1))
}

func TestRing_FullRingBlocksWriterUntilDrained(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()
	w := NewWriter(r)

	// Pretend the writer is already exactly one region's worth of words
	// ahead of the reader, without disturbing writeOffset, so the next
	// reserve exercises awaitSpace's backpressure check in isolation from
	// jump/sentinel handling.
	capacity := uint64(r.RegionWords())
	r.writePos = capacity

	done := make(chan struct{})
	go func() {
		w.Write(0, 1, 0) // 2 words: must block until the reader advances
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write returned before the reader advanced")
	case <-time.After(20 * time.Millisecond):
	}

	r.AdvanceRead(2)

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("write never unblocked after the reader advanced")
	}
}

func TestRing_FlushIsIdempotentAndNonBlocking(t *testing.T) {
	r := New(Normal, smallConfig())
	defer r.Close()

	r.Flush()
	r.Flush()
	r.Flush()

	select {
	case <-r.Wake():
	default:
		t.Fatal("expected a pending wake signal after Flush")
	}
}
