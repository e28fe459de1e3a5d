package ring

import (
	"fmt"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
)

// Writer is the host-side command producer for a single ring. It owns no
// state beyond a pointer back to the ring: reservation, the
// publish-word-0-last discipline, and backpressure all live in Ring
// itself so the block recorder can implement the same cmdsink.Sink
// shape against a growable buffer instead of a fixed ring.
type Writer struct {
	r *Ring
}

// NewWriter wraps a ring with the command-writer API.
func NewWriter(r *Ring) *Writer {
	return &Writer{r: r}
}

// Write queues a single command whose arguments are all known up front.
// args may be empty. The command is not guaranteed to be visible to the
// consumer until Flush.
func (w *Writer) Write(overlayID, cmdIndex uint8, args ...uint32) {
	w.commit(overlayID, cmdIndex, args)
}

// WriteBegin opens a cursor for a command too large to build as a single
// args slice inline. totalWords counts the header word itself, so the
// cursor accepts totalWords-1 further words through Arg before End must
// be called.
func (w *Writer) WriteBegin(overlayID, cmdIndex uint8, totalWords uint32) *cmdsink.Cursor {
	if totalWords > opcode.MaxCommandWords {
		panic(fmt.Sprintf("ring: write_begin total %d exceeds MaxCommandWords %d", totalWords, opcode.MaxCommandWords))
	}
	return cmdsink.NewCursor(overlayID, cmdIndex, totalWords, w.commit)
}

// Flush wakes the consumer so it processes up to and including the last
// published command. Always safe, and cheap, to call redundantly.
func (w *Writer) Flush() {
	w.r.Flush()
}

// commit reserves room for the command and publishes it: argument words
// first, then the header word, so a consumer racing the writer never
// observes a non-zero header paired with stale or zero argument words.
func (w *Writer) commit(overlayID, cmdIndex uint8, args []uint32) {
	n := uint32(len(args)) + 1
	region, offset := w.r.reserve(n)

	for i, a := range args {
		region.SetWord(offset+1+uint32(i), a)
	}
	region.SetWord(offset, opcode.Header(overlayID, cmdIndex, 0))
}
