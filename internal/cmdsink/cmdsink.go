// Package cmdsink defines the common command-writer shape the Command
// Writer (ring.Writer, writing to a live ring) and the Block Recorder
// (block.Recorder, writing to a growable recording buffer) both
// implement, so the engine façade can redirect writes between the two
// without knowing which one it is holding.
package cmdsink

import "fmt"

// Sink is a destination for commands: either a live ring or a block
// recording in progress.
type Sink interface {
	// Write queues a single command whose arguments are all known up
	// front.
	Write(overlayID, cmdIndex uint8, args ...uint32)
	// WriteBegin opens a cursor for a command built up over several
	// calls. totalWords counts the header word itself.
	WriteBegin(overlayID, cmdIndex uint8, totalWords uint32) *Cursor
	// Flush ensures the consumer will observe everything written so
	// far. A no-op while a block recording is in progress.
	Flush()
}

// Cursor accumulates one command's argument words across several Arg
// calls before committing them as a unit via the owning Sink's commit
// function, preserving the header-word-last publication discipline for
// multi-call commands exactly as it holds for Sink.Write.
type Cursor struct {
	overlayID uint8
	cmdIndex  uint8
	args      []uint32
	pos       int
	commit    func(overlayID, cmdIndex uint8, args []uint32)
}

// NewCursor constructs a cursor with totalWords-1 argument slots; commit
// is called once, by End, with the fully populated argument slice.
func NewCursor(overlayID, cmdIndex uint8, totalWords uint32, commit func(overlayID, cmdIndex uint8, args []uint32)) *Cursor {
	if totalWords == 0 {
		panic("cmdsink: write_begin requires at least 1 word (the header)")
	}
	return &Cursor{
		overlayID: overlayID,
		cmdIndex:  cmdIndex,
		args:      make([]uint32, totalWords-1),
		commit:    commit,
	}
}

// Arg appends the next argument word. Panics if more words are written
// than WriteBegin reserved.
func (c *Cursor) Arg(word uint32) {
	if c.pos >= len(c.args) {
		panic(fmt.Sprintf("cmdsink: write_arg overflows the %d words reserved by write_begin", len(c.args)))
	}
	c.args[c.pos] = word
	c.pos++
}

// End commits the command. Panics if fewer words were written than
// reserved — a partially-built command must never reach the sink.
func (c *Cursor) End() {
	if c.pos != len(c.args) {
		panic(fmt.Sprintf("cmdsink: write_end called after %d of %d reserved words", c.pos, len(c.args)))
	}
	c.commit(c.overlayID, c.cmdIndex, c.args)
	c.commit = nil
}
