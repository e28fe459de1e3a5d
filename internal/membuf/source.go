// Package membuf defines the minimal interface the simulated dispatch
// kernel needs to walk a command stream, independent of whether the words
// underneath come from a live ring region or a prerecorded block chunk.
package membuf

// Source is a read-only, word-addressed view over a fixed-capacity span of
// command words. ring.Region (a live queue region) and block.chunk
// (a prerecorded buffer) both satisfy it, which lets the dispatch loop's
// JUMP/CALL/RET handling treat "the ring" and "a block" identically.
type Source interface {
	// Word returns the word at the given offset. The dispatch loop never
	// reads past Len, except to detect the not-yet-written sentinel at
	// the writer's current reservation, which callers must guard against
	// themselves (e.g. ring regions allow reading an as-yet-unpublished
	// zero word by design).
	Word(offset uint32) uint32
	// Len reports the source's capacity in words.
	Len() uint32
}
