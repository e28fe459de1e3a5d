// Package rdp defines the engine's own rasterizer command encoding and
// disassembly tables. This package's encode/decode pair is the
// authoritative reference the validator disassembles against and the
// simulated rasterizer executes.
package rdp

import "fmt"

// Op identifies a rasterizer command.
type Op uint8

const (
	OpInvalid Op = iota
	OpSetColorImage
	OpSetZImage
	OpSetOtherModes
	OpSetFillColor
	OpSetScissor
	OpSetCombine
	OpSetTile
	OpSetTextureImage
	OpFillRect
	OpSyncFull
)

func (o Op) String() string {
	switch o {
	case OpSetColorImage:
		return "SET_COLOR_IMAGE"
	case OpSetZImage:
		return "SET_Z_IMAGE"
	case OpSetOtherModes:
		return "SET_OTHER_MODES"
	case OpSetFillColor:
		return "SET_FILL_COLOR"
	case OpSetScissor:
		return "SET_SCISSOR"
	case OpSetCombine:
		return "SET_COMBINE"
	case OpSetTile:
		return "SET_TILE"
	case OpSetTextureImage:
		return "SET_TEXTURE_IMAGE"
	case OpFillRect:
		return "FILL_RECT"
	case OpSyncFull:
		return "SYNC_FULL"
	default:
		return "INVALID"
	}
}

// CycleType is the rasterizer's pipeline mode, set by SET_OTHER_MODES.
type CycleType uint8

const (
	CycleFill CycleType = iota
	CycleCopy
	CycleOneCycle
	CycleTwoCycle
)

func (c CycleType) String() string {
	switch c {
	case CycleFill:
		return "fill"
	case CycleCopy:
		return "copy"
	case CycleOneCycle:
		return "1cycle"
	case CycleTwoCycle:
		return "2cycle"
	default:
		return "invalid"
	}
}

// WordsPerOp gives each op's fixed total word count, including the
// header word.
func WordsPerOp(op Op) uint32 {
	switch op {
	case OpSetColorImage, OpSetZImage, OpSetTextureImage:
		return 2
	case OpSetOtherModes:
		return 2
	case OpSetFillColor:
		return 2
	case OpSetScissor:
		return 3
	case OpSetCombine:
		return 3
	case OpSetTile:
		return 3
	case OpFillRect:
		return 3
	case OpSyncFull:
		return 1
	default:
		return 1
	}
}

func header(op Op) uint32 { return uint32(op) << 24 }

func decodeOp(word uint32) Op { return Op(word >> 24) }

// EncodeSetColorImage packs a SET_COLOR_IMAGE command referencing a
// surface handle obtained from Rasterizer.Attach.
func EncodeSetColorImage(handle uint32) []uint32 {
	return []uint32{header(OpSetColorImage), handle}
}

// EncodeSetZImage packs a SET_Z_IMAGE command.
func EncodeSetZImage(handle uint32) []uint32 {
	return []uint32{header(OpSetZImage), handle}
}

// EncodeSetOtherModes packs a SET_OTHER_MODES command.
func EncodeSetOtherModes(cycle CycleType) []uint32 {
	return []uint32{header(OpSetOtherModes), uint32(cycle)}
}

// EncodeSetFillColor packs a SET_FILL_COLOR command.
func EncodeSetFillColor(color uint32) []uint32 {
	return []uint32{header(OpSetFillColor), color}
}

// EncodeSetScissor packs a SET_SCISSOR command over [x0,y0,x1,y1).
func EncodeSetScissor(x0, y0, x1, y1 int) []uint32 {
	return []uint32{header(OpSetScissor), packRect(x0, y0), packRect(x1, y1)}
}

// EncodeSetCombine packs a SET_COMBINE command. cycle1 and cycle2 hold
// the combiner's referenced source slots for cycle 1 and cycle 2
// (engine-defined encoding, not hardware bit-exact).
func EncodeSetCombine(cycle1, cycle2 uint32) []uint32 {
	return []uint32{header(OpSetCombine), cycle1, cycle2}
}

// EncodeSetTile packs a SET_TILE command for tile index idx.
func EncodeSetTile(idx uint8, format uint8, tmemAddr, pitch uint32) []uint32 {
	return []uint32{header(OpSetTile) | uint32(idx)<<16 | uint32(format)<<8, tmemAddr, pitch}
}

// EncodeSetTextureImage packs a SET_TEXTURE_IMAGE command.
func EncodeSetTextureImage(handle uint32) []uint32 {
	return []uint32{header(OpSetTextureImage), handle}
}

// EncodeFillRect packs a FILL_RECT command over [x0,y0,x1,y1).
func EncodeFillRect(x0, y0, x1, y1 int) []uint32 {
	return []uint32{header(OpFillRect), packRect(x0, y0), packRect(x1, y1)}
}

// EncodeSyncFull packs a SYNC_FULL command.
func EncodeSyncFull() []uint32 {
	return []uint32{header(OpSyncFull)}
}

func packRect(x, y int) uint32 {
	return uint32(uint16(x))<<16 | uint32(uint16(y))
}

func unpackRect(word uint32) (x, y int) {
	return int(int16(word >> 16)), int(int16(word))
}

// Instruction is one disassembled rasterizer command.
type Instruction struct {
	Op     Op
	Words  []uint32 // the raw words, including the header, for re-encoding
	Offset uint32   // word offset within the stream passed to Disassemble
}

// Disassemble decodes a contiguous rasterizer word stream into
// instructions. It is the authoritative reference for the command
// encoding: round-tripping an Instruction's Words through Disassemble
// again always yields the identical binary.
func Disassemble(words []uint32) ([]Instruction, error) {
	var out []Instruction
	i := uint32(0)
	for i < uint32(len(words)) {
		op := decodeOp(words[i])
		n := WordsPerOp(op)
		if i+n > uint32(len(words)) {
			return out, fmt.Errorf("rdp: truncated %s at offset %d (need %d words, have %d)", op, i, n, uint32(len(words))-i)
		}
		out = append(out, Instruction{Op: op, Words: words[i : i+n : i+n], Offset: i})
		i += n
	}
	return out, nil
}
