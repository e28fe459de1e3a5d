// Package opcode defines the command word layout and internal (overlay 0)
// opcode set, shared by the ring writer, the block recorder and the
// simulated dispatch kernel.
package opcode

import "fmt"

const (
	// OverlayInternal is the reserved overlay ID for the engine's own
	// opcodes.
	OverlayInternal uint8 = 0

	// MaxOverlayID is the highest assignable overlay ID; the command
	// header only has 4 bits for it.
	MaxOverlayID uint8 = 15

	// MaxOverlays is the number of overlay ID slots the registry has
	// available.
	MaxOverlays = 16

	// MaxCommandWords is the longest a single command may be.
	MaxCommandWords = 62

	// MaxCommandIndex is the highest command index a 4-bit field can hold.
	MaxCommandIndex uint8 = 15

	// MaxPayload is the largest value the first word's 24-bit payload
	// field can hold.
	MaxPayload uint32 = 1<<24 - 1

	// MaxBlockNesting is the coprocessor's CALL save-stack depth.
	MaxBlockNesting = 8
)

// Internal command indices, overlay 0.
const (
	Invalid         uint8 = 0x0
	Noop            uint8 = 0x1
	Jump            uint8 = 0x2
	Call            uint8 = 0x3
	Ret             uint8 = 0x4
	Dma             uint8 = 0x5
	WriteStatus     uint8 = 0x6
	SwapBuffers     uint8 = 0x7
	TestWriteStatus uint8 = 0x8
	RdpDispatch     uint8 = 0x9
	RdpWaitIdle     uint8 = 0xA

	// Syncpoint is an engine-private extension beyond the hardware's
	// 0x0-0xA opcode set: the engine's own fence primitive for queues and
	// command sequences that are not exclusively rasterizer-bound. See
	// DESIGN.md for the rationale.
	Syncpoint uint8 = 0xB

	// Fixup is a second engine-private extension: a block-recorded
	// placeholder patch-up, resolved against runtime-tracked rasterizer
	// context when the block actually runs on the kernel. See
	// raster.RegisterFixup and DESIGN.md.
	Fixup uint8 = 0xC
)

// DMADirection describes an internal DMA opcode's transfer direction.
type DMADirection uint32

const (
	DMAToCoprocessor DMADirection = iota
	DMAFromCoprocessor

	// DMAFillClear is the engine-private direction the attachment stack's
	// fast clear path uses: length is a surface handle and addr is the
	// fill value, instead of a real memory address/length pair. Reserved
	// for surfaces whose byte size is a supported aligned multiple; see
	// attach.emitClear and DESIGN.md.
	DMAFillClear
)

// Header packs the command ID's fixed layout:
//
//	bits 31..28  overlay_id   (0 = internal)
//	bits 27..24  command_index
//	bits 23..0   caller-chosen payload (must be zero if unused)
func Header(overlayID, cmdIndex uint8, payload uint32) uint32 {
	if overlayID > MaxOverlayID {
		panic(fmt.Sprintf("opcode: overlay id %d exceeds %d", overlayID, MaxOverlayID))
	}
	if cmdIndex > MaxCommandIndex {
		panic(fmt.Sprintf("opcode: command index %d exceeds %d", cmdIndex, MaxCommandIndex))
	}
	if payload > MaxPayload {
		panic(fmt.Sprintf("opcode: payload %#x does not fit in 24 bits", payload))
	}
	return uint32(overlayID)<<28 | uint32(cmdIndex)<<24 | payload
}

// DecodeHeader splits a command's first word back into its fields.
func DecodeHeader(word uint32) (overlayID, cmdIndex uint8, payload uint32) {
	overlayID = uint8(word >> 28)
	cmdIndex = uint8((word >> 24) & 0xF)
	payload = word & 0x00FFFFFF
	return
}
