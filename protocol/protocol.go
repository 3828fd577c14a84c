// Package protocol implements the motionlink wire protocol: length-prefixed
// packets guarded by a parity checksum, a 2-bit flip-flop window with
// ACK/NACK/STALL control bytes, and the typed commands and events exchanged
// between the host and the step executor.
package protocol

// Version is the protocol revision reported in the identity packet.
const Version = 1

// Packet layout constants
const (
	MaxPayload   = 0x7f // length byte must keep its high bit clear
	HeaderSize   = 1    // length byte
	GroupSize    = 3    // bytes covered by one checksum byte
	MaxPacket    = HeaderSize + MaxPayload + (MaxPayload+HeaderSize+GroupSize-1)/GroupSize
	FlipFlops    = 4 // sequence ids cycle 0..3
	Window       = FlipFlops - 1
	FlipFlopMask = 0x03

	// Command byte layout: bits 0-4 command code, bits 5-6 flip-flop, bit 7 clear
	CommandMask   = 0x1f
	FlipFlopShift = 5
)

// Control bytes. Every control byte has its high bit set so it can never be
// mistaken for the length byte that starts a packet.
var (
	ackCodes   = [FlipFlops]byte{0x80, 0xb3, 0xd5, 0xe6}
	nackCodes  = [FlipFlops]byte{0x99, 0xaa, 0xcc, 0xff}
	stallCodes = [FlipFlops]byte{0x87, 0xb4, 0xd2, 0xe1}
)

const (
	CtrlID       byte = 0x9e
	CtrlStallAck byte = 0x8f
	CtrlDebug    byte = 0xf4
	CtrlStartup  byte = 0xe8
)

// ControlKind classifies a control byte.
type ControlKind uint8

const (
	ControlNone ControlKind = iota
	ControlAck
	ControlNack
	ControlStall
	ControlID
	ControlStallAck
	ControlDebug
	ControlStartup
)

func (k ControlKind) String() string {
	switch k {
	case ControlAck:
		return "ACK"
	case ControlNack:
		return "NACK"
	case ControlStall:
		return "STALL"
	case ControlID:
		return "ID"
	case ControlStallAck:
		return "STALLACK"
	case ControlDebug:
		return "DEBUG"
	case ControlStartup:
		return "STARTUP"
	}
	return "NONE"
}

// Ack returns the ACK control byte for flip-flop ff.
func Ack(ff uint8) byte { return ackCodes[ff&FlipFlopMask] }

// Nack returns the NACK control byte for flip-flop ff.
func Nack(ff uint8) byte { return nackCodes[ff&FlipFlopMask] }

// Stall returns the STALL control byte for flip-flop ff.
func Stall(ff uint8) byte { return stallCodes[ff&FlipFlopMask] }

// IsControl reports whether b is in the control byte range.
func IsControl(b byte) bool {
	return b&0x80 != 0
}

// DecodeControl classifies b. The flip-flop is only meaningful for ACK, NACK
// and STALL. Unknown bytes with the high bit set return ControlNone.
func DecodeControl(b byte) (ControlKind, uint8) {
	for ff := uint8(0); ff < FlipFlops; ff++ {
		switch b {
		case ackCodes[ff]:
			return ControlAck, ff
		case nackCodes[ff]:
			return ControlNack, ff
		case stallCodes[ff]:
			return ControlStall, ff
		}
	}
	switch b {
	case CtrlID:
		return ControlID, 0
	case CtrlStallAck:
		return ControlStallAck, 0
	case CtrlDebug:
		return ControlDebug, 0
	case CtrlStartup:
		return ControlStartup, 0
	}
	return ControlNone, 0
}
