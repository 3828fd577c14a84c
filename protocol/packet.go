package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrChecksum        = errors.New("checksum mismatch")
	ErrIncomplete      = errors.New("incomplete packet")
	ErrBadLength       = errors.New("invalid length byte")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadCommand      = errors.New("invalid command byte")
)

// Packet is one decoded frame. Payload excludes the command byte.
type Packet struct {
	Cmd      uint8
	FlipFlop uint8
	Payload  []byte
}

// PacketLen returns the total wire length of a packet whose length byte is n.
func PacketLen(n byte) int {
	frame := HeaderSize + int(n)
	return frame + ChecksumLen(frame)
}

// EncodePacket builds the wire bytes for a command with the given flip-flop:
// [len][cmd|ff<<5][payload...][checksum...]. The result is a fresh slice, so
// retransmissions can reuse it unchanged.
func EncodePacket(cmd uint8, ff uint8, payload []byte) ([]byte, error) {
	if cmd&^CommandMask != 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadCommand, cmd)
	}
	n := 1 + len(payload)
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayload-1)
	}

	out := make([]byte, 0, PacketLen(byte(n)))
	out = append(out, byte(n), cmd|(ff&FlipFlopMask)<<FlipFlopShift)
	out = append(out, payload...)
	out = append(out, Checksum(out)...)
	return out, nil
}

// DecodePacket decodes the packet at the start of buf. It returns the number
// of bytes the packet occupies; on ErrChecksum that count still covers the
// whole damaged packet so the caller can discard it. ErrIncomplete means more
// bytes are needed.
func DecodePacket(buf []byte) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, ErrIncomplete
	}
	n := buf[0]
	if n == 0 || n > MaxPayload {
		return Packet{}, 1, fmt.Errorf("%w: 0x%02x", ErrBadLength, n)
	}
	total := PacketLen(n)
	if len(buf) < total {
		return Packet{}, 0, ErrIncomplete
	}

	frameLen := HeaderSize + int(n)
	if !VerifyChecksum(buf[:frameLen], buf[frameLen:total]) {
		return Packet{}, total, ErrChecksum
	}
	cmdByte := buf[HeaderSize]
	if cmdByte&0x80 != 0 {
		return Packet{}, total, fmt.Errorf("%w: 0x%02x", ErrBadCommand, cmdByte)
	}

	payload := make([]byte, int(n)-1)
	copy(payload, buf[HeaderSize+1:frameLen])
	return Packet{
		Cmd:      cmdByte & CommandMask,
		FlipFlop: (cmdByte >> FlipFlopShift) & FlipFlopMask,
		Payload:  payload,
	}, total, nil
}

// ItemKind tells what the Framer found in the byte stream.
type ItemKind uint8

const (
	ItemControl ItemKind = iota
	ItemPacket
	ItemError
)

// Item is a control byte, a packet, or a framing error.
type Item struct {
	Kind     ItemKind
	Control  ControlKind
	FlipFlop uint8
	Raw      byte
	Packet   Packet
	Err      error
}

// Framer splits a byte stream into control bytes and packets. Control bytes
// are recognised between packets only; a partial packet that stalls for
// longer than the inter-byte timeout is dropped so the parser never waits
// forever on a lost byte.
type Framer struct {
	buf     []byte
	need    int
	last    time.Time
	timeout time.Duration
}

// NewFramer creates a Framer. A zero timeout disables partial packet expiry.
func NewFramer(timeout time.Duration) *Framer {
	return &Framer{
		buf:     make([]byte, 0, MaxPacket),
		timeout: timeout,
	}
}

// Pending reports whether a partial packet is buffered.
func (f *Framer) Pending() bool {
	return len(f.buf) > 0
}

// Reset drops any partial packet.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.need = 0
}

// Feed consumes data received at now and returns the complete items found.
func (f *Framer) Feed(data []byte, now time.Time) []Item {
	var items []Item

	if len(f.buf) > 0 && f.timeout > 0 && now.Sub(f.last) > f.timeout {
		f.Reset()
		items = append(items, Item{Kind: ItemError, Err: ErrIncomplete})
	}
	if len(data) > 0 {
		f.last = now
	}

	for _, b := range data {
		if len(f.buf) == 0 {
			if IsControl(b) {
				kind, ff := DecodeControl(b)
				items = append(items, Item{Kind: ItemControl, Control: kind, FlipFlop: ff, Raw: b})
				continue
			}
			if b == 0 {
				items = append(items, Item{Kind: ItemError, Err: fmt.Errorf("%w: 0x00", ErrBadLength)})
				continue
			}
			f.need = PacketLen(b)
		}

		f.buf = append(f.buf, b)
		if len(f.buf) < f.need {
			continue
		}

		pkt, _, err := DecodePacket(f.buf)
		if err != nil {
			items = append(items, Item{Kind: ItemError, Err: err})
		} else {
			items = append(items, Item{Kind: ItemPacket, Packet: pkt, FlipFlop: pkt.FlipFlop})
		}
		f.Reset()
	}
	return items
}

// Expire drops a stale partial packet without new data. It returns true if
// something was dropped.
func (f *Framer) Expire(now time.Time) bool {
	if len(f.buf) > 0 && f.timeout > 0 && now.Sub(f.last) > f.timeout {
		f.Reset()
		return true
	}
	return false
}
