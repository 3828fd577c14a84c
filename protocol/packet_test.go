package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePacketVectors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     uint8
		ff      uint8
		payload []byte
		want    []byte
	}{
		{"empty payload", CmdHome, 0, nil, []byte{0x01, 0x08, 0x10}},
		{"one byte", CmdHome, 1, []byte{0x05}, []byte{0x02, 0x28, 0x05, 0x30}},
		{"flip-flop 2", CmdFragmentData, 2, []byte{0x03}, []byte{0x02, 0x45, 0x03, 0x50}},
		{"two groups", CmdPing, 3, []byte{0x01, 0x02, 0x03, 0x04},
			[]byte{0x05, 0x61, 0x01, 0x02, 0x03, 0x04, 0x58, 0x31}},
		{"high bit data", CmdFragmentData, 1, []byte{0x03, 0x00, 0x10, 0x7f, 0x81, 0x22},
			[]byte{0x07, 0x25, 0x03, 0x00, 0x10, 0x7f, 0x81, 0x22, 0x48, 0xc1, 0x12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodePacket(tt.cmd, tt.ff, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			pkt, n, err := DecodePacket(got)
			require.NoError(t, err)
			assert.Equal(t, len(got), n)
			assert.Equal(t, tt.cmd, pkt.Cmd)
			assert.Equal(t, tt.ff, pkt.FlipFlop)
			assert.Equal(t, len(tt.payload), len(pkt.Payload))
		})
	}
}

func TestEncodePacketLimits(t *testing.T) {
	_, err := EncodePacket(0x20, 0, nil)
	assert.ErrorIs(t, err, ErrBadCommand)

	_, err = EncodePacket(CmdPing, 0, make([]byte, MaxPayload))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	wire, err := EncodePacket(CmdPing, 0, make([]byte, MaxPayload-1))
	require.NoError(t, err)
	assert.Len(t, wire, MaxPacket)
}

func TestDecodePacketDetectsSingleBitErrors(t *testing.T) {
	wire, err := EncodePacket(CmdFragmentData, 1, []byte{0x03, 0x00, 0x10, 0x7f, 0x81, 0x22})
	require.NoError(t, err)

	// every bit after the length byte
	for i := 1; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), wire...)
			bad[i] ^= 1 << bit
			_, n, err := DecodePacket(bad)
			if assert.Error(t, err, "byte %d bit %d", i, bit) {
				assert.Equal(t, len(wire), n)
			}
		}
	}
}

func TestDecodePacketIncomplete(t *testing.T) {
	wire, err := EncodePacket(CmdPing, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	_, n, err := DecodePacket(wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Zero(t, n)

	_, n, err = DecodePacket([]byte{0x00})
	assert.ErrorIs(t, err, ErrBadLength)
	assert.Equal(t, 1, n)
}

func TestControlBytes(t *testing.T) {
	seen := map[byte]bool{}
	for ff := uint8(0); ff < FlipFlops; ff++ {
		for _, tc := range []struct {
			b    byte
			kind ControlKind
		}{{Ack(ff), ControlAck}, {Nack(ff), ControlNack}, {Stall(ff), ControlStall}} {
			assert.True(t, IsControl(tc.b))
			assert.False(t, seen[tc.b], "duplicate control byte 0x%02x", tc.b)
			seen[tc.b] = true

			kind, got := DecodeControl(tc.b)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, ff, got)
		}
	}
	for _, b := range []byte{CtrlID, CtrlStallAck, CtrlDebug, CtrlStartup} {
		assert.False(t, seen[b])
		kind, _ := DecodeControl(b)
		assert.NotEqual(t, ControlNone, kind)
	}
	kind, _ := DecodeControl(0x81)
	assert.Equal(t, ControlNone, kind)
}

func TestFramerInterleavesControlBytes(t *testing.T) {
	f := NewFramer(10 * time.Millisecond)
	p1, _ := EncodePacket(CmdStart, 0, []byte{0x02})
	p2, _ := EncodePacket(CmdStop, 1, nil)

	var stream []byte
	stream = append(stream, Ack(3))
	stream = append(stream, p1...)
	stream = append(stream, Nack(1), CtrlStallAck)
	stream = append(stream, p2...)

	now := time.Unix(0, 0)
	// split at an arbitrary point inside the first packet
	items := f.Feed(stream[:3], now)
	items = append(items, f.Feed(stream[3:], now.Add(time.Millisecond))...)

	require.Len(t, items, 5)
	assert.Equal(t, ItemControl, items[0].Kind)
	assert.Equal(t, ControlAck, items[0].Control)
	assert.Equal(t, uint8(3), items[0].FlipFlop)
	assert.Equal(t, ItemPacket, items[1].Kind)
	assert.Equal(t, CmdStart, items[1].Packet.Cmd)
	assert.Equal(t, ControlNack, items[2].Control)
	assert.Equal(t, ControlStallAck, items[3].Control)
	assert.Equal(t, CmdStop, items[4].Packet.Cmd)
	assert.Equal(t, uint8(1), items[4].FlipFlop)
	assert.False(t, f.Pending())
}

func TestFramerDropsStalePartialPacket(t *testing.T) {
	f := NewFramer(10 * time.Millisecond)
	p1, _ := EncodePacket(CmdStart, 0, []byte{0x02})
	p2, _ := EncodePacket(CmdStop, 1, nil)

	now := time.Unix(0, 0)
	assert.Empty(t, f.Feed(p1[:2], now))
	assert.True(t, f.Pending())

	items := f.Feed(p2, now.Add(50*time.Millisecond))
	require.Len(t, items, 2)
	assert.Equal(t, ItemError, items[0].Kind)
	assert.ErrorIs(t, items[0].Err, ErrIncomplete)
	assert.Equal(t, ItemPacket, items[1].Kind)
	assert.Equal(t, CmdStop, items[1].Packet.Cmd)
}

func TestFramerTreatsMidPacketControlByteAsPayload(t *testing.T) {
	f := NewFramer(10 * time.Millisecond)
	p1, _ := EncodePacket(CmdStart, 0, []byte{0x02})
	p2, _ := EncodePacket(CmdStop, 1, nil)
	require.Greater(t, len(p1), 3)

	now := time.Unix(0, 0)
	// the ACK lands inside p1 and the rest of p1 is lost
	stream := append(append([]byte(nil), p1[:2]...), Ack(0))
	assert.Empty(t, f.Feed(stream, now))
	assert.True(t, f.Pending())

	items := f.Feed(p2, now.Add(50*time.Millisecond))
	require.Len(t, items, 2)
	assert.ErrorIs(t, items[0].Err, ErrIncomplete)
	assert.Equal(t, CmdStop, items[1].Packet.Cmd)
}

func TestFramerExpire(t *testing.T) {
	f := NewFramer(10 * time.Millisecond)
	p1, _ := EncodePacket(CmdStart, 0, []byte{0x02})
	now := time.Unix(0, 0)
	f.Feed(p1[:1], now)

	assert.False(t, f.Expire(now.Add(5*time.Millisecond)))
	assert.True(t, f.Expire(now.Add(11*time.Millisecond)))
	assert.False(t, f.Pending())
}
