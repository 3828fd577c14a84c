package protocol

import (
	"errors"
	"fmt"
)

// Command codes, host to executor.
const (
	CmdPing         uint8 = 0x01
	CmdReset        uint8 = 0x02
	CmdSetup        uint8 = 0x03
	CmdFragment     uint8 = 0x04
	CmdFragmentData uint8 = 0x05
	CmdStart        uint8 = 0x06
	CmdStop         uint8 = 0x07
	CmdHome         uint8 = 0x08
)

// Event codes, executor to host.
const (
	EvtIdentity uint8 = 0x10
	EvtDebug    uint8 = 0x11
	EvtPong     uint8 = 0x12
	EvtResynced uint8 = 0x13
	EvtDone     uint8 = 0x14
	EvtUnderrun uint8 = 0x15
	EvtLimit    uint8 = 0x16
	EvtStopped  uint8 = 0x17
	EvtHomed    uint8 = 0x18
	EvtTimeout  uint8 = 0x19
	EvtSensor   uint8 = 0x1a
)

// IdentityMagic opens every identity packet.
const IdentityMagic = 0x4d4c4e4b

// FragmentChunk is the number of samples carried by one FragmentData packet.
const FragmentChunk = 96

// FragmentProbing marks a fragment during which a limit input stops motion
// without it being an error.
const FragmentProbing = 1 << 0

var ErrUnknownMessage = errors.New("unknown message code")

// OutOfBand reports whether packets with this code bypass the flip-flop
// window: they are never acknowledged and never resent.
func OutOfBand(code uint8) bool {
	return code == EvtIdentity || code == EvtDebug
}

// Message is a typed command or event.
type Message interface {
	Code() uint8
	Encode(out OutputBuffer)
}

// EncodeMessage serializes m into a payload slice.
func EncodeMessage(m Message) []byte {
	out := NewScratchOutput()
	m.Encode(out)
	res := make([]byte, out.CurPosition())
	copy(res, out.Result())
	return res
}

// Ping asks the executor for a Pong carrying the same token.
type Ping struct{ Token uint32 }

// Pong answers a Ping.
type Pong struct{ Token uint32 }

// Reset discards every fragment on the executor, stops motion and moves its
// ring cursor to Fragment. The executor answers with Resynced.
type Reset struct{ Fragment uint8 }

// Resynced confirms a Reset.
type Resynced struct{ Fragment uint8 }

// Setup configures the executor's fragment geometry and timing.
type Setup struct {
	Motors     uint8
	Fragments  uint8
	Samples    uint16
	PeriodUs   uint32
	MaxSteps   uint8
	WatchdogMs uint32
	LimitMask  uint32
}

// FragmentHeader opens a fragment slot. Samples for the motors in Active
// follow as FragmentData chunks.
type FragmentHeader struct {
	Index  uint8
	Len    uint16
	Flags  uint8
	Active uint32
}

// FragmentData carries samples for one motor of one fragment.
type FragmentData struct {
	Index   uint8
	Motor   uint8
	Offset  uint16
	Samples []int8
}

// Start begins execution at fragment Fragment.
type Start struct{ Fragment uint8 }

// Stop halts execution at the next sample.
type Stop struct{}

// Home moves the motors in Mask toward their limit inputs. Dirs holds one
// direction bit per motor, set for negative.
type Home struct {
	Mask           uint32
	Dirs           uint32
	StepsPerSample uint8
	MaxSamples     uint32
}

// Identity answers the ID control byte. It is sent outside the window.
type Identity struct {
	Magic     uint32
	Version   uint32
	Motors    uint8
	Fragments uint8
	Samples   uint16
	MaxSteps  uint8
}

// Debug carries free text from the executor.
type Debug struct{ Text string }

// Done reports Count fragments finished since the previous report; Running
// is the slot now executing.
type Done struct {
	Count   uint8
	Running uint8
}

// Underrun reports the executor ran out of fragments and stopped.
type Underrun struct {
	Count   uint8
	Running uint8
}

// Limit reports a limit or probe input tripped while executing Fragment,
// after samples [0, Offset) were output.
type Limit struct {
	Count    uint8
	Fragment uint8
	Offset   uint16
	Motor    uint8
}

// Stopped confirms a Stop at Fragment/Offset.
type Stopped struct {
	Count    uint8
	Fragment uint8
	Offset   uint16
}

// Homed reports a finished homing move with the steps each motor travelled.
type Homed struct {
	Mask  uint32
	Steps []int32
}

// Timeout reports that the executor's watchdog stopped motion.
type Timeout struct{}

// Sensor passes a raw sensor reading through.
type Sensor struct {
	ID    uint8
	Value int32
}

func (Ping) Code() uint8           { return CmdPing }
func (Pong) Code() uint8           { return EvtPong }
func (Reset) Code() uint8          { return CmdReset }
func (Resynced) Code() uint8       { return EvtResynced }
func (Setup) Code() uint8          { return CmdSetup }
func (FragmentHeader) Code() uint8 { return CmdFragment }
func (FragmentData) Code() uint8   { return CmdFragmentData }
func (Start) Code() uint8          { return CmdStart }
func (Stop) Code() uint8           { return CmdStop }
func (Home) Code() uint8           { return CmdHome }
func (Identity) Code() uint8       { return EvtIdentity }
func (Debug) Code() uint8          { return EvtDebug }
func (Done) Code() uint8           { return EvtDone }
func (Underrun) Code() uint8       { return EvtUnderrun }
func (Limit) Code() uint8          { return EvtLimit }
func (Stopped) Code() uint8        { return EvtStopped }
func (Homed) Code() uint8          { return EvtHomed }
func (Timeout) Code() uint8        { return EvtTimeout }
func (Sensor) Code() uint8         { return EvtSensor }

func (m Ping) Encode(out OutputBuffer)     { EncodeVLQUint(out, m.Token) }
func (m Pong) Encode(out OutputBuffer)     { EncodeVLQUint(out, m.Token) }
func (m Reset) Encode(out OutputBuffer)    { EncodeVLQUint(out, uint32(m.Fragment)) }
func (m Resynced) Encode(out OutputBuffer) { EncodeVLQUint(out, uint32(m.Fragment)) }
func (m Start) Encode(out OutputBuffer)    { EncodeVLQUint(out, uint32(m.Fragment)) }
func (Stop) Encode(OutputBuffer)           {}
func (Timeout) Encode(OutputBuffer)        {}
func (m Debug) Encode(out OutputBuffer)    { EncodeVLQString(out, m.Text) }

func (m Setup) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Motors))
	EncodeVLQUint(out, uint32(m.Fragments))
	EncodeVLQUint(out, uint32(m.Samples))
	EncodeVLQUint(out, m.PeriodUs)
	EncodeVLQUint(out, uint32(m.MaxSteps))
	EncodeVLQUint(out, m.WatchdogMs)
	EncodeVLQUint(out, m.LimitMask)
}

func (m FragmentHeader) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Index))
	EncodeVLQUint(out, uint32(m.Len))
	EncodeVLQUint(out, uint32(m.Flags))
	EncodeVLQUint(out, m.Active)
}

func (m FragmentData) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Index))
	EncodeVLQUint(out, uint32(m.Motor))
	EncodeVLQUint(out, uint32(m.Offset))
	raw := make([]byte, len(m.Samples))
	for i, s := range m.Samples {
		raw[i] = byte(s)
	}
	EncodeVLQBytes(out, raw)
}

func (m Home) Encode(out OutputBuffer) {
	EncodeVLQUint(out, m.Mask)
	EncodeVLQUint(out, m.Dirs)
	EncodeVLQUint(out, uint32(m.StepsPerSample))
	EncodeVLQUint(out, m.MaxSamples)
}

func (m Identity) Encode(out OutputBuffer) {
	EncodeVLQUint(out, m.Magic)
	EncodeVLQUint(out, m.Version)
	EncodeVLQUint(out, uint32(m.Motors))
	EncodeVLQUint(out, uint32(m.Fragments))
	EncodeVLQUint(out, uint32(m.Samples))
	EncodeVLQUint(out, uint32(m.MaxSteps))
}

func (m Done) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Count))
	EncodeVLQUint(out, uint32(m.Running))
}

func (m Underrun) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Count))
	EncodeVLQUint(out, uint32(m.Running))
}

func (m Limit) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Count))
	EncodeVLQUint(out, uint32(m.Fragment))
	EncodeVLQUint(out, uint32(m.Offset))
	EncodeVLQUint(out, uint32(m.Motor))
}

func (m Stopped) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.Count))
	EncodeVLQUint(out, uint32(m.Fragment))
	EncodeVLQUint(out, uint32(m.Offset))
}

func (m Homed) Encode(out OutputBuffer) {
	EncodeVLQUint(out, m.Mask)
	EncodeVLQUint(out, uint32(len(m.Steps)))
	for _, s := range m.Steps {
		EncodeVLQInt(out, s)
	}
}

func (m Sensor) Encode(out OutputBuffer) {
	EncodeVLQUint(out, uint32(m.ID))
	EncodeVLQInt(out, m.Value)
}

// argReader decodes a sequence of VLQ arguments, remembering the first error.
type argReader struct {
	data []byte
	err  error
}

func (r *argReader) uint() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := DecodeVLQUint(&r.data)
	r.err = err
	return v
}

func (r *argReader) int() int32 {
	if r.err != nil {
		return 0
	}
	v, err := DecodeVLQInt(&r.data)
	r.err = err
	return v
}

func (r *argReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, err := DecodeVLQBytes(&r.data)
	r.err = err
	return v
}

// DecodeMessage turns a packet into its typed message.
func DecodeMessage(pkt Packet) (Message, error) {
	r := &argReader{data: pkt.Payload}
	var m Message

	switch pkt.Cmd {
	case CmdPing:
		m = Ping{Token: r.uint()}
	case EvtPong:
		m = Pong{Token: r.uint()}
	case CmdReset:
		m = Reset{Fragment: uint8(r.uint())}
	case EvtResynced:
		m = Resynced{Fragment: uint8(r.uint())}
	case CmdStart:
		m = Start{Fragment: uint8(r.uint())}
	case CmdStop:
		m = Stop{}
	case EvtTimeout:
		m = Timeout{}
	case CmdSetup:
		m = Setup{
			Motors:     uint8(r.uint()),
			Fragments:  uint8(r.uint()),
			Samples:    uint16(r.uint()),
			PeriodUs:   r.uint(),
			MaxSteps:   uint8(r.uint()),
			WatchdogMs: r.uint(),
			LimitMask:  r.uint(),
		}
	case CmdFragment:
		m = FragmentHeader{
			Index:  uint8(r.uint()),
			Len:    uint16(r.uint()),
			Flags:  uint8(r.uint()),
			Active: r.uint(),
		}
	case CmdFragmentData:
		fd := FragmentData{
			Index:  uint8(r.uint()),
			Motor:  uint8(r.uint()),
			Offset: uint16(r.uint()),
		}
		raw := r.bytes()
		fd.Samples = make([]int8, len(raw))
		for i, b := range raw {
			fd.Samples[i] = int8(b)
		}
		m = fd
	case CmdHome:
		m = Home{
			Mask:           r.uint(),
			Dirs:           r.uint(),
			StepsPerSample: uint8(r.uint()),
			MaxSamples:     r.uint(),
		}
	case EvtIdentity:
		m = Identity{
			Magic:     r.uint(),
			Version:   r.uint(),
			Motors:    uint8(r.uint()),
			Fragments: uint8(r.uint()),
			Samples:   uint16(r.uint()),
			MaxSteps:  uint8(r.uint()),
		}
	case EvtDebug:
		m = Debug{Text: string(r.bytes())}
	case EvtDone:
		m = Done{Count: uint8(r.uint()), Running: uint8(r.uint())}
	case EvtUnderrun:
		m = Underrun{Count: uint8(r.uint()), Running: uint8(r.uint())}
	case EvtLimit:
		m = Limit{
			Count:    uint8(r.uint()),
			Fragment: uint8(r.uint()),
			Offset:   uint16(r.uint()),
			Motor:    uint8(r.uint()),
		}
	case EvtStopped:
		m = Stopped{
			Count:    uint8(r.uint()),
			Fragment: uint8(r.uint()),
			Offset:   uint16(r.uint()),
		}
	case EvtHomed:
		h := Homed{Mask: r.uint()}
		n := r.uint()
		if n > 32 {
			return nil, fmt.Errorf("homed: %d motors: %w", n, ErrInvalidVLQ)
		}
		for i := uint32(0); i < n && r.err == nil; i++ {
			h.Steps = append(h.Steps, r.int())
		}
		m = h
	case EvtSensor:
		m = Sensor{ID: uint8(r.uint()), Value: r.int()}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, pkt.Cmd)
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode 0x%02x: %w", pkt.Cmd, r.err)
	}
	return m, nil
}
