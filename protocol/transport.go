package protocol

import "time"

// Handler handles one decoded command on the executor. Returning ErrReject
// refuses the packet with STALL.
type Handler func(m Message) error

// Transport is the executor end of the link. It is driven from a single
// loop: Receive with new input, SendEvent for outgoing events and Service
// for the timers. All output goes to an OutputBuffer so it runs unchanged on
// a microcontroller.
type Transport struct {
	session  *Session
	framer   *Framer
	output   OutputBuffer
	handler  Handler
	identity func() Identity

	pending []Message
	fault   error

	resetCallback func() // ID request received
}

// NewTransport creates an executor transport.
func NewTransport(output OutputBuffer, handler Handler, identity func() Identity, cfg SessionConfig, interByte time.Duration) *Transport {
	return &Transport{
		session:  NewSession(cfg),
		framer:   NewFramer(interByte),
		output:   output,
		handler:  handler,
		identity: identity,
	}
}

// SetResetCallback sets a callback run when the host requests an ID.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// Fault returns the last fatal session error. It is cleared by the next ID
// request.
func (t *Transport) Fault() error { return t.fault }

// Stats returns the window counters.
func (t *Transport) Stats() SessionStats { return t.session.Stats() }

// PendingEvents returns the number of events waiting for window space.
func (t *Transport) PendingEvents() int { return len(t.pending) }

// Startup announces a fresh boot to the host.
func (t *Transport) Startup() {
	t.output.Output([]byte{CtrlStartup})
}

// Debug sends free text outside the window.
func (t *Transport) Debug(text string) {
	if len(text) > MaxPayload-8 {
		text = text[:MaxPayload-8]
	}
	wire, err := EncodePacket(EvtDebug, 0, EncodeMessage(Debug{Text: text}))
	if err != nil {
		return
	}
	t.output.Output([]byte{CtrlDebug})
	t.output.Output(wire)
}

// Receive consumes the bytes available in input.
func (t *Transport) Receive(input InputBuffer, now time.Time) {
	data := input.Data()
	items := t.framer.Feed(data, now)
	input.Pop(len(data))

	for _, item := range items {
		switch item.Kind {
		case ItemControl:
			t.receiveControl(item, now)
		case ItemError:
			t.output.Output([]byte{t.session.Corrupt()})
		case ItemPacket:
			reply, _ := t.session.Receive(item.Packet, func(pkt Packet) error {
				m, err := DecodeMessage(pkt)
				if err != nil {
					return err
				}
				if t.handler == nil {
					return nil
				}
				return t.handler(m)
			})
			t.output.Output([]byte{reply})
			for _, wire := range t.session.Resume(now) {
				t.output.Output(wire)
			}
		}
	}
	t.pump(now)
}

func (t *Transport) receiveControl(item Item, now time.Time) {
	switch item.Control {
	case ControlID:
		t.session.Reset()
		t.framer.Reset()
		t.pending = t.pending[:0]
		t.fault = nil
		if t.resetCallback != nil {
			t.resetCallback()
		}
		var id Identity
		if t.identity != nil {
			id = t.identity()
		}
		id.Magic = IdentityMagic
		id.Version = Version
		if wire, err := EncodePacket(EvtIdentity, 0, EncodeMessage(id)); err == nil {
			t.output.Output(wire)
		}

	case ControlAck, ControlNack, ControlStall, ControlStallAck:
		if t.fault != nil {
			return
		}
		reply, err := t.session.HandleControl(item.Control, item.FlipFlop, now)
		if err != nil {
			t.setFault(err)
			return
		}
		if len(reply.Control) > 0 {
			t.output.Output(reply.Control)
		}
		for _, wire := range reply.Resend {
			t.output.Output(wire)
		}
	}
}

func (t *Transport) setFault(err error) {
	t.fault = err
	t.session.Reset()
	t.pending = t.pending[:0]
}

// SendEvent queues m and transmits as much of the queue as the window
// allows.
func (t *Transport) SendEvent(m Message, now time.Time) {
	if t.fault != nil {
		return
	}
	t.pending = append(t.pending, m)
	t.pump(now)
}

func (t *Transport) pump(now time.Time) {
	for len(t.pending) > 0 && t.session.CanSend() {
		m := t.pending[0]
		wire, err := t.session.Send(m.Code(), EncodeMessage(m), now)
		if err != nil {
			return
		}
		t.pending = t.pending[1:]
		t.output.Output(wire)
	}
}

// Service runs the session timers and flushes queued events.
func (t *Transport) Service(now time.Time) {
	if t.fault != nil {
		return
	}
	if t.framer.Expire(now) {
		t.output.Output([]byte{t.session.Corrupt()})
	}
	resend, err := t.session.Poll(now)
	if err != nil {
		t.setFault(err)
		return
	}
	for _, wire := range resend {
		t.output.Output(wire)
	}
	t.pump(now)
}
