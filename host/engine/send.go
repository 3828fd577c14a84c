package engine

import (
	"errors"
	"math/bits"
	"time"

	"motionlink/motion/stepgen"
	"motionlink/protocol"
)

// sendCursor tracks how much of the oldest queued fragment is on the
// wire: the header, then FragmentChunk samples at a time per active motor.
type sendCursor struct {
	header bool
	motor  int
	offset int
}

// message returns the next packet of f, the cursor after it and whether
// it completes the fragment.
func (c sendCursor) message(f *stepgen.Fragment) (protocol.Message, sendCursor, bool) {
	if !c.header {
		h := protocol.FragmentHeader{Index: uint8(f.Slot), Len: uint16(f.Len), Active: f.Active}
		if f.Probing {
			h.Flags |= protocol.FragmentProbing
		}
		next := sendCursor{header: true, motor: nextActive(f.Active, 0)}
		return h, next, next.motor < 0
	}
	end := min(c.offset+protocol.FragmentChunk, f.Len)
	d := protocol.FragmentData{
		Index:   uint8(f.Slot),
		Motor:   uint8(c.motor),
		Offset:  uint16(c.offset),
		Samples: f.Samples[c.motor][c.offset:end],
	}
	next := c
	next.offset = end
	if end >= f.Len {
		next.motor = nextActive(f.Active, c.motor+1)
		next.offset = 0
	}
	return d, next, next.motor < 0
}

// nextActive returns the first motor at or after from in mask, or -1.
func nextActive(mask uint32, from int) int {
	if from >= 32 || mask>>from == 0 {
		return -1
	}
	return from + bits.TrailingZeros32(mask>>from)
}

// send writes m and reports whether the window took it.
func (e *Engine) send(m protocol.Message, now time.Time) bool {
	err := e.link.Send(m)
	switch {
	case err == nil:
		e.lastSend = now
		return true
	case errors.Is(err, protocol.ErrWindowFull), errors.Is(err, protocol.ErrStalled):
	default:
		// link failures surface through Failed
		e.log.Debug("send failed", "err", err)
	}
	return false
}

// sendOutbox sends control commands, which go ahead of fragment data.
func (e *Engine) sendOutbox(now time.Time) {
	for len(e.outbox) > 0 && e.link.CanSend() {
		if !e.send(e.outbox[0], now) {
			return
		}
		e.outbox[0] = nil
		e.outbox = e.outbox[1:]
	}
}

// transmit sends queued fragments while the window has room. Nothing is
// sent while a stop is pending or the executor is resynchronizing.
func (e *Engine) transmit(now time.Time) {
	if len(e.outbox) > 0 || e.stopping || e.aborting || e.recovering {
		return
	}
	for e.link.CanSend() {
		f := e.ring.NextToSend()
		if f == nil {
			return
		}
		msg, next, last := e.cursor.message(f)
		if !e.send(msg, now) {
			return
		}
		e.cursor = next
		if last {
			e.ring.MarkSent()
			e.cursor = sendCursor{}
		}
	}
}

// gateStart starts playback once enough fragments are on the executor,
// or everything left has been sent.
func (e *Engine) gateStart() {
	if e.started || e.stopping || e.aborting || e.recovering || e.homing != nil {
		return
	}
	inFlight := e.ring.InFlight()
	if inFlight == 0 {
		return
	}
	threshold := min(e.cfg.Fragments.StartThreshold, e.ring.Size()-1)
	if inFlight < threshold && !e.drained() {
		return
	}
	slot := e.slot(e.ring.Running())
	e.outbox = append(e.outbox, protocol.Start{Fragment: slot})
	e.ring.MarkRunning(int(slot))
	e.started = true
}
