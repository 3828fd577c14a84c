package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrWindowFull       = errors.New("send window full")
	ErrStalled          = errors.New("peer stalled")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrProtocol         = errors.New("unrecoverable protocol state")

	// ErrReject is returned by a packet handler to refuse a well formed
	// packet. The session answers with STALL instead of ACK.
	ErrReject = errors.New("packet rejected")
)

// SessionConfig holds the timing and retry limits of a Session.
type SessionConfig struct {
	MaxRetries         int
	ResendTimeout      time.Duration
	StallRetryInterval time.Duration
}

// DefaultSessionConfig returns the limits used when none are configured.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRetries:         5,
		ResendTimeout:      200 * time.Millisecond,
		StallRetryInterval: 50 * time.Millisecond,
	}
}

// SessionStats counts window activity.
type SessionStats struct {
	Sent       uint64
	Resent     uint64
	Acked      uint64
	Nacks      uint64
	Stalls     uint64
	Duplicates uint64
	Delivered  uint64
}

type outPacket struct {
	ff      uint8
	wire    []byte
	sent    time.Time
	retries int
}

// Session is the state of one link end: the send window for packets this end
// originates and the receive cursor for packets from the peer. It does no
// I/O; callers write the returned bytes.
type Session struct {
	cfg SessionConfig

	// send side
	nextOut     uint8
	outstanding []*outPacket
	retiredAny  bool
	stalled     bool
	stalledAt   time.Time

	// receive side
	expectIn uint8
	stalling bool

	stats SessionStats
}

// NewSession creates a session in its reset state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultSessionConfig().MaxRetries
	}
	return &Session{
		cfg:         cfg,
		outstanding: make([]*outPacket, 0, Window),
	}
}

// Reset returns both directions to flip-flop 0 and forgets every outstanding
// packet.
func (s *Session) Reset() {
	s.nextOut = 0
	s.outstanding = s.outstanding[:0]
	s.retiredAny = false
	s.stalled = false
	s.expectIn = 0
	s.stalling = false
}

// Stats returns a copy of the counters.
func (s *Session) Stats() SessionStats { return s.stats }

// Outstanding returns the number of unacknowledged packets.
func (s *Session) Outstanding() int { return len(s.outstanding) }

// Stalled reports whether the peer stalled our last packet.
func (s *Session) Stalled() bool { return s.stalled }

// CanSend reports whether Send would accept a packet now.
func (s *Session) CanSend() bool {
	return !s.stalled && len(s.outstanding) < Window
}

// Send assigns the next flip-flop to a packet, records it as outstanding and
// returns its wire bytes.
func (s *Session) Send(cmd uint8, payload []byte, now time.Time) ([]byte, error) {
	if s.stalled {
		return nil, ErrStalled
	}
	if len(s.outstanding) >= Window {
		return nil, ErrWindowFull
	}
	wire, err := EncodePacket(cmd, s.nextOut, payload)
	if err != nil {
		return nil, err
	}
	s.outstanding = append(s.outstanding, &outPacket{ff: s.nextOut, wire: wire, sent: now})
	s.nextOut = (s.nextOut + 1) & FlipFlopMask
	s.stats.Sent++
	return wire, nil
}

func (s *Session) find(ff uint8) int {
	for i, p := range s.outstanding {
		if p.ff == ff {
			return i
		}
	}
	return -1
}

// isLastRetired reports whether ff is the flip-flop retired just before the
// window. It is the only one a late ACK or NACK may name without the peer
// being out of step.
func (s *Session) isLastRetired(ff uint8) bool {
	if !s.retiredAny {
		return false
	}
	base := s.nextOut
	if len(s.outstanding) > 0 {
		base = s.outstanding[0].ff
	}
	return ff == (base-1)&FlipFlopMask
}

func (s *Session) retire(n int) {
	if n > 0 {
		s.retiredAny = true
	}
	s.stats.Acked += uint64(n)
	s.outstanding = append(s.outstanding[:0], s.outstanding[n:]...)
}

func (s *Session) resendFrom(i int, now time.Time, count bool) ([][]byte, error) {
	var out [][]byte
	for _, p := range s.outstanding[i:] {
		if count {
			p.retries++
			if p.retries > s.cfg.MaxRetries {
				return nil, fmt.Errorf("flip-flop %d: %w", p.ff, ErrRetriesExhausted)
			}
		}
		p.sent = now
		s.stats.Resent++
		out = append(out, p.wire)
	}
	return out, nil
}

// Reply is what the caller must transmit after a control byte.
type Reply struct {
	Resend  [][]byte
	Control []byte
	Retired int
}

// HandleControl applies an ACK, NACK, STALL or STALLACK from the peer.
// Errors are fatal for the link.
func (s *Session) HandleControl(kind ControlKind, ff uint8, now time.Time) (Reply, error) {
	var r Reply
	switch kind {
	case ControlAck:
		i := s.find(ff)
		switch {
		case i >= 0:
			r.Retired = i + 1
			s.retire(i + 1)
		case s.isLastRetired(ff):
			s.stats.Duplicates++
		default:
			return r, fmt.Errorf("%w: ACK for unsent flip-flop %d", ErrProtocol, ff)
		}

	case ControlNack:
		s.stats.Nacks++
		i := s.find(ff)
		switch {
		case i >= 0:
			r.Retired = i
			s.retire(i)
			resend, err := s.resendFrom(0, now, true)
			if err != nil {
				return r, err
			}
			r.Resend = resend
		case ff == s.nextOut:
			r.Retired = len(s.outstanding)
			s.retire(len(s.outstanding))
		case s.isLastRetired(ff):
			s.stats.Duplicates++
		default:
			return r, fmt.Errorf("%w: NACK for unsent flip-flop %d", ErrProtocol, ff)
		}

	case ControlStall:
		s.stats.Stalls++
		if i := s.find(ff); i >= 0 {
			r.Retired = i
			s.retire(i)
			s.stalled = true
			s.stalledAt = now
		} else if ff == s.nextOut {
			r.Retired = len(s.outstanding)
			s.retire(len(s.outstanding))
		}
		r.Control = []byte{CtrlStallAck}

	case ControlStallAck:
		s.stalling = false
	}
	return r, nil
}

// Resume ends a stall after the peer showed progress and returns the
// packets to send again. Stall resends do not count against the retry limit.
func (s *Session) Resume(now time.Time) [][]byte {
	if !s.stalled {
		return nil
	}
	s.stalled = false
	out, _ := s.resendFrom(0, now, false)
	return out
}

// Poll runs the timers: a stall is retried after StallRetryInterval and the
// window is resent when its oldest packet is older than ResendTimeout.
func (s *Session) Poll(now time.Time) ([][]byte, error) {
	if s.stalled {
		if now.Sub(s.stalledAt) >= s.cfg.StallRetryInterval {
			return s.Resume(now), nil
		}
		return nil, nil
	}
	if len(s.outstanding) == 0 || s.cfg.ResendTimeout <= 0 {
		return nil, nil
	}
	if now.Sub(s.outstanding[0].sent) < s.cfg.ResendTimeout {
		return nil, nil
	}
	return s.resendFrom(0, now, true)
}

// Receive handles a packet from the peer and returns the control byte to
// answer with. In-sequence packets go to handle exactly once; duplicates and
// out of order packets are answered with NACK for the expected flip-flop,
// which the sender reads as a cumulative acknowledgement. If handle returns
// ErrReject the packet is refused with STALL and later packets are ignored
// until the peer sends STALLACK. Other handler errors are returned after the
// packet is acknowledged.
func (s *Session) Receive(pkt Packet, handle func(Packet) error) (byte, error) {
	if s.stalling {
		return Stall(s.expectIn), nil
	}
	if pkt.FlipFlop != s.expectIn {
		s.stats.Duplicates++
		return Nack(s.expectIn), nil
	}

	if handle != nil {
		if err := handle(pkt); err != nil {
			if errors.Is(err, ErrReject) {
				s.stalling = true
				s.stats.Stalls++
				return Stall(s.expectIn), nil
			}
			s.accept()
			return Ack(pkt.FlipFlop), err
		}
	}
	s.accept()
	return Ack(pkt.FlipFlop), nil
}

func (s *Session) accept() {
	s.expectIn = (s.expectIn + 1) & FlipFlopMask
	s.stats.Delivered++
}

// Corrupt returns the answer to a damaged or truncated packet.
func (s *Session) Corrupt() byte {
	if s.stalling {
		return Stall(s.expectIn)
	}
	s.stats.Nacks++
	return Nack(s.expectIn)
}
