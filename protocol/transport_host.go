package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventBacklog is the number of decoded events the host buffers before it
// starts refusing event packets with STALL.
const EventBacklog = 64

// Event is a decoded executor message, or a link level notification when
// Msg is nil.
type Event struct {
	Msg     Message
	Control ControlKind // ControlStartup when the executor rebooted
	At      time.Time
}

// HostConfig configures a HostTransport.
type HostConfig struct {
	Session          SessionConfig
	InterByteTimeout time.Duration
	IdentifyRetry    time.Duration
	Logger           *slog.Logger
}

// DefaultHostConfig returns the defaults used by the CLI.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Session:          DefaultSessionConfig(),
		InterByteTimeout: 20 * time.Millisecond,
		IdentifyRetry:    250 * time.Millisecond,
	}
}

// LinkError is the reason a host link session failed. Session matches the
// ID of the transport that failed, so errors from a replaced link can be
// told apart from the current one.
type LinkError struct {
	Session uuid.UUID
	Err     error
}

func (e *LinkError) Error() string { return fmt.Sprintf("link %s: %v", e.Session, e.Err) }

func (e *LinkError) Unwrap() error { return e.Err }

// HostTransport is the host end of the link. A reader goroutine parses the
// incoming byte stream, answers control bytes and queues decoded events;
// callers send commands within the flip-flop window.
type HostTransport struct {
	port io.ReadWriteCloser
	cfg  HostConfig
	log  *slog.Logger
	id   uuid.UUID

	// mu guards the session, the framer and port writes
	mu      sync.Mutex
	session *Session
	framer  *Framer

	events   chan Event
	ready    chan struct{}
	identity chan Identity

	failOnce sync.Once
	failed   chan struct{}
	err      error

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport starts a transport on port.
func NewHostTransport(port io.ReadWriteCloser, cfg HostConfig) *HostTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdentifyRetry <= 0 {
		cfg.IdentifyRetry = DefaultHostConfig().IdentifyRetry
	}
	id := uuid.New()
	t := &HostTransport{
		port:     port,
		cfg:      cfg,
		id:       id,
		log:      cfg.Logger.With("component", "transport", "session", id.String()),
		session:  NewSession(cfg.Session),
		framer:   NewFramer(cfg.InterByteTimeout),
		events:   make(chan Event, EventBacklog),
		ready:    make(chan struct{}, 1),
		identity: make(chan Identity, 1),
		failed:   make(chan struct{}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// ID returns the session id carried by log records and link errors.
func (t *HostTransport) ID() uuid.UUID { return t.id }

// Events delivers executor events in arrival order.
func (t *HostTransport) Events() <-chan Event { return t.events }

// Ready is signalled whenever window space frees up.
func (t *HostTransport) Ready() <-chan struct{} { return t.ready }

// Failed is closed when the link is declared dead.
func (t *HostTransport) Failed() <-chan struct{} { return t.failed }

// Err returns the reason the link failed.
func (t *HostTransport) Err() error {
	select {
	case <-t.failed:
		return t.err
	default:
		return nil
	}
}

// Stats returns the window counters.
func (t *HostTransport) Stats() SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Stats()
}

// CanSend reports whether Send would currently accept a message.
func (t *HostTransport) CanSend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Err() == nil && t.session.CanSend()
}

// Send transmits m if the window has room. It returns ErrWindowFull or
// ErrStalled otherwise; wait on Ready and try again.
func (t *HostTransport) Send(m Message) error {
	if err := t.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	wire, err := t.session.Send(m.Code(), EncodeMessage(m), time.Now())
	if err != nil {
		return err
	}
	return t.writeLocked(wire)
}

// SendWait blocks until m fits in the window or ctx is done.
func (t *HostTransport) SendWait(ctx context.Context, m Message) error {
	for {
		err := t.Send(m)
		if !errors.Is(err, ErrWindowFull) && !errors.Is(err, ErrStalled) {
			return err
		}
		select {
		case <-t.ready:
		case <-time.After(t.cfg.Session.ResendTimeout):
			t.Service(time.Now())
		case <-t.failed:
			return t.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Identify sends the ID control byte until the executor answers with its
// identity packet. Both window directions restart from flip-flop 0.
func (t *HostTransport) Identify(ctx context.Context) (Identity, error) {
	select {
	case <-t.identity:
	default:
	}
	for {
		t.mu.Lock()
		err := t.writeLocked([]byte{CtrlID})
		t.mu.Unlock()
		if err != nil {
			return Identity{}, err
		}

		select {
		case id := <-t.identity:
			if id.Magic != IdentityMagic {
				return id, fmt.Errorf("%w: bad identity magic 0x%08x", ErrProtocol, id.Magic)
			}
			t.log.Info("executor identified", "version", id.Version, "motors", id.Motors,
				"fragments", id.Fragments, "samples", id.Samples)
			return id, nil
		case <-time.After(t.cfg.IdentifyRetry):
			t.log.Debug("identify retry")
		case <-t.failed:
			return Identity{}, t.err
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		}
	}
}

// Service runs the session timers. The owner calls it periodically.
func (t *HostTransport) Service(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.framer.Expire(now) {
		t.writeLocked([]byte{t.session.Corrupt()})
	}
	resend, err := t.session.Poll(now)
	if err != nil {
		t.fail(err)
		return
	}
	for _, wire := range resend {
		t.writeLocked(wire)
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	select {
	case <-t.stopChan:
		return nil
	default:
	}
	close(t.stopChan)
	err := t.port.Close()
	<-t.doneChan
	return err
}

func (t *HostTransport) writeLocked(b []byte) error {
	n, err := t.port.Write(b)
	if err != nil {
		t.fail(fmt.Errorf("write: %w", err))
		return err
	}
	if n != len(b) {
		err = fmt.Errorf("incomplete write: %d/%d bytes", n, len(b))
		t.fail(err)
		return err
	}
	return nil
}

func (t *HostTransport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = &LinkError{Session: t.id, Err: err}
		t.log.Error("link failed", "error", err)
		close(t.failed)
	})
}

func (t *HostTransport) signalReady() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			for _, ev := range t.process(buf[:n], time.Now()) {
				select {
				case t.events <- ev:
				case <-t.stopChan:
					return
				}
			}
		}
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				if errors.Is(err, io.EOF) {
					t.fail(fmt.Errorf("link closed: %w", err))
				} else {
					t.fail(fmt.Errorf("read: %w", err))
				}
			}
			return
		}
	}
}

// process parses data under the lock and returns the events to deliver
// once the lock is released.
func (t *HostTransport) process(data []byte, now time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, item := range t.framer.Feed(data, now) {
		switch item.Kind {
		case ItemControl:
			out = t.handleControl(item, now, out)

		case ItemError:
			t.log.Debug("bad frame", "error", item.Err)
			t.writeLocked([]byte{t.session.Corrupt()})

		case ItemPacket:
			if OutOfBand(item.Packet.Cmd) {
				t.handleOutOfBand(item.Packet)
				continue
			}
			reply, err := t.session.Receive(item.Packet, func(pkt Packet) error {
				if len(t.events)+len(out) >= EventBacklog {
					return ErrReject
				}
				m, err := DecodeMessage(pkt)
				if err != nil {
					return err
				}
				out = append(out, Event{Msg: m, At: now})
				return nil
			})
			if err != nil {
				t.log.Warn("undecodable event", "cmd", item.Packet.Cmd, "error", err)
			}
			t.writeLocked([]byte{reply})
			for _, wire := range t.session.Resume(now) {
				t.writeLocked(wire)
			}
		}
	}
	return out
}

func (t *HostTransport) handleControl(item Item, now time.Time, out []Event) []Event {
	switch item.Control {
	case ControlAck, ControlNack, ControlStall, ControlStallAck:
		reply, err := t.session.HandleControl(item.Control, item.FlipFlop, now)
		if err != nil {
			t.fail(err)
			return out
		}
		if len(reply.Control) > 0 {
			t.writeLocked(reply.Control)
		}
		for _, wire := range reply.Resend {
			t.writeLocked(wire)
		}
		if reply.Retired > 0 {
			t.signalReady()
		}
	case ControlStartup:
		t.log.Warn("executor restarted")
		t.session.Reset()
		t.signalReady()
		out = append(out, Event{Control: ControlStartup, At: now})
	case ControlDebug:
		// the debug text follows as an out-of-band packet
	case ControlNone:
		t.log.Debug("unknown control byte", "byte", item.Raw)
	}
	return out
}

func (t *HostTransport) handleOutOfBand(pkt Packet) {
	m, err := DecodeMessage(pkt)
	if err != nil {
		t.log.Warn("bad out-of-band packet", "error", err)
		return
	}
	switch m := m.(type) {
	case Identity:
		t.session.Reset()
		t.signalReady()
		select {
		case t.identity <- m:
		default:
		}
	case Debug:
		t.log.Info("executor debug", "text", m.Text)
	}
}
