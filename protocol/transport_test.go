package protocol

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dropPort drops the n-th packet written through it.
type dropPort struct {
	net.Conn
	mu      sync.Mutex
	packets int
	drop    int
}

func (p *dropPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if len(b) > 1 {
		p.packets++
		if p.packets == p.drop {
			p.mu.Unlock()
			return len(b), nil
		}
	}
	p.mu.Unlock()
	return p.Conn.Write(b)
}

type fakeDevice struct {
	mu       sync.Mutex
	received []Message
	tr       *Transport
}

func (d *fakeDevice) messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.received...)
}

// serve runs an executor transport on conn until it is closed.
func (d *fakeDevice) serve(conn net.Conn) {
	out := NewScratchOutput()
	in := NewFifoBuffer(1024)
	d.tr = NewTransport(out, func(m Message) error {
		d.mu.Lock()
		d.received = append(d.received, m)
		d.mu.Unlock()
		if p, ok := m.(Ping); ok {
			d.tr.SendEvent(Pong{Token: p.Token}, time.Now())
		}
		return nil
	}, func() Identity {
		return Identity{Motors: 3, Fragments: 8, Samples: 256, MaxSteps: 32}
	}, SessionConfig{MaxRetries: 5, ResendTimeout: 50 * time.Millisecond, StallRetryInterval: 10 * time.Millisecond},
		5*time.Millisecond)

	buf := make([]byte, 256)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			in.Write(buf[:n])
			d.tr.Receive(in, time.Now())
		}
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				return
			}
		}
		d.tr.Service(time.Now())
		if out.CurPosition() > 0 {
			if _, err := conn.Write(out.Result()); err != nil {
				return
			}
			out.Reset()
		}
	}
}

func linkPair(t *testing.T, drop int) (*HostTransport, *fakeDevice) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	dev := &fakeDevice{}
	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		close(accepted)
		if err != nil {
			return
		}
		defer c.Close()
		dev.serve(c)
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted

	var port io.ReadWriteCloser = c
	if drop > 0 {
		port = &dropPort{Conn: c, drop: drop}
	}
	cfg := DefaultHostConfig()
	cfg.Session.ResendTimeout = 50 * time.Millisecond
	cfg.IdentifyRetry = 50 * time.Millisecond
	h := NewHostTransport(port, cfg)
	t.Cleanup(func() { h.Close() })
	return h, dev
}

func TestHostTransportIdentify(t *testing.T) {
	h, _ := linkPair(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := h.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(IdentityMagic), id.Magic)
	assert.Equal(t, uint32(Version), id.Version)
	assert.Equal(t, uint8(3), id.Motors)
	assert.Equal(t, uint16(256), id.Samples)
}

func collectPongs(t *testing.T, h *HostTransport, n int) []uint32 {
	t.Helper()
	var tokens []uint32
	timeout := time.After(3 * time.Second)
	for len(tokens) < n {
		select {
		case ev := <-h.Events():
			if p, ok := ev.Msg.(Pong); ok {
				tokens = append(tokens, p.Token)
			}
		case <-timeout:
			t.Fatalf("got %d of %d pongs", len(tokens), n)
		}
	}
	return tokens
}

func TestHostTransportPingPong(t *testing.T) {
	h, dev := linkPair(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := h.Identify(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, h.SendWait(ctx, Ping{Token: uint32(i)}))
	}

	tokens := collectPongs(t, h, 10)
	for i, tok := range tokens {
		assert.Equal(t, uint32(i), tok)
	}
	assert.Len(t, dev.messages(), 10)
}

func TestHostTransportRecoversDroppedPacket(t *testing.T) {
	// the identity exchange writes no packets from the host, so the second
	// packet is the second Ping
	h, dev := linkPair(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := h.Identify(ctx)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, h.SendWait(ctx, Ping{Token: uint32(i)}))
	}

	tokens := collectPongs(t, h, 6)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, tokens)

	msgs := dev.messages()
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, Ping{Token: uint32(i)}, m)
	}
	assert.NotZero(t, h.Stats().Resent)
}

func TestHostTransportFailureCarriesSession(t *testing.T) {
	host, dev := net.Pipe()
	h := NewHostTransport(host, DefaultHostConfig())
	t.Cleanup(func() { h.Close() })
	require.NoError(t, dev.Close())

	select {
	case <-h.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("link never failed")
	}
	err := h.Err()
	var le *LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, h.ID(), le.Session)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), h.ID().String())
}
