package executor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionlink/protocol"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const testPeriod = 500 * time.Microsecond

type bench struct {
	x      *Executor
	io     *SimIO
	events []protocol.Message
	ticks  int
}

func newBench(t *testing.T, watchdogMs uint32) *bench {
	t.Helper()
	b := &bench{io: NewSimIO(3)}
	b.x = New(Config{
		Motors:    3,
		Fragments: 4,
		Samples:   8,
		MaxSteps:  4,
		Session:   protocol.DefaultSessionConfig(),
		InterByte: 10 * time.Millisecond,
	}, b.io)
	b.x.emit = func(m protocol.Message) { b.events = append(b.events, m) }
	b.send(t, protocol.Setup{
		Motors:     3,
		Fragments:  4,
		Samples:    8,
		PeriodUs:   500,
		MaxSteps:   4,
		WatchdogMs: watchdogMs,
		LimitMask:  0b011,
	})
	return b
}

func (b *bench) send(t *testing.T, m protocol.Message) {
	t.Helper()
	b.x.now = base
	require.NoError(t, b.x.handle(m))
}

func (b *bench) load(t *testing.T, index uint8, n int, rows map[uint8][]int8, flags uint8) {
	t.Helper()
	var active uint32
	for m := range rows {
		active |= 1 << m
	}
	b.send(t, protocol.FragmentHeader{Index: index, Len: uint16(n), Flags: flags, Active: active})
	for m, row := range rows {
		b.send(t, protocol.FragmentData{Index: index, Motor: m, Samples: row})
	}
}

func (b *bench) tick(n int) {
	for i := 0; i < n; i++ {
		b.ticks++
		b.x.Tick(base.Add(time.Duration(b.ticks) * testPeriod))
	}
}

func (b *bench) take() []protocol.Message {
	out := b.events
	b.events = nil
	return out
}

func TestPlaysFragmentsInOrder(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 0, 4, map[uint8][]int8{0: {1, 1, 1, 1}}, 0)
	b.load(t, 1, 2, map[uint8][]int8{1: {2, 2}}, 0)
	b.send(t, protocol.Start{Fragment: 0})

	b.tick(4)
	assert.Equal(t, []protocol.Message{protocol.Done{Count: 1, Running: 1}}, b.take())
	b.tick(2)
	assert.Empty(t, b.take())
	b.tick(1)
	assert.Equal(t, []protocol.Message{protocol.Underrun{Count: 1, Running: 2}}, b.take())

	assert.Equal(t, []int64{4, 4, 0}, b.io.Positions())
	assert.False(t, b.x.Running())
	assert.Equal(t, uint64(6), b.x.Stats().Samples)
	assert.Equal(t, uint64(2), b.x.Stats().Fragments)
}

func TestUnderrunBeforeFirstFragment(t *testing.T) {
	b := newBench(t, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(1)
	assert.Equal(t, []protocol.Message{protocol.Underrun{Count: 0, Running: 0}}, b.take())
}

func TestEmptyFragmentIsReadyWithoutData(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 0, 5, nil, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(6)
	assert.Equal(t, []protocol.Message{protocol.Underrun{Count: 1, Running: 1}}, b.take())
	assert.Equal(t, []int64{0, 0, 0}, b.io.Positions())
}

func TestLimitStopsMidFragment(t *testing.T) {
	b := newBench(t, 0)
	b.io.AddSwitch(Switch{Motor: 0, At: 3, Dir: 1})
	b.load(t, 0, 8, map[uint8][]int8{0: {1, 1, 1, 1, 1, 1, 1, 1}}, 0)
	b.send(t, protocol.Start{Fragment: 0})

	b.tick(8)
	assert.Equal(t, []protocol.Message{protocol.Limit{Count: 0, Fragment: 0, Offset: 3, Motor: 0}}, b.take())
	assert.Equal(t, []int64{3, 0, 0}, b.io.Positions())
	assert.False(t, b.x.Running())
}

func TestLimitIgnoredWithoutMaskOrMotion(t *testing.T) {
	b := newBench(t, 0)
	// motor 2 has no limit input configured, motor 1 never moves
	b.io.AddSwitch(Switch{Motor: 2, At: 1, Dir: 1})
	b.io.AddSwitch(Switch{Motor: 1, At: 0, Dir: 1})
	b.load(t, 0, 2, map[uint8][]int8{2: {1, 1}}, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(3)
	assert.Equal(t, []protocol.Message{protocol.Underrun{Count: 1, Running: 1}}, b.take())
}

func TestProbeOnlyInProbingFragments(t *testing.T) {
	b := newBench(t, 0)
	b.io.SetProbe(func(pos []int64) bool { return pos[2] <= -2 })
	b.load(t, 0, 3, map[uint8][]int8{2: {-1, -1, -1}}, 0)
	b.load(t, 1, 4, map[uint8][]int8{2: {-1, -1, -1, -1}}, protocol.FragmentProbing)
	b.send(t, protocol.Start{Fragment: 0})

	b.tick(5)
	assert.Equal(t, []protocol.Message{
		protocol.Done{Count: 1, Running: 1},
		protocol.Limit{Count: 0, Fragment: 1, Offset: 1, Motor: ProbeMotor},
	}, b.take())
	assert.Equal(t, []int64{0, 0, -4}, b.io.Positions())
}

func TestHeaderForPlayingSlotIsRejected(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 0, 4, map[uint8][]int8{0: {1, 1, 1, 1}}, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(1)
	err := b.x.dispatch(protocol.FragmentHeader{Index: 0, Len: 4, Active: 1})
	assert.ErrorIs(t, err, protocol.ErrReject)
	assert.NoError(t, b.x.dispatch(protocol.FragmentHeader{Index: 1, Len: 4, Active: 1}))
}

func TestStopReportsPosition(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 0, 8, map[uint8][]int8{0: {1, 1, 1, 1, 1, 1, 1, 1}}, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(3)
	b.send(t, protocol.Stop{})
	assert.Empty(t, b.take())
	b.tick(1)
	assert.Equal(t, []protocol.Message{protocol.Stopped{Count: 0, Fragment: 0, Offset: 3}}, b.take())
	b.tick(2)
	assert.Empty(t, b.take())
	assert.Equal(t, []int64{3, 0, 0}, b.io.Positions())
}

func TestResyncClearsSlots(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 2, 4, map[uint8][]int8{0: {1, 1, 1, 1}}, 0)
	b.send(t, protocol.Reset{Fragment: 2})
	b.send(t, protocol.Start{Fragment: 2})
	b.tick(1)
	assert.Equal(t, []protocol.Message{
		protocol.Resynced{Fragment: 2},
		protocol.Underrun{Count: 0, Running: 2},
	}, b.take())
	assert.Equal(t, []int64{0, 0, 0}, b.io.Positions())
}

func TestTickDoesNotWaitForLink(t *testing.T) {
	b := newBench(t, 0)
	b.load(t, 0, 8, map[uint8][]int8{0: {1, 1, 1, 1, 1, 1, 1, 1}}, 0)
	b.send(t, protocol.Start{Fragment: 0})
	b.tick(1)

	// the link side is busy decoding; mid-fragment samples emit nothing
	b.x.link.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.tick(3)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.x.link.Unlock()
		t.Fatal("tick blocked on the link lock")
	}
	b.x.link.Unlock()

	assert.Equal(t, []int64{4, 0, 0}, b.io.Positions())
	assert.True(t, b.x.Running())
	assert.Empty(t, b.take())
}

func TestSlotReadyFollowsCounters(t *testing.T) {
	b := newBench(t, 0)
	b.send(t, protocol.FragmentHeader{Index: 1, Len: 2, Active: 0b001})
	s := &b.x.tab.Load().slots[1]
	assert.False(t, s.ready())
	b.send(t, protocol.FragmentData{Index: 1, Motor: 0, Samples: []int8{1, 1}})
	assert.True(t, s.ready())

	b.send(t, protocol.Start{Fragment: 1})
	b.tick(2)
	assert.False(t, s.ready())
	assert.Equal(t, uint32(1), s.played.Load())

	// a reset invalidates slots without touching the player's counter
	b.load(t, 1, 1, nil, 0)
	assert.True(t, s.ready())
	b.send(t, protocol.Reset{Fragment: 0})
	assert.False(t, s.ready())
	assert.Equal(t, uint32(1), s.played.Load())
}

func TestCommandRingFullRejects(t *testing.T) {
	b := newBench(t, 0)
	b.tick(1)
	for i := 0; i < commandSlots; i++ {
		require.NoError(t, b.x.dispatch(protocol.Stop{}))
	}
	assert.ErrorIs(t, b.x.dispatch(protocol.Stop{}), protocol.ErrReject)

	b.tick(1)
	assert.Len(t, b.take(), commandSlots)
	assert.NoError(t, b.x.dispatch(protocol.Stop{}))
}

func TestHoming(t *testing.T) {
	b := newBench(t, 0)
	b.io.AddSwitch(Switch{Motor: 0, At: -5, Dir: -1})
	b.io.AddSwitch(Switch{Motor: 1, At: 3, Dir: 1})
	b.send(t, protocol.Home{Mask: 0b011, Dirs: 0b010, StepsPerSample: 2, MaxSamples: 10})

	b.tick(2)
	assert.Empty(t, b.take())
	b.tick(1)
	assert.Equal(t, []protocol.Message{protocol.Homed{Mask: 0b011, Steps: []int32{-6, 4, 0}}}, b.take())
	assert.Equal(t, []int64{-6, 4, 0}, b.io.Positions())
}

func TestHomingGivesUp(t *testing.T) {
	b := newBench(t, 0)
	b.send(t, protocol.Home{Mask: 0b100, Dirs: 0, StepsPerSample: 1, MaxSamples: 4})
	b.tick(5)
	assert.Equal(t, []protocol.Message{protocol.Homed{Mask: 0, Steps: []int32{0, 0, -4}}}, b.take())
}

func TestStartRejectedWhileHoming(t *testing.T) {
	b := newBench(t, 0)
	b.send(t, protocol.Home{Mask: 0b001, StepsPerSample: 1, MaxSamples: 100})
	assert.ErrorIs(t, b.x.dispatch(protocol.Start{Fragment: 0}), protocol.ErrReject)
}

func TestWatchdog(t *testing.T) {
	b := newBench(t, 10)
	b.send(t, protocol.Home{Mask: 0b100, StepsPerSample: 1, MaxSamples: 1000})

	b.tick(20)
	assert.Empty(t, b.take())
	b.tick(1)
	assert.Equal(t, []protocol.Message{
		protocol.Timeout{},
		protocol.Stopped{Count: 0, Fragment: 0, Offset: 0},
	}, b.take())
	assert.Equal(t, uint64(1), b.x.Stats().Timeouts)

	b.tick(5)
	assert.Empty(t, b.take())
}

func TestSetupValidation(t *testing.T) {
	b := newBench(t, 0)
	for _, s := range []protocol.Setup{
		{Motors: 4, Fragments: 4, Samples: 8, PeriodUs: 500, MaxSteps: 4},
		{Motors: 3, Fragments: 1, Samples: 8, PeriodUs: 500, MaxSteps: 4},
		{Motors: 3, Fragments: 4, Samples: 9, PeriodUs: 500, MaxSteps: 4},
		{Motors: 3, Fragments: 4, Samples: 8, PeriodUs: 500, MaxSteps: 5},
		{Motors: 3, Fragments: 4, Samples: 8, PeriodUs: 0, MaxSteps: 4},
	} {
		assert.ErrorIs(t, b.x.dispatch(s), ErrBadSetup, "%+v", s)
	}
	assert.Equal(t, testPeriod, b.x.Period())
}

func TestBadFragmentData(t *testing.T) {
	b := newBench(t, 0)
	b.send(t, protocol.FragmentHeader{Index: 0, Len: 4, Active: 0b001})
	assert.ErrorIs(t, b.x.dispatch(protocol.FragmentData{Index: 0, Motor: 0, Samples: []int8{5}}), ErrBadFragment)
	assert.ErrorIs(t, b.x.dispatch(protocol.FragmentData{Index: 0, Motor: 0, Offset: 3, Samples: []int8{1, 1}}), ErrBadFragment)
	assert.ErrorIs(t, b.x.dispatch(protocol.FragmentData{Index: 0, Motor: 1, Samples: []int8{1}}), ErrBadFragment)
	assert.ErrorIs(t, b.x.dispatch(protocol.FragmentHeader{Index: 4, Len: 1}), ErrBadFragment)
	assert.ErrorIs(t, b.x.dispatch(protocol.FragmentHeader{Index: 0, Len: 9}), ErrBadFragment)
}

func TestNotConfigured(t *testing.T) {
	x := New(DefaultConfig(), NewSimIO(8))
	x.emit = func(protocol.Message) {}
	assert.ErrorIs(t, x.dispatch(protocol.Start{}), ErrNotConfigured)
	assert.Equal(t, time.Millisecond, x.Period())
}

func TestServeAnswersHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	x := New(DefaultConfig(), NewSimIO(8))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		x.Serve(ctx, c)
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	cfg := protocol.DefaultHostConfig()
	cfg.IdentifyRetry = 50 * time.Millisecond
	h := protocol.NewHostTransport(c, cfg)
	defer h.Close()

	ictx, icancel := context.WithTimeout(ctx, 5*time.Second)
	defer icancel()
	id, err := h.Identify(ictx)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), id.Motors)
	assert.Equal(t, uint16(256), id.Samples)

	require.NoError(t, h.SendWait(ictx, protocol.Ping{Token: 7}))
	select {
	case ev := <-h.Events():
		assert.Equal(t, protocol.Pong{Token: 7}, ev.Msg)
	case <-ictx.Done():
		t.Fatal("no pong")
	}
}
