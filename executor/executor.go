// Package executor is the device end of the link: it stores fragments in
// slots, plays one sample per period and reports completion, underruns,
// limit and probe stops, homing results and watchdog timeouts.
//
// The same core runs inside the mock executor over TCP and inside the
// rp2040 firmware; only the IO implementation differs.
package executor

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"motionlink/protocol"
)

var (
	ErrNotConfigured = errors.New("executor: no setup received")
	ErrBadSetup      = errors.New("executor: setup exceeds capabilities")
	ErrBadFragment   = errors.New("executor: bad fragment")
)

// ProbeMotor is the motor index reported in a Limit event when the probe
// input stopped a probing fragment.
const ProbeMotor = 0xff

// maxLag is how far the tick loop may fall behind before it drops the
// missed samples instead of catching up.
const maxLag = 100 * time.Millisecond

// IO is the hardware seen by the executor. Only the goroutine calling Tick
// uses it.
type IO interface {
	// Step moves motor by steps, negative in reverse, within one sample.
	Step(motor, steps int)
	// Limit reports whether the limit input of motor is active.
	Limit(motor int) bool
	// Probe reports whether the probe input is active.
	Probe() bool
}

// Pacer is implemented by IO that spreads a sample's steps in time. Pace
// is called with every accepted setup.
type Pacer interface {
	Pace(period time.Duration, maxSteps int)
}

// Halter is implemented by IO that can drop steps already handed to it.
type Halter interface {
	Halt()
}

// Config describes the executor's capabilities.
type Config struct {
	Motors    int
	Fragments int
	Samples   int
	MaxSteps  int
	Session   protocol.SessionConfig
	InterByte time.Duration
}

// DefaultConfig returns the capabilities of the mock executor.
func DefaultConfig() Config {
	return Config{
		Motors:    8,
		Fragments: 16,
		Samples:   256,
		MaxSteps:  64,
		Session:   protocol.DefaultSessionConfig(),
		InterByte: 20 * time.Millisecond,
	}
}

// Stats counts executor activity.
type Stats struct {
	Samples   uint64
	Fragments uint64
	Underruns uint64
	Limits    uint64
	Timeouts  uint64
	Homings   uint64
}

type counters struct {
	samples, fragments, underruns atomic.Uint64
	limits, timeouts, homings     atomic.Uint64
}

// slot is one fragment buffer. The link side writes the fragment and then
// filled; the player reads it once filled is one ahead of played and bumps
// played when done. Each counter has a single writer.
type slot struct {
	len     int
	flags   uint8
	active  uint32
	missing int // samples still to arrive over the active motors
	samples [][]int8

	filled atomic.Uint32
	played atomic.Uint32
}

func (s *slot) ready() bool { return s.filled.Load() == s.played.Load()+1 }

// invalidate and publish are called by the link side only.
func (s *slot) invalidate() { s.filled.Store(s.played.Load()) }
func (s *slot) publish()    { s.filled.Store(s.played.Load() + 1) }

// table is the slot memory of one setup.
type table struct {
	setup protocol.Setup
	slots []slot
}

func newTable(s protocol.Setup) *table {
	t := &table{setup: s, slots: make([]slot, s.Fragments)}
	for i := range t.slots {
		t.slots[i].samples = make([][]int8, s.Motors)
		for m := range t.slots[i].samples {
			t.slots[i].samples[m] = make([]int8, s.Samples)
		}
	}
	return t
}

type opcode uint8

const (
	opConfigure opcode = iota
	opReboot
	opResync
	opStart
	opStop
	opHome
)

// command carries a host request from the link side to the player.
type command struct {
	op       opcode
	fragment uint8
	home     protocol.Home
	tab      *table
}

// commandSlots bounds the requests queued between two ticks.
const commandSlots = 16

// published player state: the current slot in the low byte plus flags.
const (
	stateRunning = 1 << 8
	stateHoming  = 1 << 9
)

type homing struct {
	mask  uint32
	left  uint32
	dirs  uint32 // bit set homes toward positive
	per   int
	max   uint32
	count uint32
	moved []int32
}

// player is the playback state. Only Tick touches it.
type player struct {
	tab       *table
	running   bool
	cur       int
	sample    int
	completed int // fragments finished and not yet reported
	home      *homing
}

// Executor consumes fragments at a fixed sample rate.
//
// Receive runs on the link goroutine and Tick on the sample goroutine.
// link guards the transport and the byte buffers. The two sides share
// nothing else but single-writer atomics: the slot counters, the command
// ring cursors, the published player state and the host clock. Tick takes
// link only to emit events.
type Executor struct {
	cfg Config
	io  IO

	link sync.Mutex
	in   *protocol.FifoBuffer
	out  *protocol.ScratchOutput
	tr   *protocol.Transport
	emit func(protocol.Message)
	now  time.Time

	tab        atomic.Pointer[table] // written by the link side
	homePosted uint32                // command index after the last Home

	cmds    [commandSlots]command
	cmdHead atomic.Uint32 // written by the player
	cmdTail atomic.Uint32 // written by the link side

	state    atomic.Uint32 // written by the player
	lastHost atomic.Int64  // written by the link side, unix nanoseconds
	stats    counters

	p player
}

// New creates an executor driving io.
func New(cfg Config, io IO) *Executor {
	x := &Executor{
		cfg: cfg,
		io:  io,
		in:  protocol.NewFifoBuffer(4 * protocol.MaxPacket),
		out: protocol.NewScratchOutput(),
	}
	x.tr = protocol.NewTransport(x.out, x.handle, x.Identity, cfg.Session, cfg.InterByte)
	x.tr.SetResetCallback(x.reboot)
	x.emit = func(m protocol.Message) { x.tr.SendEvent(m, x.now) }
	return x
}

// Identity returns the capabilities announced to the host.
func (x *Executor) Identity() protocol.Identity {
	return protocol.Identity{
		Motors:    uint8(x.cfg.Motors),
		Fragments: uint8(x.cfg.Fragments),
		Samples:   uint16(x.cfg.Samples),
		MaxSteps:  uint8(x.cfg.MaxSteps),
	}
}

// Period returns the sample period of the current setup, or a millisecond
// before the first setup.
func (x *Executor) Period() time.Duration {
	t := x.tab.Load()
	if t == nil {
		return time.Millisecond
	}
	return time.Duration(t.setup.PeriodUs) * time.Microsecond
}

// Stats returns the counters.
func (x *Executor) Stats() Stats {
	return Stats{
		Samples:   x.stats.samples.Load(),
		Fragments: x.stats.fragments.Load(),
		Underruns: x.stats.underruns.Load(),
		Limits:    x.stats.limits.Load(),
		Timeouts:  x.stats.timeouts.Load(),
		Homings:   x.stats.homings.Load(),
	}
}

// Running reports whether fragments are being played.
func (x *Executor) Running() bool {
	return x.state.Load()&stateRunning != 0
}

// Receive feeds bytes from the host.
func (x *Executor) Receive(data []byte, now time.Time) {
	x.link.Lock()
	defer x.link.Unlock()
	x.now = now
	for len(data) > 0 {
		n := x.in.Write(data)
		data = data[n:]
		x.tr.Receive(x.in, now)
		if n == 0 {
			break
		}
	}
}

// Startup announces a fresh boot.
func (x *Executor) Startup() {
	x.link.Lock()
	defer x.link.Unlock()
	x.tr.Startup()
}

// Report forwards a sensor reading to the host.
func (x *Executor) Report(id uint8, value int32) {
	x.link.Lock()
	defer x.link.Unlock()
	x.emit(protocol.Sensor{ID: id, Value: value})
}

// Drain writes pending output to w.
func (x *Executor) Drain(w io.Writer) error {
	x.link.Lock()
	defer x.link.Unlock()
	if x.out.CurPosition() == 0 {
		return nil
	}
	_, err := w.Write(x.out.Result())
	x.out.Reset()
	return err
}

// Tick applies queued host requests and plays one sample. It must not be
// called concurrently with itself.
func (x *Executor) Tick(now time.Time) {
	x.apply(now)
	p := &x.p
	if x.watchdogExpired(now) {
		x.stats.timeouts.Add(1)
		x.link.Lock()
		x.now = now
		x.tr.Debug("watchdog expired")
		x.emit(protocol.Timeout{})
		x.link.Unlock()
		x.stop(now)
	}
	switch {
	case p.home != nil:
		x.homeStep(now)
	case p.running:
		x.play(now)
	}
	x.publish()
}

// Service runs the link timers: resends, stall retries and the inter-byte
// timeout.
func (x *Executor) Service(now time.Time) {
	x.link.Lock()
	defer x.link.Unlock()
	x.now = now
	x.tr.Service(now)
}

// event sends messages from the player side.
func (x *Executor) event(now time.Time, msgs ...protocol.Message) {
	x.link.Lock()
	defer x.link.Unlock()
	x.now = now
	for _, m := range msgs {
		x.emit(m)
	}
}

func (x *Executor) publish() {
	v := uint32(x.p.cur) & 0xff
	if x.p.running {
		v |= stateRunning
	}
	if x.p.home != nil {
		v |= stateHoming
	}
	x.state.Store(v)
}

func (x *Executor) watchdogExpired(now time.Time) bool {
	p := &x.p
	if p.tab == nil || p.tab.setup.WatchdogMs == 0 || (!p.running && p.home == nil) {
		return false
	}
	last := time.Unix(0, x.lastHost.Load())
	return now.Sub(last) > time.Duration(p.tab.setup.WatchdogMs)*time.Millisecond
}

// post queues a request for the player. A full ring refuses the packet so
// the host retries it.
func (x *Executor) post(c command) error {
	tail := x.cmdTail.Load()
	if tail-x.cmdHead.Load() >= commandSlots {
		return protocol.ErrReject
	}
	x.cmds[tail%commandSlots] = c
	x.cmdTail.Store(tail + 1)
	return nil
}

// apply runs every request posted since the last tick, in order.
func (x *Executor) apply(now time.Time) {
	head := x.cmdHead.Load()
	tail := x.cmdTail.Load()
	for ; head != tail; head++ {
		c := x.cmds[head%commandSlots]
		x.cmds[head%commandSlots] = command{}
		x.execute(c, now)
		x.cmdHead.Store(head + 1)
	}
	x.publish()
}

func (x *Executor) execute(c command, now time.Time) {
	p := &x.p
	switch c.op {
	case opConfigure:
		*p = player{tab: c.tab}
		if pc, ok := x.io.(Pacer); ok {
			pc.Pace(time.Duration(c.tab.setup.PeriodUs)*time.Microsecond, int(c.tab.setup.MaxSteps))
		}
	case opReboot:
		*p = player{}
	case opResync:
		p.running = false
		p.home = nil
		p.cur, p.sample, p.completed = int(c.fragment), 0, 0
		x.event(now, protocol.Resynced{Fragment: c.fragment})
	case opStart:
		if p.tab == nil || p.home != nil {
			return
		}
		p.running = true
		p.cur, p.sample = int(c.fragment), 0
	case opStop:
		x.stop(now)
	case opHome:
		x.stats.homings.Add(1)
		if p.tab == nil || p.running {
			// lost the race to a Start: nothing homed
			var motors int
			if p.tab != nil {
				motors = int(p.tab.setup.Motors)
			}
			x.event(now, protocol.Homed{Steps: make([]int32, motors)})
			return
		}
		p.home = &homing{
			mask:  c.home.Mask,
			left:  c.home.Mask,
			dirs:  c.home.Dirs,
			per:   int(c.home.StepsPerSample),
			max:   c.home.MaxSamples,
			moved: make([]int32, p.tab.setup.Motors),
		}
	}
}

// reboot runs when the host requests an identity.
func (x *Executor) reboot() {
	x.in.Reset()
	x.tab.Store(nil)
	_ = x.post(command{op: opReboot})
}

func (x *Executor) handle(m protocol.Message) error {
	x.lastHost.Store(x.now.UnixNano())
	err := x.dispatch(m)
	if err != nil && !errors.Is(err, protocol.ErrReject) {
		x.tr.Debug(err.Error())
	}
	return err
}

func (x *Executor) dispatch(m protocol.Message) error {
	switch m := m.(type) {
	case protocol.Ping:
		x.emit(protocol.Pong{Token: m.Token})
	case protocol.Setup:
		return x.configure(m)
	case protocol.Reset:
		return x.resync(m.Fragment)
	case protocol.FragmentHeader:
		return x.loadHeader(m)
	case protocol.FragmentData:
		return x.loadData(m)
	case protocol.Start:
		return x.start(m.Fragment)
	case protocol.Stop:
		return x.post(command{op: opStop})
	case protocol.Home:
		return x.startHoming(m)
	default:
		return fmt.Errorf("%w: 0x%02x", protocol.ErrUnknownMessage, m.Code())
	}
	return nil
}

func (x *Executor) configure(s protocol.Setup) error {
	switch {
	case int(s.Motors) > x.cfg.Motors || s.Motors == 0:
		return fmt.Errorf("%w: %d motors of %d", ErrBadSetup, s.Motors, x.cfg.Motors)
	case int(s.Fragments) > x.cfg.Fragments || s.Fragments < 2:
		return fmt.Errorf("%w: %d fragments of %d", ErrBadSetup, s.Fragments, x.cfg.Fragments)
	case int(s.Samples) > x.cfg.Samples || s.Samples == 0:
		return fmt.Errorf("%w: %d samples of %d", ErrBadSetup, s.Samples, x.cfg.Samples)
	case int(s.MaxSteps) > x.cfg.MaxSteps || s.MaxSteps == 0:
		return fmt.Errorf("%w: %d steps per sample of %d", ErrBadSetup, s.MaxSteps, x.cfg.MaxSteps)
	case s.PeriodUs == 0:
		return fmt.Errorf("%w: zero sample period", ErrBadSetup)
	}
	t := newTable(s)
	if err := x.post(command{op: opConfigure, tab: t}); err != nil {
		return err
	}
	x.tab.Store(t)
	return nil
}

func (x *Executor) resync(fragment uint8) error {
	t := x.tab.Load()
	if t == nil {
		return ErrNotConfigured
	}
	if int(fragment) >= len(t.slots) {
		return fmt.Errorf("%w: slot %d", ErrBadFragment, fragment)
	}
	if err := x.post(command{op: opResync, fragment: fragment}); err != nil {
		return err
	}
	for i := range t.slots {
		t.slots[i].invalidate()
	}
	return nil
}

func (x *Executor) loadHeader(h protocol.FragmentHeader) error {
	t := x.tab.Load()
	if t == nil {
		return ErrNotConfigured
	}
	if int(h.Index) >= len(t.slots) || h.Len > t.setup.Samples || h.Active>>t.setup.Motors != 0 {
		return fmt.Errorf("%w: header slot %d len %d active 0x%x", ErrBadFragment, h.Index, h.Len, h.Active)
	}
	if st := x.state.Load(); st&stateRunning != 0 && uint8(st) == h.Index {
		// still playing it
		return protocol.ErrReject
	}
	s := &t.slots[h.Index]
	s.invalidate()
	s.len = int(h.Len)
	s.flags = h.Flags
	s.active = h.Active
	for _, row := range s.samples {
		clear(row)
	}
	s.missing = s.len * bits.OnesCount32(h.Active)
	if s.missing == 0 {
		s.publish()
	}
	return nil
}

func (x *Executor) loadData(d protocol.FragmentData) error {
	t := x.tab.Load()
	if t == nil {
		return ErrNotConfigured
	}
	if int(d.Index) >= len(t.slots) || d.Motor >= t.setup.Motors {
		return fmt.Errorf("%w: data slot %d motor %d", ErrBadFragment, d.Index, d.Motor)
	}
	s := &t.slots[d.Index]
	if s.active&(1<<d.Motor) == 0 || int(d.Offset)+len(d.Samples) > s.len {
		return fmt.Errorf("%w: data slot %d motor %d offset %d", ErrBadFragment, d.Index, d.Motor, d.Offset)
	}
	limit := int8(t.setup.MaxSteps)
	for _, v := range d.Samples {
		if v > limit || v < -limit {
			return fmt.Errorf("%w: %d steps in one sample", ErrBadFragment, v)
		}
	}
	if s.missing <= 0 {
		return nil
	}
	copy(s.samples[d.Motor][d.Offset:], d.Samples)
	s.missing -= len(d.Samples)
	if s.missing <= 0 {
		s.publish()
	}
	return nil
}

// homePending reports whether a Home is queued or running.
func (x *Executor) homePending() bool {
	return x.state.Load()&stateHoming != 0 || int32(x.homePosted-x.cmdHead.Load()) > 0
}

func (x *Executor) start(fragment uint8) error {
	t := x.tab.Load()
	if t == nil {
		return ErrNotConfigured
	}
	if int(fragment) >= len(t.slots) {
		return fmt.Errorf("%w: start slot %d", ErrBadFragment, fragment)
	}
	if x.homePending() {
		return protocol.ErrReject
	}
	return x.post(command{op: opStart, fragment: fragment})
}

// stop halts playback or homing and reports where.
func (x *Executor) stop(now time.Time) {
	p := &x.p
	x.event(now, protocol.Stopped{Count: uint8(p.completed), Fragment: uint8(p.cur), Offset: uint16(p.sample)})
	if h, ok := x.io.(Halter); ok {
		h.Halt()
	}
	p.running = false
	p.home = nil
	p.completed = 0
}

func (x *Executor) limits() uint32 {
	setup := &x.p.tab.setup
	var mask uint32
	for m := uint8(0); m < setup.Motors; m++ {
		if setup.LimitMask&(1<<m) != 0 && x.io.Limit(int(m)) {
			mask |= 1 << m
		}
	}
	return mask
}

func (x *Executor) play(now time.Time) {
	p := &x.p
	slots := p.tab.slots
	s := &slots[p.cur]
	if p.sample == 0 && !s.ready() {
		x.underrun(now)
		return
	}
	if p.sample < s.len {
		before := x.limits()
		var moved uint32
		for m := 0; m < int(p.tab.setup.Motors); m++ {
			if s.active&(1<<m) == 0 {
				continue
			}
			if st := s.samples[m][p.sample]; st != 0 {
				x.io.Step(m, int(st))
				moved |= 1 << m
			}
		}
		p.sample++
		x.stats.samples.Add(1)

		if s.flags&protocol.FragmentProbing != 0 && x.io.Probe() {
			x.halt(now, ProbeMotor)
			return
		}
		if hit := x.limits() &^ before & moved; hit != 0 {
			x.halt(now, uint8(bits.TrailingZeros32(hit)))
			return
		}
	}
	if p.sample < s.len {
		return
	}

	s.played.Add(1)
	p.completed++
	x.stats.fragments.Add(1)
	p.cur = (p.cur + 1) % len(slots)
	p.sample = 0
	if !slots[p.cur].ready() {
		return
	}
	x.link.Lock()
	defer x.link.Unlock()
	if x.tr.PendingEvents() == 0 {
		x.now = now
		x.emit(protocol.Done{Count: uint8(p.completed), Running: uint8(p.cur)})
		p.completed = 0
	}
}

func (x *Executor) underrun(now time.Time) {
	p := &x.p
	x.stats.underruns.Add(1)
	x.event(now, protocol.Underrun{Count: uint8(p.completed), Running: uint8(p.cur)})
	p.completed = 0
	p.running = false
}

func (x *Executor) halt(now time.Time, motor uint8) {
	p := &x.p
	x.stats.limits.Add(1)
	x.event(now, protocol.Limit{Count: uint8(p.completed), Fragment: uint8(p.cur), Offset: uint16(p.sample), Motor: motor})
	p.completed = 0
	p.running = false
}

func (x *Executor) startHoming(h protocol.Home) error {
	t := x.tab.Load()
	if t == nil {
		return ErrNotConfigured
	}
	if x.Running() {
		return protocol.ErrReject
	}
	if h.Mask>>t.setup.Motors != 0 || h.StepsPerSample == 0 || h.StepsPerSample > t.setup.MaxSteps {
		return fmt.Errorf("%w: home mask 0x%x at %d steps", ErrBadSetup, h.Mask, h.StepsPerSample)
	}
	if err := x.post(command{op: opHome, home: h}); err != nil {
		return err
	}
	x.homePosted = x.cmdTail.Load()
	return nil
}

func (x *Executor) homeStep(now time.Time) {
	p := &x.p
	h := p.home
	for m := 0; m < int(p.tab.setup.Motors); m++ {
		bit := uint32(1) << m
		if h.left&bit == 0 {
			continue
		}
		if x.io.Limit(m) {
			h.left &^= bit
			continue
		}
		st := -h.per
		if h.dirs&bit != 0 {
			st = h.per
		}
		x.io.Step(m, st)
		h.moved[m] += int32(st)
		if x.io.Limit(m) {
			h.left &^= bit
		}
	}
	h.count++
	if h.left == 0 || h.count >= h.max {
		p.home = nil
		x.event(now, protocol.Homed{Mask: h.mask &^ h.left, Steps: h.moved})
	}
}
