package stepgen

import (
	"log/slog"
	"math"
	"time"

	"motionlink/motion"
	"motionlink/motion/kinematics"
)

// SegmentSource supplies planned segments in order.
type SegmentSource interface {
	Next() (motion.Segment, bool)
	Len() int
}

// Config sets the sampling rate and the per-sample step bound.
type Config struct {
	SamplePeriod      time.Duration
	MaxStepsPerSample int
}

// Stats counts synthesizer activity.
type Stats struct {
	Samples     uint64
	Fragments   uint64
	Clipped     uint64 // samples where a motor hit MaxStepsPerSample
	Unreachable uint64 // samples clamped by the kinematics
}

// cursor is the sampling state: the active segment, the time into it and
// the positions reached.
type cursor struct {
	seg    motion.Segment
	active bool
	t      float64
	axes   []float64
	e      []float64 // per tool
	motors []float64
	steps  []int64
}

func (c *cursor) clone() cursor {
	out := *c
	out.seg = c.seg.Clone()
	out.axes = append([]float64(nil), c.axes...)
	out.e = append([]float64(nil), c.e...)
	out.motors = append([]float64(nil), c.motors...)
	out.steps = append([]int64(nil), c.steps...)
	return out
}

// Synthesizer turns segments into fragments.
type Synthesizer struct {
	machine *kinematics.Machine
	ring    *Ring
	src     SegmentSource
	dt      float64
	max     int64
	log     *slog.Logger

	cur     cursor
	frag    *Fragment
	probing bool
	deltas  []int64
	stats   Stats
}

// New creates a synthesizer at the machine origin.
func New(machine *kinematics.Machine, ring *Ring, src SegmentSource, cfg Config, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	tools := machine.NumTools()
	if tools < 1 {
		tools = 1
	}
	s := &Synthesizer{
		machine: machine,
		ring:    ring,
		src:     src,
		dt:      cfg.SamplePeriod.Seconds(),
		max:     int64(cfg.MaxStepsPerSample),
		log:     log.With("component", "stepgen"),
		deltas:  make([]int64, machine.NumMotors()),
	}
	s.Reset(nil, make([]float64, machine.NumAxes()), make([]float64, tools))
	return s
}

// Reset drops the fragment being filled and restarts sampling, idle, from
// the given axis positions. steps are the executor's motor positions; nil
// derives them from the axes.
func (s *Synthesizer) Reset(steps []int64, axes, e []float64) {
	s.frag = nil
	s.cur = cursor{
		axes:   append([]float64(nil), axes...),
		e:      append([]float64(nil), e...),
		motors: make([]float64, s.machine.NumMotors()),
		steps:  make([]int64, s.machine.NumMotors()),
	}
	err := s.machine.ToMotors(s.cur.axes, s.cur.e, nil, s.cur.motors)
	switch {
	case steps != nil:
		copy(s.cur.steps, steps)
		if err != nil {
			s.log.Warn("reset position unreachable", "err", err)
			for i, st := range steps {
				s.cur.motors[i] = float64(st) / s.machine.StepsPerUnit(i)
			}
		}
	case err != nil:
		s.log.Warn("reset position unreachable", "err", err)
	default:
		for i, m := range s.cur.motors {
			s.cur.steps[i] = int64(math.Round(m * s.machine.StepsPerUnit(i)))
		}
	}
}

// SetProbing marks the fragments begun from now on as probing.
func (s *Synthesizer) SetProbing(on bool) { s.probing = on }

// Stats returns the counters.
func (s *Synthesizer) Stats() Stats { return s.stats }

// Position returns the axis and extruder positions sampled last.
func (s *Synthesizer) Position() (axes, e []float64) {
	return append([]float64(nil), s.cur.axes...), append([]float64(nil), s.cur.e...)
}

// Steps returns the integer motor positions sampled so far.
func (s *Synthesizer) Steps() []int64 { return append([]int64(nil), s.cur.steps...) }

// Idle reports whether every segment has been sampled, the motors have
// caught up and no fragment is partly filled.
func (s *Synthesizer) Idle() bool { return s.frag == nil && !s.busy() }

func (s *Synthesizer) busy() bool {
	return s.cur.active || s.src.Len() > 0 || !s.caughtUp()
}

// caughtUp reports whether every motor has reached its sampled target,
// which it may not have after clipping.
func (s *Synthesizer) caughtUp() bool {
	for i, m := range s.cur.motors {
		if int64(math.Round(m*s.machine.StepsPerUnit(i))) != s.cur.steps[i] {
			return false
		}
	}
	return true
}

// Fill samples until the ring is full or there is nothing left to play
// and returns the number of fragments committed. A fragment is committed
// short when the source runs dry.
func (s *Synthesizer) Fill() int {
	committed := 0
	for {
		if s.frag == nil {
			if !s.busy() {
				return committed
			}
			f := s.ring.Begin()
			if f == nil {
				return committed
			}
			f.Probing = s.probing
			f.snap = snapshot{cur: s.cur.clone()}
			s.frag = f
		}

		f := s.frag
		for f.Len < s.ring.Samples() && s.busy() {
			f.Done += s.step(&s.cur, s.pull, s.deltas)
			for m, d := range s.deltas {
				f.Samples[m][f.Len] = int8(d)
				if d != 0 {
					f.Active |= 1 << m
				}
			}
			f.Len++
			s.stats.Samples++
		}
		if f.Len == 0 {
			return committed
		}
		s.ring.Commit()
		s.frag = nil
		s.stats.Fragments++
		committed++
	}
}

func (s *Synthesizer) pull() (motion.Segment, bool) {
	seg, ok := s.src.Next()
	if ok && s.frag != nil {
		s.frag.snap.segs = append(s.frag.snap.segs, seg)
	}
	return seg, ok
}

// advance moves c one sample forward, retiring finished segments and
// carrying the leftover time into the next one. It returns the waypoints
// completed.
func (s *Synthesizer) advance(c *cursor, next func() (motion.Segment, bool)) int {
	done := 0
	if !c.active {
		seg, ok := next()
		if !ok {
			return 0
		}
		c.seg, c.active, c.t = seg, true, 0
	}
	c.t += s.dt
	for c.t >= c.seg.Tf {
		done += c.seg.Completes
		c.t -= c.seg.Tf
		c.seg.PositionAt(c.seg.Tf, c.axes)
		c.e[c.seg.Tool] = c.seg.E
		seg, ok := next()
		if !ok {
			c.active, c.t = false, 0
			return done
		}
		c.seg = seg
	}
	c.seg.PositionAt(c.t, c.axes)
	c.e[c.seg.Tool] = c.seg.ExtruderAt(c.t)
	return done
}

// step samples one tick into out, one signed step count per motor.
func (s *Synthesizer) step(c *cursor, next func() (motion.Segment, bool), out []int64) int {
	done := s.advance(c, next)

	if err := s.machine.ToMotors(c.axes, c.e, c.motors, c.motors); err != nil {
		s.stats.Unreachable++
		s.log.Debug("target unreachable, clamping", "err", err)
		copy(c.axes, s.machine.Position.ClampReachable(c.axes))
		if err := s.machine.ToMotors(c.axes, c.e, c.motors, c.motors); err != nil {
			s.log.Warn("clamped target unreachable, holding", "err", err)
		}
	}

	clipped := false
	for i := range out {
		want := int64(math.Round(c.motors[i] * s.machine.StepsPerUnit(i)))
		d := want - c.steps[i]
		if d > s.max {
			d, clipped = s.max, true
		} else if d < -s.max {
			d, clipped = -s.max, true
		}
		c.steps[i] += d
		out[i] = d
	}
	if clipped {
		s.stats.Clipped++
	}
	return done
}

// Replay re-derives the state after the first p samples of f from the
// snapshot taken when f was begun. It returns the integer motor positions
// and the axis and extruder positions sampled.
func (s *Synthesizer) Replay(f *Fragment, p int) (steps []int64, axes, e []float64) {
	c := f.snap.cur.clone()
	segs := f.snap.segs
	next := func() (motion.Segment, bool) {
		if len(segs) == 0 {
			return motion.Segment{}, false
		}
		seg := segs[0]
		segs = segs[1:]
		return seg, true
	}
	out := make([]int64, len(c.steps))
	for i := 0; i < p && i < f.Len; i++ {
		s.step(&c, next, out)
	}
	return c.steps, c.axes, c.e
}
