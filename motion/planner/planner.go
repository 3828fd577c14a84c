// Package planner turns waypoints into jerk limited segments.
//
// Every move is planned as an S-curve acceleration, a cruise, an S-curve
// deceleration and a blend into the next move. Corner speeds are revised
// by a forward and a backward pass over the moves that have not been
// emitted yet, so a slow corner later in the stream can lower an earlier
// one. Output goes to a MoveQueue consumed by the step synthesizer.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"motionlink/motion"
	"motionlink/motion/config"
)

var (
	// ErrPlannerInconsistent reports a profile that did not fit its move
	// and was clamped.
	ErrPlannerInconsistent = errors.New("planner: inconsistent profile")
	// ErrBadWaypoint is returned for waypoints that do not match the machine.
	ErrBadWaypoint = errors.New("planner: bad waypoint")
)

// maxSegmentsPerMove is three ramp phases each way, a cruise and two blend
// halves.
const maxSegmentsPerMove = 9

// minLength is the shortest move that is planned at all.
const minLength = 1e-9

// Config holds the planner limits.
type Config struct {
	MaxVelocity     float64
	MaxAcceleration float64
	MaxJerk         float64
	MaxDeviation    float64
	DefaultFeedrate float64

	ReversalTolerance       float64
	NegativeLengthTolerance float64
	ArcResolution           float64
	LookaheadDepth          int

	AxisMaxVelocity     []float64 // per axis, 0 is unlimited
	ExtruderMaxVelocity []float64 // per tool, 0 is unlimited
}

// ConfigFrom extracts the planner settings from a machine config.
func ConfigFrom(c *config.Config) Config {
	ext := make([]float64, len(c.Extruders))
	for i, e := range c.Extruders {
		ext[i] = e.MaxVelocity
	}
	m := c.Motion
	return Config{
		MaxVelocity:             m.MaxVelocity,
		MaxAcceleration:         m.MaxAcceleration,
		MaxJerk:                 m.MaxJerk,
		MaxDeviation:            m.MaxDeviation,
		DefaultFeedrate:         m.DefaultFeedrate,
		ReversalTolerance:       m.ReversalTolerance,
		NegativeLengthTolerance: m.NegativeLengthTolerance,
		ArcResolution:           m.ArcResolution,
		LookaheadDepth:          m.LookaheadDepth,
		AxisMaxVelocity:         c.AxisMaxVelocity(),
		ExtruderMaxVelocity:     ext,
	}
}

// Stats counts planner activity.
type Stats struct {
	Waypoints       uint64
	Moves           uint64
	Segments        uint64
	Revisions       uint64 // corner speeds lowered by the backward pass
	Inconsistencies uint64
}

// move is one straight line between two waypoints (or arc chord).
type move struct {
	start, end  []float64
	held        []bool
	dir         []float64
	length      float64
	extrudeOnly bool
	e0, e1      float64
	tool        int
	feed        float64
	lineRef     int64
	completes   int

	xIn    float64 // consumed by the blend of the previous corner
	corner corner  // junction with the next move, valid once it exists
}

func (m *move) at(s float64) []float64 {
	p := cloneVec(m.start)
	floats.AddScaled(p, s, m.dir)
	return p
}

func (m *move) eAt(s float64) float64 {
	if m.length <= 0 {
		return m.e1
	}
	return m.e0 + (m.e1-m.e0)*s/m.length
}

func (m *move) target(p []float64) []float64 {
	t := cloneVec(p)
	for k, h := range m.held {
		if h {
			t[k] = math.NaN()
		}
	}
	return t
}

// piece turns a profile phase starting s along the move into a segment
// and advances s.
func (m *move) piece(p phase, s *float64) motion.Segment {
	seg := motion.Segment{
		Kind:    p.kind,
		Tool:    m.tool,
		Start:   m.at(*s),
		Dir:     cloneVec(m.dir),
		V0:      p.v0,
		A0:      p.a0,
		Jg:      p.jg,
		Tf:      p.tf,
		E0:      m.eAt(*s),
		LineRef: m.lineRef,
	}
	seg.Length = seg.Along(p.tf)
	*s += seg.Length
	seg.E = m.eAt(*s)
	seg.Target = m.target(m.at(*s))
	return seg
}

// Builder plans waypoints into segments. It is not safe for concurrent
// use; the engine owns it.
type Builder struct {
	cfg Config
	lim limits
	log *slog.Logger
	out *MoveQueue

	pos  []float64
	e    []float64 // per tool
	tool int

	pending    []*move
	entrySpeed float64 // fixed speed at the start of pending[0]
	flushing   bool
	clock      float64
	stats      Stats
}

// NewBuilder creates a builder for a machine with the given number of
// axes and tools, writing into out.
func NewBuilder(cfg Config, axes, tools int, out *MoveQueue, log *slog.Logger) (*Builder, error) {
	if cfg.MaxAcceleration <= 0 || cfg.MaxJerk <= 0 || cfg.MaxVelocity <= 0 {
		return nil, fmt.Errorf("planner: limits must be positive")
	}
	if out.Cap() < maxSegmentsPerMove {
		return nil, fmt.Errorf("planner: segment queue of %d cannot hold a move of %d segments", out.Cap(), maxSegmentsPerMove)
	}
	if cfg.LookaheadDepth < 1 {
		cfg.LookaheadDepth = 1
	}
	if cfg.DefaultFeedrate <= 0 {
		cfg.DefaultFeedrate = cfg.MaxVelocity
	}
	if log == nil {
		log = slog.Default()
	}
	if tools < 1 {
		tools = 1
	}
	return &Builder{
		cfg: cfg,
		lim: limits{a: cfg.MaxAcceleration, j: cfg.MaxJerk},
		log: log.With("component", "planner"),
		out: out,
		pos: make([]float64, axes),
		e:   make([]float64, tools),
	}, nil
}

// Position returns the axis and extruder position after the last accepted
// waypoint.
func (b *Builder) Position() (axes, e []float64) {
	return cloneVec(b.pos), cloneVec(b.e)
}

// Tool returns the active tool.
func (b *Builder) Tool() int { return b.tool }

// Pending returns the number of moves waiting for emission.
func (b *Builder) Pending() int { return len(b.pending) }

// Idle reports whether every accepted waypoint has been emitted.
func (b *Builder) Idle() bool { return len(b.pending) == 0 && !b.flushing }

// Stats returns the counters.
func (b *Builder) Stats() Stats { return b.stats }

// Queue returns the output queue.
func (b *Builder) Queue() *MoveQueue { return b.out }

// Reset drops everything not yet consumed and restarts planning from the
// given position at rest.
func (b *Builder) Reset(axes, e []float64) {
	for i := range b.pending {
		b.pending[i] = nil
	}
	b.pending = b.pending[:0]
	b.out.Reset()
	b.entrySpeed = 0
	b.flushing = false
	copy(b.pos, axes)
	copy(b.e, e)
}

// Add plans a waypoint. ErrQueueFull means the waypoint was not accepted
// and should be retried once the synthesizer has drained the queue.
func (b *Builder) Add(wp motion.Waypoint) error {
	if len(wp.Target) != len(b.pos) {
		return fmt.Errorf("%w: %d axes, machine has %d", ErrBadWaypoint, len(wp.Target), len(b.pos))
	}
	if wp.Tool < 0 || wp.Tool >= len(b.e) {
		return fmt.Errorf("%w: tool %d", ErrBadWaypoint, wp.Tool)
	}
	if wp.Tool != b.tool {
		if err := b.Flush(); err != nil {
			return err
		}
		b.tool = wp.Tool
	}
	if b.flushing || b.out.Full() {
		return ErrQueueFull
	}
	if len(b.pending) > b.cfg.LookaheadDepth {
		b.emitReady()
		if len(b.pending) > b.cfg.LookaheadDepth {
			return ErrQueueFull
		}
	}

	target := make([]float64, len(b.pos))
	held := make([]bool, len(b.pos))
	for i, v := range wp.Target {
		if math.IsNaN(v) {
			target[i], held[i] = b.pos[i], true
		} else {
			target[i] = v
		}
	}
	e0 := b.e[wp.Tool]
	e1 := wp.E
	if math.IsNaN(e1) {
		e1 = e0
	}
	feed := wp.Feedrate
	if feed <= 0 {
		feed = b.cfg.DefaultFeedrate
	}
	feed = math.Min(feed, b.cfg.MaxVelocity)

	if wp.IsArc() {
		pts, err := arcPoints(b.pos, target, wp, b.cfg.ArcResolution)
		if err != nil {
			return err
		}
		from := b.pos
		for k, p := range pts {
			ea := e0 + (e1-e0)*float64(k)/float64(len(pts))
			eb := e0 + (e1-e0)*float64(k+1)/float64(len(pts))
			completes := 0
			if k == len(pts)-1 {
				completes = 1
			}
			b.addLine(from, p, nil, ea, eb, feed, wp.LineRef, completes)
			from = p
		}
	} else {
		b.addLine(b.pos, target, held, e0, e1, feed, wp.LineRef, 1)
	}

	copy(b.pos, target)
	b.e[wp.Tool] = e1
	b.stats.Waypoints++
	b.emitReady()
	return nil
}

func (b *Builder) addLine(from, to []float64, held []bool, e0, e1, feed float64, lineRef int64, completes int) {
	delta := make([]float64, len(from))
	floats.SubTo(delta, to, from)
	length := floats.Norm(delta, 2)
	de := e1 - e0

	m := &move{
		start:     cloneVec(from),
		end:       cloneVec(to),
		held:      held,
		e0:        e0,
		e1:        e1,
		tool:      b.tool,
		lineRef:   lineRef,
		completes: completes,
	}
	switch {
	case length < minLength && math.Abs(de) < minLength:
		b.absorb(completes, lineRef)
		return
	case length < minLength:
		m.extrudeOnly = true
		m.length = math.Abs(de)
		m.dir = make([]float64, len(from))
		m.end = cloneVec(from)
	default:
		m.length = length
		m.dir = delta
		floats.Scale(1/length, m.dir)
	}

	for k, d := range m.dir {
		if k < len(b.cfg.AxisMaxVelocity) && b.cfg.AxisMaxVelocity[k] > 0 && d != 0 {
			feed = math.Min(feed, b.cfg.AxisMaxVelocity[k]/math.Abs(d))
		}
	}
	if de != 0 && m.tool < len(b.cfg.ExtruderMaxVelocity) && b.cfg.ExtruderMaxVelocity[m.tool] > 0 {
		feed = math.Min(feed, b.cfg.ExtruderMaxVelocity[m.tool]*m.length/math.Abs(de))
	}
	m.feed = feed

	if n := len(b.pending); n > 0 {
		prev := b.pending[n-1]
		prev.corner = b.makeCorner(prev, m)
		m.xIn = prev.corner.x0
	}
	b.pending = append(b.pending, m)
	b.replan()
}

// absorb accounts for a waypoint that does not move anything.
func (b *Builder) absorb(completes int, lineRef int64) {
	if completes == 0 {
		return
	}
	if n := len(b.pending); n > 0 {
		b.pending[n-1].completes += completes
		return
	}
	b.push(motion.Segment{
		Kind:      motion.RunDwell,
		Tool:      b.tool,
		Start:     cloneVec(b.pos),
		Target:    cloneVec(b.pos),
		E0:        b.e[b.tool],
		E:         b.e[b.tool],
		LineRef:   lineRef,
		Completes: completes,
	})
}

// straight is the length of pending move i outside its blends. The last
// move is assumed to lose half its length to a future blend unless the
// builder is flushing.
func (b *Builder) straight(i int) float64 {
	m := b.pending[i]
	var xout float64
	switch {
	case i < len(b.pending)-1:
		xout = m.corner.x0
	case !b.flushing:
		xout = m.length / 2
	}
	return m.length - m.xIn - xout
}

// replan recomputes the corner speeds of the pending moves: forward from
// the fixed entry speed, then backward from a stop after the last move.
func (b *Builder) replan() {
	n := len(b.pending)
	if n == 0 {
		return
	}

	v := b.entrySpeed
	for i := 0; i < n-1; i++ {
		c := &b.pending[i].corner
		c.v1 = b.lim.maxSpeed(v, b.straight(i), c.vmax)
		v = c.v1
	}

	v = 0
	for i := n - 2; i >= 0; i-- {
		c := &b.pending[i].corner
		if limit := b.lim.maxSpeed(v, b.straight(i+1), c.vmax); limit < c.v1 {
			c.v1 = limit
			b.stats.Revisions++
			if c.blends() && c.v1 < minCornerSpeed {
				c.stop()
				b.pending[i+1].xIn = 0
			}
		}
		v = b.pending[i].corner.v1
	}

	// The entry speed was fixed when the previous move was emitted.
	if n == 1 && !b.flushing {
		return
	}
	if reach := b.lim.maxSpeed(v, b.straight(0), b.entrySpeed); reach < b.entrySpeed-1e-9 {
		b.inconsistent("entry speed cannot be honored", "line", b.pending[0].lineRef,
			"entry", b.entrySpeed, "reachable", reach)
	}
}

func (b *Builder) inconsistent(msg string, args ...any) {
	b.stats.Inconsistencies++
	b.log.Warn(msg, append([]any{"err", ErrPlannerInconsistent}, args...)...)
}

// buffered returns the straight distance available after pending[0].
func (b *Builder) buffered() float64 {
	var d float64
	for i := 1; i < len(b.pending); i++ {
		d += b.straight(i)
	}
	return d
}

// emitReady emits pending moves whose corner speed can no longer change:
// when the buffered distance after them suffices to stop from their
// corner's cap, when the lookahead depth is exceeded, or when flushing.
func (b *Builder) emitReady() {
	for len(b.pending) > 0 && b.out.Free() >= maxSegmentsPerMove {
		if !b.flushing {
			n := len(b.pending)
			if n == 1 {
				break
			}
			cap0 := b.pending[0].corner.vmax
			if n <= b.cfg.LookaheadDepth && b.buffered() < b.lim.rampDist(cap0, 0) {
				break
			}
		}
		b.emit()
	}
	if b.flushing && len(b.pending) == 0 {
		b.flushing = false
	}
}

// Pump retries emission after the queue has drained.
func (b *Builder) Pump() { b.emitReady() }

// Flush plans every pending move to a stop. It returns ErrQueueFull while
// the queue lacks room; Pump finishes the flush later.
func (b *Builder) Flush() error {
	if len(b.pending) == 0 {
		b.flushing = false
		return nil
	}
	if !b.flushing {
		b.flushing = true
		b.replan()
	}
	b.emitReady()
	if b.flushing {
		return ErrQueueFull
	}
	return nil
}

// Dwell flushes and then holds still for d.
func (b *Builder) Dwell(d time.Duration, lineRef int64) error {
	if err := b.Flush(); err != nil {
		return err
	}
	if b.out.Full() {
		return ErrQueueFull
	}
	b.push(motion.Segment{
		Kind:      motion.RunDwell,
		Tool:      b.tool,
		Start:     cloneVec(b.pos),
		Target:    cloneVec(b.pos),
		Tf:        d.Seconds(),
		E0:        b.e[b.tool],
		E:         b.e[b.tool],
		LineRef:   lineRef,
		Completes: 1,
	})
	return nil
}

func (b *Builder) push(s motion.Segment) {
	s.Time = b.clock
	b.clock += s.Tf
	if err := b.out.Push(s); err != nil {
		b.log.Error("segment dropped", "err", err, "kind", s.Kind)
		return
	}
	b.stats.Segments++
}

// emit writes the segments of pending[0]: ramps, cruise and the blend
// into the next move.
func (b *Builder) emit() {
	m := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]

	var c *corner
	var vout, xout float64
	if len(b.pending) > 0 {
		c = &m.corner
		vout = c.v1
		if c.blends() {
			xout = c.x0
		}
	}
	vin := b.entrySpeed

	vc, rest := b.lim.cruise(vin, vout, m.feed, m.length-m.xIn-xout)
	if rest < 0 {
		if rest < -b.cfg.NegativeLengthTolerance {
			b.inconsistent("negative cruise length", "line", m.lineRef, "length", rest)
		}
		rest = 0
	}

	segs := make([]motion.Segment, 0, maxSegmentsPerMove)
	s := m.xIn
	for _, p := range b.lim.ramp(vin, vc) {
		segs = append(segs, m.piece(p, &s))
	}
	if rest > 0 && vc > 0 {
		segs = append(segs, m.piece(phase{kind: motion.RunLine, v0: vc, tf: rest / vc}, &s))
	}
	for _, p := range b.lim.ramp(vc, vout) {
		segs = append(segs, m.piece(p, &s))
	}

	done := len(segs) - 1
	if c != nil && c.blends() {
		next := b.pending[0]
		first, second := c.blendSegments()
		first.Tool, second.Tool = m.tool, next.tool
		first.LineRef, second.LineRef = m.lineRef, next.lineRef
		first.E0, first.E = m.eAt(m.length-xout), m.e1
		second.E0, second.E = next.e0, next.eAt(xout)
		first.Target = m.target(second.Start)
		second.Target = next.target(next.at(xout))
		segs = append(segs, first, second)
		done = len(segs) - 2
	}

	if done < 0 {
		b.absorbEmitted(m)
	} else {
		segs[done].Completes = m.completes
	}
	for _, seg := range segs {
		b.push(seg)
	}
	b.entrySpeed = vout
	b.stats.Moves++
}

// absorbEmitted keeps the waypoint count of a move that produced no
// segment.
func (b *Builder) absorbEmitted(m *move) {
	if m.completes == 0 {
		return
	}
	b.push(motion.Segment{
		Kind:      motion.RunDwell,
		Tool:      m.tool,
		Start:     cloneVec(m.end),
		Target:    m.target(m.end),
		E0:        m.e1,
		E:         m.e1,
		LineRef:   m.lineRef,
		Completes: m.completes,
	})
}
