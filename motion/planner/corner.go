package planner

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"motionlink/motion"
)

// minCornerSpeed is the speed below which a blend degenerates into a stop.
const minCornerSpeed = 1e-6

// corner is the junction at the end of a move. A blend replaces the last
// x0 of the incoming move and the first x0 of the outgoing one with two
// constant jerk curve halves; along the bisector g the speed stays at
// v1·cos(α), across it (along h) the velocity swings from -v1·sin(α) to
// +v1·sin(α).
type corner struct {
	point []float64 // the waypoint
	u1    []float64 // incoming direction
	u2    []float64 // outgoing direction
	g, h  []float64 // bisector and normal, nil when there is no blend

	cos, sin float64 // of half the turn angle
	x0       float64 // blend half length along each line
	vmax     float64 // speed cap of the corner
	v1       float64 // planned speed, v1 <= vmax
}

// stop collapses the corner into a full stop.
func (c *corner) stop() {
	c.x0, c.vmax, c.v1 = 0, 0, 0
	c.g, c.h = nil, nil
}

// blends reports whether the corner emits curve segments.
func (c *corner) blends() bool { return c.x0 > 0 && c.g != nil }

// deviation is the distance between the waypoint and the blend midpoint.
func (c *corner) deviation() float64 { return c.x0 * c.sin / 3 }

// duration is the total blend time T at speed v1.
func (c *corner) duration() float64 { return 2 * c.x0 / c.v1 }

// jerk is the jerk magnitude along h.
func (c *corner) jerk() float64 {
	t := c.duration()
	return 8 * c.v1 * c.sin / (t * t)
}

// blendSpeed returns the fastest corner speed a blend of half length x0
// supports under the jerk and acceleration caps.
func (l limits) blendSpeed(x0, s float64) float64 {
	vj := math.Cbrt(l.j * x0 * x0 / (2 * s))
	va := math.Sqrt(l.a * x0 / (2 * s))
	return math.Min(vj, va)
}

// blendLength returns the half length a blend needs to pass at v.
func (l limits) blendLength(v, s float64) float64 {
	xj := math.Sqrt(2 * s * v * v * v / l.j)
	xa := 2 * v * v * s / l.a
	return math.Max(xj, xa)
}

// makeCorner computes the junction between moves a and b.
func (b *Builder) makeCorner(a, next *move) corner {
	c := corner{point: cloneVec(a.end)}
	if a.extrudeOnly || next.extrudeOnly || a.tool != next.tool {
		return c
	}
	c.u1, c.u2 = a.dir, next.dir

	g := make([]float64, len(a.dir))
	floats.AddTo(g, a.dir, next.dir)
	h := make([]float64, len(a.dir))
	floats.SubTo(h, next.dir, a.dir)
	c.cos, c.sin = floats.Norm(g, 2)/2, floats.Norm(h, 2)/2
	vt := math.Min(a.feed, next.feed)

	if c.sin < 1e-9 {
		// collinear
		c.vmax, c.v1 = vt, vt
		return c
	}
	// tan of half the interior angle
	if c.cos < b.cfg.ReversalTolerance*c.sin {
		return c
	}

	x0 := math.Min(a.length/2, next.length/2)
	x0 = math.Min(x0, b.lim.blendLength(vt, c.sin))
	if b.cfg.MaxDeviation > 0 {
		x0 = math.Min(x0, 3*b.cfg.MaxDeviation/c.sin)
	} else {
		x0 = 0
	}
	v1 := math.Min(vt, b.lim.blendSpeed(x0, c.sin))
	if x0 <= 0 || v1 < minCornerSpeed {
		return c
	}

	c.x0, c.vmax, c.v1 = x0, v1, v1
	floats.Scale(1/(2*c.cos), g)
	floats.Scale(1/(2*c.sin), h)
	c.g, c.h = g, h
	return c
}

// blendSegments returns the two curve halves of c at its planned speed.
func (c *corner) blendSegments() (first, second motion.Segment) {
	t := c.duration()
	jh := c.jerk()

	start := cloneVec(c.point)
	floats.AddScaled(start, -c.x0, c.u1)
	first = motion.Segment{
		Kind:        motion.RunCurvePlus,
		Start:       start,
		Dir:         cloneVec(c.g),
		CurveVector: cloneVec(c.h),
		V0:          c.v1 * c.cos,
		VH0:         -c.v1 * c.sin,
		Jh:          jh,
		Tf:          t / 2,
		Length:      c.x0 * c.cos,
	}

	mid := make([]float64, len(start))
	first.PositionAt(first.Tf, mid)
	second = motion.Segment{
		Kind:        motion.RunCurveMinus,
		Start:       mid,
		Dir:         cloneVec(c.g),
		CurveVector: cloneVec(c.h),
		V0:          c.v1 * c.cos,
		AH0:         jh * t / 2,
		Jh:          -jh,
		Tf:          t / 2,
		Length:      c.x0 * c.cos,
	}
	return first, second
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}
