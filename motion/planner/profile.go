package planner

import (
	"math"

	"motionlink/motion"
)

// bisectSteps bounds every speed search.
const bisectSteps = 60

// limits are the acceleration and jerk caps along the path.
type limits struct {
	a, j float64
}

// rampTimes returns the duration t1 of each constant jerk phase and t2 of
// the constant acceleration phase of an S-curve changing speed by dv.
func (l limits) rampTimes(dv float64) (t1, t2 float64) {
	dv = math.Abs(dv)
	if dv*l.j <= l.a*l.a {
		return math.Sqrt(dv / l.j), 0
	}
	return l.a / l.j, (dv - l.a*l.a/l.j) / l.a
}

// rampTime is the total duration of a speed change.
func (l limits) rampTime(dv float64) float64 {
	t1, t2 := l.rampTimes(dv)
	return 2*t1 + t2
}

// rampDist is the distance covered changing speed from va to vb. The
// profile is point symmetric so the mean speed is (va+vb)/2.
func (l limits) rampDist(va, vb float64) float64 {
	return (va + vb) / 2 * l.rampTime(vb-va)
}

// planDist is rampDist maximized over every lower speed in [lo, hi]. The
// S-curve distance is not monotone in the lower speed: slowing from 5 to 1
// can take longer than slowing from 5 to 0. Planning against the envelope
// keeps corner speeds monotone, so a speed fixed at emission stays
// feasible whatever arrives later. The emitted ramps use the real
// distance and the slack becomes cruise.
func (l limits) planDist(va, vb float64) float64 {
	lo, hi := math.Min(va, vb), math.Max(va, vb)
	d := l.rampDist(lo, hi)
	// stationary points of the jerk limited and acceleration limited shapes
	for _, w := range [2]float64{hi / 3, l.a * l.a / (2 * l.j)} {
		if w > lo && w < hi {
			d = math.Max(d, l.rampDist(w, hi))
		}
	}
	return d
}

// maxSpeed returns the highest speed not above vcap that can be reached
// from v0, or slowed down from to v0, within dist.
func (l limits) maxSpeed(v0, dist, vcap float64) float64 {
	if vcap <= v0 {
		return vcap
	}
	if dist <= 0 {
		return v0
	}
	if l.planDist(v0, vcap) <= dist {
		return vcap
	}
	lo, hi := v0, vcap
	for i := 0; i < bisectSteps; i++ {
		mid := (lo + hi) / 2
		if l.planDist(v0, mid) <= dist {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// cruise returns the highest cruise speed in [max(vin, vout), vmax] whose
// acceleration and deceleration ramps fit in dist, and the constant speed
// length left over. rest is negative when even the slowest profile does
// not fit.
func (l limits) cruise(vin, vout, vmax, dist float64) (vc, rest float64) {
	need := func(v float64) float64 {
		return l.planDist(vin, v) + l.planDist(v, vout)
	}
	lo := math.Max(vin, vout)
	switch {
	case vmax <= lo:
		vc = lo
	case need(vmax) <= dist:
		vc = vmax
	default:
		hi := vmax
		for i := 0; i < bisectSteps; i++ {
			mid := (lo + hi) / 2
			if need(mid) <= dist {
				lo = mid
			} else {
				hi = mid
			}
		}
		vc = lo
	}
	return vc, dist - l.rampDist(vin, vc) - l.rampDist(vc, vout)
}

// phase is one constant jerk piece of a speed change.
type phase struct {
	kind       motion.RunKind
	v0, a0, jg float64
	tf         float64
}

// ramp splits a speed change from va to vb into up to three phases:
// jerk in, constant acceleration, jerk out.
func (l limits) ramp(va, vb float64) []phase {
	dv := vb - va
	if math.Abs(dv) < 1e-12 {
		return nil
	}
	sign := 1.0
	if dv < 0 {
		sign = -1
	}
	t1, t2 := l.rampTimes(dv)
	j := sign * l.j
	peak := j * t1

	out := make([]phase, 0, 3)
	out = append(out, phase{kind: motion.RunPoly3Plus, v0: va, jg: j, tf: t1})
	v := va + j*t1*t1/2
	if t2 > 0 {
		out = append(out, phase{kind: motion.RunPoly2, v0: v, a0: peak, tf: t2})
		v += peak * t2
	}
	out = append(out, phase{kind: motion.RunPoly3Minus, v0: v, a0: peak, jg: -j, tf: t1})
	return out
}
