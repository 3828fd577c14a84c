package planner

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"motionlink/motion"
)

// arcPoints splits the arc from start to target around wp.Center into
// chords no longer than res and returns their end points. The first three
// axes carry the arc; a displacement along Normal makes it a helix. Other
// axes move linearly. The last point is exactly target.
func arcPoints(start, target []float64, wp motion.Waypoint, res float64) ([][]float64, error) {
	n := len(start)
	if len(wp.Center) != n {
		return nil, fmt.Errorf("%w: arc center has %d axes", ErrBadWaypoint, len(wp.Center))
	}
	if res <= 0 {
		res = 1
	}

	p, q, c := pad3(start), pad3(target), pad3(wp.Center)
	normal := []float64{0, 0, 1}
	if len(wp.Normal) > 0 {
		normal = pad3(wp.Normal)
	}
	if nn := floats.Norm(normal, 2); nn > 0 {
		floats.Scale(1/nn, normal)
	} else {
		return nil, fmt.Errorf("%w: zero arc normal", ErrBadWaypoint)
	}

	radial := func(v []float64) []float64 {
		r := make([]float64, 3)
		floats.SubTo(r, v, c)
		floats.AddScaled(r, -floats.Dot(r, normal), normal)
		return r
	}
	rs, re := radial(p), radial(q)
	r0, r1 := floats.Norm(rs, 2), floats.Norm(re, 2)
	if r0 < minLength {
		return nil, fmt.Errorf("%w: arc start on its center", ErrBadWaypoint)
	}

	theta := math.Atan2(floats.Dot(normal, cross3(rs, re)), floats.Dot(rs, re))
	if wp.Clockwise {
		if theta >= 0 {
			theta -= 2 * math.Pi
		}
	} else if theta <= 0 {
		theta += 2 * math.Pi
	}

	// offset of the start plane along the axis, and the helix rise
	base := make([]float64, 3)
	floats.SubTo(base, p, rs)
	diff := make([]float64, 3)
	floats.SubTo(diff, q, p)
	rise := floats.Dot(diff, normal)

	travel := math.Hypot((r0+r1)/2*theta, rise)
	count := int(math.Max(1, math.Ceil(travel/res)))

	u := append([]float64(nil), rs...)
	floats.Scale(1/r0, u)
	w := cross3(normal, u)

	out := make([][]float64, 0, count)
	for k := 1; k < count; k++ {
		f := float64(k) / float64(count)
		ang := theta * f
		r := r0 + (r1-r0)*f

		pt3 := append([]float64(nil), base...)
		floats.AddScaled(pt3, rise*f, normal)
		floats.AddScaled(pt3, r*math.Cos(ang), u)
		floats.AddScaled(pt3, r*math.Sin(ang), w)

		pt := make([]float64, n)
		for i := range pt {
			if i < 3 {
				pt[i] = pt3[i]
			} else {
				pt[i] = start[i] + (target[i]-start[i])*f
			}
		}
		out = append(out, pt)
	}
	return append(out, append([]float64(nil), target...)), nil
}

func pad3(v []float64) []float64 {
	out := make([]float64, 3)
	copy(out, v)
	return out
}

func cross3(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
