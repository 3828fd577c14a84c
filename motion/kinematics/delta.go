package kinematics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tower angles in degrees, counterclockwise from +X.
var deltaAngles = [3]float64{210, 330, 90}

// Delta is a linear delta: three vertical towers whose carriages hold
// fixed length arms meeting at the effector. Motor positions are carriage
// heights.
type Delta struct {
	radius    float64
	arm2      float64
	maxRadius float64
	towers    [3][2]float64
}

// NewDelta creates a delta with the given tower radius and arm length.
// maxRadius limits the printable radius, 0 uses the geometric limit.
func NewDelta(radius, arm, maxRadius float64) (*Delta, error) {
	if radius <= 0 || arm <= radius {
		return nil, fmt.Errorf("delta: arm %g must exceed radius %g", arm, radius)
	}
	k := &Delta{radius: radius, arm2: arm * arm, maxRadius: arm - radius}
	if maxRadius > 0 && maxRadius < k.maxRadius {
		k.maxRadius = maxRadius
	}
	for i, a := range deltaAngles {
		rad := a * math.Pi / 180
		k.towers[i] = [2]float64{math.Cos(rad) * radius, math.Sin(rad) * radius}
	}
	return k, nil
}

func (k *Delta) Name() string   { return "delta" }
func (k *Delta) NumAxes() int   { return 3 }
func (k *Delta) NumMotors() int { return 3 }

// ToMotors returns the carriage height of each tower.
func (k *Delta) ToMotors(axes, hint []float64) ([]float64, error) {
	if err := checkLen(axes, 3); err != nil {
		return nil, err
	}
	out := make([]float64, 3)
	for i, t := range k.towers {
		dx := t[0] - axes[0]
		dy := t[1] - axes[1]
		h := k.arm2 - dx*dx - dy*dy
		if h < 0 {
			return nil, fmt.Errorf("%w: (%g, %g) beyond tower %d", ErrUnreachable, axes[0], axes[1], i)
		}
		out[i] = axes[2] + math.Sqrt(h)
	}
	return out, nil
}

// ToAxes intersects the three arm spheres centered on the carriages.
func (k *Delta) ToAxes(motors []float64) []float64 {
	p1 := []float64{k.towers[0][0], k.towers[0][1], motors[0]}
	p2 := []float64{k.towers[1][0], k.towers[1][1], motors[1]}
	p3 := []float64{k.towers[2][0], k.towers[2][1], motors[2]}

	s21 := floats.SubTo(make([]float64, 3), p2, p1)
	s31 := floats.SubTo(make([]float64, 3), p3, p1)

	d := floats.Norm(s21, 2)
	ex := append([]float64(nil), s21...)
	floats.Scale(1/d, ex)
	i := floats.Dot(ex, s31)

	ey := append([]float64(nil), s31...)
	floats.AddScaled(ey, -i, ex)
	floats.Scale(1/floats.Norm(ey, 2), ey)
	ez := cross(ex, ey)
	j := floats.Dot(ey, s31)

	x := d / 2 // equal arms
	y := (i*i + j*j - 2*i*x) / (2 * j)
	z := -math.Sqrt(math.Max(0, k.arm2-x*x-y*y))

	out := append([]float64(nil), p1...)
	floats.AddScaled(out, x, ex)
	floats.AddScaled(out, y, ey)
	floats.AddScaled(out, z, ez)
	return out
}

// ClampReachable pulls the target radially inside the printable radius.
func (k *Delta) ClampReachable(axes []float64) []float64 {
	out := append([]float64(nil), axes...)
	clampRadius(out, k.maxRadius)
	return out
}

func clampRadius(v []float64, limit float64) {
	if limit <= 0 || len(v) < 2 {
		return
	}
	if r := math.Hypot(v[0], v[1]); r > limit {
		v[0] *= limit / r
		v[1] *= limit / r
	}
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
