package kinematics

import "math"

// Polar drives a rotating bed and a radial arm. Motor 0 is the radius,
// motor 1 the angle in radians, remaining axes map one to one.
type Polar struct {
	axes      int
	maxRadius float64
}

// NewPolar creates a polar space over axes (at least X and Y).
func NewPolar(axes int, maxRadius float64) *Polar {
	return &Polar{axes: axes, maxRadius: maxRadius}
}

func (k *Polar) Name() string   { return "polar" }
func (k *Polar) NumAxes() int   { return k.axes }
func (k *Polar) NumMotors() int { return k.axes }

// ToMotors keeps the angle continuous with hint so the bed never spins a
// full turn back across the ±π seam. At the origin the angle is taken
// from hint.
func (k *Polar) ToMotors(axes, hint []float64) ([]float64, error) {
	if err := checkLen(axes, k.axes); err != nil {
		return nil, err
	}
	out := append([]float64(nil), axes...)
	r := math.Hypot(axes[0], axes[1])
	var theta float64
	if r < 1e-9 {
		if hint != nil {
			theta = hint[1]
		}
	} else {
		theta = math.Atan2(axes[1], axes[0])
		if hint != nil {
			theta += 2 * math.Pi * math.Round((hint[1]-theta)/(2*math.Pi))
		}
	}
	out[0], out[1] = r, theta
	return out, nil
}

func (k *Polar) ToAxes(motors []float64) []float64 {
	out := append([]float64(nil), motors...)
	out[0] = motors[0] * math.Cos(motors[1])
	out[1] = motors[0] * math.Sin(motors[1])
	return out
}

func (k *Polar) ClampReachable(axes []float64) []float64 {
	out := append([]float64(nil), axes...)
	clampRadius(out, k.maxRadius)
	return out
}
