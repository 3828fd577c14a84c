package kinematics

import "math"

// Bounds is an axis travel range. A zero Bounds is unlimited.
type Bounds struct {
	Min, Max float64
}

func (b Bounds) clamp(v float64) float64 {
	if b.Min == 0 && b.Max == 0 {
		return v
	}
	return math.Max(b.Min, math.Min(b.Max, v))
}

// Cartesian maps every axis to one motor.
type Cartesian struct {
	bounds []Bounds
}

// NewCartesian creates a Cartesian space over len(bounds) axes.
func NewCartesian(bounds []Bounds) *Cartesian {
	return &Cartesian{bounds: append([]Bounds(nil), bounds...)}
}

func (k *Cartesian) Name() string   { return "cartesian" }
func (k *Cartesian) NumAxes() int   { return len(k.bounds) }
func (k *Cartesian) NumMotors() int { return len(k.bounds) }

// ToMotors is the identity.
func (k *Cartesian) ToMotors(axes, hint []float64) ([]float64, error) {
	if err := checkLen(axes, len(k.bounds)); err != nil {
		return nil, err
	}
	return append([]float64(nil), axes...), nil
}

// ToAxes is the identity.
func (k *Cartesian) ToAxes(motors []float64) []float64 {
	return append([]float64(nil), motors...)
}

// ClampReachable clamps each axis to its travel.
func (k *Cartesian) ClampReachable(axes []float64) []float64 {
	out := append([]float64(nil), axes...)
	for i := range out {
		if i < len(k.bounds) {
			out[i] = k.bounds[i].clamp(out[i])
		}
	}
	return out
}

// Hbot drives X and Y with two motors on a shared belt:
// a = x + y, b = x - y. Axes beyond Y map one to one.
type Hbot struct {
	Cartesian
}

// NewHbot needs at least the X and Y bounds.
func NewHbot(bounds []Bounds) *Hbot {
	return &Hbot{Cartesian: Cartesian{bounds: append([]Bounds(nil), bounds...)}}
}

func (k *Hbot) Name() string { return "hbot" }

func (k *Hbot) ToMotors(axes, hint []float64) ([]float64, error) {
	m, err := k.Cartesian.ToMotors(axes, hint)
	if err != nil {
		return nil, err
	}
	if len(m) >= 2 {
		m[0], m[1] = axes[0]+axes[1], axes[0]-axes[1]
	}
	return m, nil
}

func (k *Hbot) ToAxes(motors []float64) []float64 {
	a := k.Cartesian.ToAxes(motors)
	if len(a) >= 2 {
		a[0], a[1] = (motors[0]+motors[1])/2, (motors[0]-motors[1])/2
	}
	return a
}
