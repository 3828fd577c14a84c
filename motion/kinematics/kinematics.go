// Package kinematics converts between axis space and motor space.
//
// A Machine is made of two spaces: the position space (Cartesian, Hbot,
// Delta or Polar, optionally wrapped in Follower) and the extruder space
// with one motor per tool. Motor indices are stable: position motors come
// first, extruder motors after them.
package kinematics

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned when an axis target has no motor solution.
	ErrUnreachable = errors.New("kinematics: target unreachable")
	// ErrDimension is returned when a vector has the wrong length.
	ErrDimension = errors.New("kinematics: dimension mismatch")
)

// Kinematics maps one space's axis positions to its motor positions.
type Kinematics interface {
	Name() string
	NumAxes() int
	NumMotors() int

	// ToMotors converts axis positions to motor positions. hint holds the
	// previous motor positions, or nil, and lets variants with several
	// solutions pick the continuous one.
	ToMotors(axes, hint []float64) ([]float64, error)

	// ToAxes is the inverse of ToMotors.
	ToAxes(motors []float64) []float64

	// ClampReachable projects a target onto the nearest reachable one.
	ClampReachable(axes []float64) []float64
}

// Spaces of a Machine
const (
	SpacePosition = 0
	SpaceExtruder = 1
)

// Machine combines the position and extruder spaces and their motor
// scales.
type Machine struct {
	Position Kinematics
	Extruder Kinematics // nil without extruders

	scale []float64
}

// NewMachine checks that scale holds one steps-per-unit value per motor.
func NewMachine(position, extruder Kinematics, scale []float64) (*Machine, error) {
	if position == nil {
		return nil, fmt.Errorf("%w: no position kinematics", ErrDimension)
	}
	m := &Machine{Position: position, Extruder: extruder}
	if len(scale) != m.NumMotors() {
		return nil, fmt.Errorf("%w: %d scales for %d motors", ErrDimension, len(scale), m.NumMotors())
	}
	for i, s := range scale {
		if s <= 0 {
			return nil, fmt.Errorf("motor %d: steps per unit %g must be positive", i, s)
		}
	}
	m.scale = append([]float64(nil), scale...)
	return m, nil
}

// NumAxes returns the number of position axes.
func (m *Machine) NumAxes() int { return m.Position.NumAxes() }

// NumTools returns the number of extruder axes.
func (m *Machine) NumTools() int {
	if m.Extruder == nil {
		return 0
	}
	return m.Extruder.NumAxes()
}

// NumMotors returns the motor count over both spaces.
func (m *Machine) NumMotors() int {
	n := m.Position.NumMotors()
	if m.Extruder != nil {
		n += m.Extruder.NumMotors()
	}
	return n
}

// StepsPerUnit returns the scale of motor i.
func (m *Machine) StepsPerUnit(i int) float64 { return m.scale[i] }

// Space maps a machine motor index to its space and the index within it.
func (m *Machine) Space(motor int) (space, index int) {
	if n := m.Position.NumMotors(); motor >= n {
		return SpaceExtruder, motor - n
	}
	return SpacePosition, motor
}

// ToMotors writes the motor positions for the axis and extruder positions
// into dst. hint is the previous machine motor vector, or nil.
func (m *Machine) ToMotors(axes, e, hint, dst []float64) error {
	if len(dst) != m.NumMotors() {
		return fmt.Errorf("%w: motor vector %d, want %d", ErrDimension, len(dst), m.NumMotors())
	}
	np := m.Position.NumMotors()
	var ph []float64
	if hint != nil {
		ph = hint[:np]
	}
	pm, err := m.Position.ToMotors(axes, ph)
	if err != nil {
		return err
	}
	copy(dst, pm)

	if m.Extruder == nil {
		return nil
	}
	var eh []float64
	if hint != nil {
		eh = hint[np:]
	}
	em, err := m.Extruder.ToMotors(e, eh)
	if err != nil {
		return err
	}
	copy(dst[np:], em)
	return nil
}

// ToAxes splits a machine motor vector and converts both spaces.
func (m *Machine) ToAxes(motors []float64) (axes, e []float64) {
	np := m.Position.NumMotors()
	axes = m.Position.ToAxes(motors[:np])
	if m.Extruder != nil {
		e = m.Extruder.ToAxes(motors[np:])
	}
	return axes, e
}

// StepsToAxes converts integer motor steps to axis positions.
func (m *Machine) StepsToAxes(steps []int64) (axes, e []float64) {
	motors := make([]float64, len(steps))
	for i, s := range steps {
		motors[i] = float64(s) / m.scale[i]
	}
	return m.ToAxes(motors)
}

func checkLen(v []float64, n int) error {
	if len(v) != n {
		return fmt.Errorf("%w: got %d values, want %d", ErrDimension, len(v), n)
	}
	return nil
}
