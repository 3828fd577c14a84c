// Package motion holds the data model shared by the planner, the step
// synthesizer and the engine.
package motion

import "math"

// RunKind is the shape of a Segment's motion primitive.
type RunKind uint8

const (
	RunLine       RunKind = iota // constant velocity
	RunPoly3Plus                 // acceleration magnitude rising at constant jerk
	RunPoly2                     // constant acceleration
	RunPoly3Minus                // acceleration magnitude falling at constant jerk
	RunCurvePlus                 // first half of a corner blend
	RunCurveMinus                // second half of a corner blend
	RunDwell                     // no motion for Tf seconds
)

func (k RunKind) String() string {
	switch k {
	case RunLine:
		return "line"
	case RunPoly3Plus:
		return "poly3+"
	case RunPoly2:
		return "poly2"
	case RunPoly3Minus:
		return "poly3-"
	case RunCurvePlus:
		return "curve+"
	case RunCurveMinus:
		return "curve-"
	case RunDwell:
		return "dwell"
	}
	return "unknown"
}

// IsCurve reports whether k is one half of a corner blend.
func (k RunKind) IsCurve() bool {
	return k == RunCurvePlus || k == RunCurveMinus
}

// Waypoint is one target handed to the planner.
type Waypoint struct {
	Target   []float64 // per axis, NaN holds the axis
	E        float64   // extruder target for Tool, NaN holds it
	Feedrate float64   // units/s along the path, 0 uses the default
	Tool     int
	LineRef  int64

	// Arc, when Center is set: Center is a point on the arc's axis and
	// Normal the axis direction.
	Center    []float64
	Normal    []float64
	Clockwise bool
}

// IsArc reports whether the waypoint ends an arc.
func (w Waypoint) IsArc() bool { return len(w.Center) > 0 }

// Segment is one planned motion primitive. Its position is the closed form
//
//	P(t) = Start + (V0 t + A0 t²/2 + Jg t³/6) Dir + (VH0 t + AH0 t²/2 + Jh t³/6) CurveVector
//
// for t in [0, Tf], so sampling it is pure and can be replayed exactly.
type Segment struct {
	Kind   RunKind
	Tool   int
	Start  []float64
	Target []float64 // NaN for held axes

	Dir         []float64 // unit direction along the path
	CurveVector []float64 // unit perpendicular of a blend, nil for lines

	V0, A0, Jg   float64 // along Dir
	VH0, AH0, Jh float64 // along CurveVector
	Tf           float64 // duration in seconds
	Length       float64 // distance covered along Dir
	E0, E        float64 // extruder position at start and end
	Time         float64 // planned start time
	LineRef      int64
	Completes    int // waypoints finished when this segment ends
}

// Along returns the distance covered along Dir after t seconds.
func (s *Segment) Along(t float64) float64 {
	return s.V0*t + s.A0*t*t/2 + s.Jg*t*t*t/6
}

// Across returns the offset along CurveVector after t seconds.
func (s *Segment) Across(t float64) float64 {
	return s.VH0*t + s.AH0*t*t/2 + s.Jh*t*t*t/6
}

// Speed returns the along-path speed at t.
func (s *Segment) Speed(t float64) float64 {
	return s.V0 + s.A0*t + s.Jg*t*t/2
}

// PositionAt writes the axis position at t into dst, which must have the
// same length as Start.
func (s *Segment) PositionAt(t float64, dst []float64) {
	if t < 0 {
		t = 0
	} else if t > s.Tf {
		t = s.Tf
	}
	along := s.Along(t)
	var across float64
	if s.CurveVector != nil {
		across = s.Across(t)
	}
	for i := range dst {
		p := s.Start[i]
		if s.Dir != nil {
			p += along * s.Dir[i]
		}
		if s.CurveVector != nil {
			p += across * s.CurveVector[i]
		}
		dst[i] = p
	}
}

// ExtruderAt returns the extruder position at t. Lines advance it with
// distance, blend halves and dwells with time.
func (s *Segment) ExtruderAt(t float64) float64 {
	if s.E == s.E0 || s.Tf <= 0 {
		if t >= s.Tf {
			return s.E
		}
		return s.E0
	}
	if t >= s.Tf {
		return s.E
	}
	var frac float64
	if s.Kind.IsCurve() || s.Length <= 0 {
		frac = t / s.Tf
	} else {
		frac = s.Along(t) / s.Length
	}
	return s.E0 + (s.E-s.E0)*frac
}

// Clone returns a deep copy.
func (s Segment) Clone() Segment {
	s.Start = cloneVec(s.Start)
	s.Target = cloneVec(s.Target)
	s.Dir = cloneVec(s.Dir)
	s.CurveVector = cloneVec(s.CurveVector)
	return s
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// NaNVector returns n NaNs, the "hold every axis" target.
func NaNVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}
