package kinematics

// Extruder is the extruder space: one axis and one motor per tool.
type Extruder struct {
	tools int
}

func NewExtruder(tools int) *Extruder { return &Extruder{tools: tools} }

func (k *Extruder) Name() string   { return "extruder" }
func (k *Extruder) NumAxes() int   { return k.tools }
func (k *Extruder) NumMotors() int { return k.tools }

func (k *Extruder) ToMotors(axes, hint []float64) ([]float64, error) {
	if err := checkLen(axes, k.tools); err != nil {
		return nil, err
	}
	return append([]float64(nil), axes...), nil
}

func (k *Extruder) ToAxes(motors []float64) []float64 {
	return append([]float64(nil), motors...)
}

func (k *Extruder) ClampReachable(axes []float64) []float64 {
	return append([]float64(nil), axes...)
}

// Follower wraps a space and appends motors that mirror some of its
// motors, e.g. a second Z lead screw.
type Follower struct {
	Kinematics
	sources []int
}

// NewFollower appends one motor per entry of sources, each copying the
// inner motor with that index.
func NewFollower(inner Kinematics, sources []int) *Follower {
	return &Follower{Kinematics: inner, sources: append([]int(nil), sources...)}
}

func (k *Follower) Name() string   { return k.Kinematics.Name() + "+follower" }
func (k *Follower) NumMotors() int { return k.Kinematics.NumMotors() + len(k.sources) }

func (k *Follower) ToMotors(axes, hint []float64) ([]float64, error) {
	n := k.Kinematics.NumMotors()
	if hint != nil {
		hint = hint[:n]
	}
	m, err := k.Kinematics.ToMotors(axes, hint)
	if err != nil {
		return nil, err
	}
	for _, s := range k.sources {
		m = append(m, m[s])
	}
	return m, nil
}

func (k *Follower) ToAxes(motors []float64) []float64 {
	return k.Kinematics.ToAxes(motors[:k.Kinematics.NumMotors()])
}
