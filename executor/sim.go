package executor

import "sync"

// Switch is a simulated limit switch on one motor, pressed while the
// motor is at or beyond At in direction Dir.
type Switch struct {
	Motor int
	At    int64
	Dir   int
}

func (s Switch) pressed(pos int64) bool {
	if s.Dir < 0 {
		return pos <= s.At
	}
	return pos >= s.At
}

// SimIO is an IO that only counts steps.
type SimIO struct {
	mu       sync.Mutex
	pos      []int64
	switches []Switch
	probe    func(pos []int64) bool
}

// NewSimIO creates a simulation of motors motors at 0.
func NewSimIO(motors int) *SimIO {
	return &SimIO{pos: make([]int64, motors)}
}

// AddSwitch installs a limit switch.
func (s *SimIO) AddSwitch(sw Switch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches = append(s.switches, sw)
}

// SetProbe installs the probe input, evaluated on the motor positions.
func (s *SimIO) SetProbe(probe func(pos []int64) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = probe
}

// SetPosition overrides the position of motor.
func (s *SimIO) SetPosition(motor int, pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[motor] = pos
}

// Positions returns the motor positions.
func (s *SimIO) Positions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pos...)
}

func (s *SimIO) Step(motor, steps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[motor] += int64(steps)
}

func (s *SimIO) Limit(motor int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sw := range s.switches {
		if sw.Motor == motor && sw.pressed(s.pos[motor]) {
			return true
		}
	}
	return false
}

func (s *SimIO) Probe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probe != nil && s.probe(s.pos)
}
