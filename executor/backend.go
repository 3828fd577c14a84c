package executor

import "time"

// StepperBackend drives one stepper.
// Implementations can use GPIO, PIO, or other methods
type StepperBackend interface {
	// Init configures the pins.
	// stepPin: GPIO pin for step pulses
	// dirPin: GPIO pin for direction signal
	Init(stepPin, dirPin uint8, invertStep, invertDir bool) error

	// Pulse emits count step pulses in one direction, spread over at most
	// one sample period. Must not block longer than that.
	Pulse(count uint16, reverse bool)

	// Stop immediately halts stepping
	Stop()

	// GetName returns backend implementation name
	GetName() string
}

// Steppers is an IO over stepper backends and input pins.
type Steppers struct {
	Motors     []StepperBackend
	Limits     []func() bool // per motor, nil without a switch
	ProbeInput func() bool
}

func (s *Steppers) Step(motor, steps int) {
	if motor >= len(s.Motors) || steps == 0 {
		return
	}
	if steps < 0 {
		s.Motors[motor].Pulse(uint16(-steps), true)
	} else {
		s.Motors[motor].Pulse(uint16(steps), false)
	}
}

func (s *Steppers) Limit(motor int) bool {
	if motor >= len(s.Limits) || s.Limits[motor] == nil {
		return false
	}
	return s.Limits[motor]()
}

func (s *Steppers) Probe() bool {
	return s.ProbeInput != nil && s.ProbeInput()
}

// Pace forwards the sample timing to backends that need it.
func (s *Steppers) Pace(period time.Duration, maxSteps int) {
	for _, m := range s.Motors {
		if p, ok := m.(Pacer); ok {
			p.Pace(period, maxSteps)
		}
	}
}

// Halt stops every backend.
func (s *Steppers) Halt() {
	for _, m := range s.Motors {
		m.Stop()
	}
}
