//go:build rp2040 || rp2350

package pio

import (
	"device/arm"
	"device/rp"
	"machine"
	"time"
)

// GPIOStepperBackend bit-bangs step pulses through SIO. It is the fallback
// once every PIO state machine is taken.
type GPIOStepperBackend struct {
	stepPin machine.Pin
	dirPin  machine.Pin

	invertStep bool
	invertDir  bool
	stepMask   uint32
	dirMask    uint32

	gap time.Duration // spacing between pulses of one sample
}

// NewGPIOStepperBackend creates a new GPIO-based stepper backend
func NewGPIOStepperBackend() *GPIOStepperBackend {
	return &GPIOStepperBackend{}
}

func (b *GPIOStepperBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	b.stepPin = machine.Pin(stepPin)
	b.dirPin = machine.Pin(dirPin)
	b.stepPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.dirPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.stepPin.Set(invertStep)
	b.dirPin.Set(invertDir)

	b.invertStep = invertStep
	b.invertDir = invertDir
	b.stepMask = 1 << stepPin
	b.dirMask = 1 << dirPin
	return nil
}

// Pace spreads the steps of one sample over half its period.
func (b *GPIOStepperBackend) Pace(period time.Duration, maxSteps int) {
	if maxSteps < 1 {
		maxSteps = 1
	}
	b.gap = period / time.Duration(2*maxSteps)
}

func (b *GPIOStepperBackend) Pulse(count uint16, reverse bool) {
	b.SetDirection(reverse)
	for i := uint16(0); i < count; i++ {
		if i > 0 && b.gap > 0 {
			time.Sleep(b.gap)
		}
		b.Step()
	}
}

// Step generates a single step pulse
// Pulse width: ~104ns @ 125MHz
func (b *GPIOStepperBackend) Step() {
	drive(b.stepMask, !b.invertStep)
	// 13 NOPs for the 100ns TMC minimum
	arm.Asm("nop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop")
	drive(b.stepMask, b.invertStep)
}

// SetDirection sets the direction output
// Ensures proper dir-to-step setup time (20ns minimum for TMC drivers)
func (b *GPIOStepperBackend) SetDirection(reverse bool) {
	drive(b.dirMask, reverse != b.invertDir)
	arm.Asm("nop\nnop\nnop")
}

// Stop immediately halts stepping
func (b *GPIOStepperBackend) Stop() {
	drive(b.stepMask, b.invertStep)
}

// GetName returns the backend name
func (b *GPIOStepperBackend) GetName() string {
	return "GPIO"
}

func drive(mask uint32, high bool) {
	if high {
		rp.SIO.GPIO_OUT_SET.Set(mask)
	} else {
		rp.SIO.GPIO_OUT_CLR.Set(mask)
	}
}
