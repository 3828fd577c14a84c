//go:build rp2040 || rp2350

// Package pio provides stepper backends for the rp2 executor firmware.
package pio

import (
	"motionlink/executor"
)

var (
	// RP2040/RP2350 has 2 PIO blocks (PIO0, PIO1) with 4 state machines each
	pioAllocations = [2][4]bool{} // [pioNum][smNum]
	nextPIONum     = uint8(0)
	nextSMNum      = uint8(0)
)

// MotorPins describes the wiring of one stepper driver.
type MotorPins struct {
	Step       uint8
	Dir        uint8
	InvertStep bool
	InvertDir  bool
}

// NewBackends creates one backend per motor: a PIO state machine while
// any is free, bit-banged GPIO after that.
func NewBackends(pins []MotorPins) ([]executor.StepperBackend, error) {
	backends := make([]executor.StepperBackend, len(pins))
	for i, p := range pins {
		var b executor.StepperBackend
		if pioNum, smNum, ok := allocatePIO(); ok {
			b = NewPIOStepperBackend(pioNum, smNum)
		} else {
			b = NewGPIOStepperBackend()
		}
		if err := b.Init(p.Step, p.Dir, p.InvertStep, p.InvertDir); err != nil {
			return nil, err
		}
		backends[i] = b
	}
	return backends, nil
}

// allocatePIO allocates a PIO state machine
// Returns (pioNum, smNum, ok)
func allocatePIO() (uint8, uint8, bool) {
	// Round-robin allocation across PIO blocks and state machines
	for i := 0; i < 8; i++ {
		pioNum := nextPIONum
		smNum := nextSMNum

		nextSMNum++
		if nextSMNum >= 4 {
			nextSMNum = 0
			nextPIONum = (nextPIONum + 1) % 2
		}

		if !pioAllocations[pioNum][smNum] {
			pioAllocations[pioNum][smNum] = true
			return pioNum, smNum, true
		}
	}
	return 0, 0, false
}
