//go:build rp2040 || rp2350

package main

import (
	"machine"

	"motionlink/targets/pio"
)

// Pin map of a BTT SKR Pico: X, Y, Z, E.
var motorPins = []pio.MotorPins{
	{Step: 11, Dir: 10},
	{Step: 6, Dir: 5},
	{Step: 19, Dir: 28},
	{Step: 14, Dir: 13},
}

// limitPins are active low; 0xff means no switch.
var limitPins = []uint8{4, 3, 25, 0xff}

const probePin = 22

// inputs configures the endstop and probe inputs.
func inputs() (limits []func() bool, probe func() bool) {
	limits = make([]func() bool, len(limitPins))
	for i, n := range limitPins {
		if n == 0xff {
			continue
		}
		limits[i] = activeLow(machine.Pin(n))
	}
	return limits, activeLow(machine.Pin(probePin))
}

func activeLow(p machine.Pin) func() bool {
	p.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return func() bool { return !p.Get() }
}
