//go:build rp2040 || rp2350

// Command pulsetest drives motor 0 of the board at several sample paces
// so the step spacing can be checked on a scope.
package main

import (
	"machine"
	"time"

	"motionlink/executor"
	"motionlink/targets/pio"
)

// Sample paces as the host would set them up.
var paces = []struct {
	period   time.Duration
	maxSteps int
	name     string
}{
	{1000 * time.Microsecond, 16, "16 kHz"},
	{500 * time.Microsecond, 32, "64 kHz"},
	{250 * time.Microsecond, 64, "256 kHz"},
}

func main() {
	time.Sleep(3 * time.Second)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	backends, err := pio.NewBackends([]pio.MotorPins{{Step: 11, Dir: 10}})
	if err != nil {
		println("init error:", err.Error())
		for {
			led.High()
			time.Sleep(100 * time.Millisecond)
			led.Low()
			time.Sleep(100 * time.Millisecond)
		}
	}
	stepper := backends[0]
	println("stepper backend:", stepper.GetName())

	reverse := false
	for cycle := 1; ; cycle++ {
		println("cycle", cycle)
		for _, p := range paces {
			stepper.Stop()
			if pc, ok := stepper.(executor.Pacer); ok {
				pc.Pace(p.period, p.maxSteps)
			}
			println("pace:", p.name)

			led.High()
			// a full sample every period for 3 seconds
			next := time.Now()
			for end := next.Add(3 * time.Second); next.Before(end); next = next.Add(p.period) {
				stepper.Pulse(uint16(p.maxSteps), reverse)
				time.Sleep(time.Until(next))
			}
			led.Low()
			time.Sleep(500 * time.Millisecond)
		}
		reverse = !reverse
	}
}
