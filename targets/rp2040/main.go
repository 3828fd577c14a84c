//go:build rp2040 || rp2350

// Command rp2040 is the executor firmware for RP2040 and RP2350 boards.
package main

import (
	"context"
	"machine"
	"time"

	"motionlink/executor"
	"motionlink/protocol"
	"motionlink/targets/pio"
)

func main() {
	// Disable a watchdog left running by the previous boot
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}
	InitUSB()

	backends, err := pio.NewBackends(motorPins)
	if err != nil {
		blink(3)
		return
	}
	limits, probe := inputs()
	io := &executor.Steppers{
		Motors:     backends,
		Limits:     limits,
		ProbeInput: probe,
	}

	x := executor.New(executor.Config{
		Motors:    len(backends),
		Fragments: 8,
		Samples:   256,
		MaxSteps:  32,
		Session:   protocol.DefaultSessionConfig(),
		InterByte: 20 * time.Millisecond,
	}, io)
	x.Startup()

	_ = x.Serve(context.Background(), usbPort{poll: 100 * time.Microsecond})
	io.Halt()
	blink(2)
}

// blink flashes the LED to report a boot failure.
func blink(count int) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		for i := 0; i < count; i++ {
			led.High()
			time.Sleep(150 * time.Millisecond)
			led.Low()
			time.Sleep(150 * time.Millisecond)
		}
		time.Sleep(time.Second)
	}
}
