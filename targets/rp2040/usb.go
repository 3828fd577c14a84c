//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"
)

// InitUSB initializes USB serial communication
// On the rp2 chips machine.Serial is USB CDC, not a UART
func InitUSB() {
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
}

// usbPort adapts machine.Serial to a blocking io.ReadWriter.
type usbPort struct {
	poll time.Duration
}

// Read waits for at least one byte.
func (u usbPort) Read(p []byte) (int, error) {
	for machine.Serial.Buffered() == 0 {
		time.Sleep(u.poll)
	}
	n := 0
	for n < len(p) && machine.Serial.Buffered() > 0 {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

// Write writes all of p. Output is dropped while no host is attached;
// the link retransmits what the host never acknowledged.
func (u usbPort) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := machine.Serial.Write(p[written:])
		if err != nil || n == 0 {
			return len(p), nil
		}
		written += n
	}
	return written, nil
}
