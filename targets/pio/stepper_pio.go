//go:build rp2040 || rp2350

package pio

import (
	"machine"
	"time"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// Step program. Each command word emits a pulse train:
//
//	Bits 0-15: pulse count minus one
//	Bit 16:    direction (1=reverse)
//
// One loop pass is pulseCycles PIO cycles, so the clock divider sets the
// spacing between pulses. Pace picks it so MaxSteps pulses fill one sample
// period.
func buildStepperProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestX, 16).Encode(),   // 1: out x, 16
		asm.Out(rp2pio.OutDestPins, 1).Encode(), // 2: out pins, 1
		// step_loop:
		asm.Set(rp2pio.SetDestPins, 1).Delay(15).Encode(), // 3: set pins, 1 [15]
		asm.Set(rp2pio.SetDestPins, 0).Delay(14).Encode(), // 4: set pins, 0 [14]
		asm.Jmp(3, rp2pio.JmpXNZeroDec).Encode(),          // 5: jmp x--, 3
		// .wrap
	}
}

const (
	stepperPIOOrigin = 0 // jump targets are absolute
	pulseCycles      = 32
	cpuHz            = 125_000_000
	dirBit           = 1 << 16
)

// PIOStepperBackend drives one stepper from a PIO state machine.
type PIOStepperBackend struct {
	pio     *rp2pio.PIO
	sm      rp2pio.StateMachine
	stepPin machine.Pin
	dirPin  machine.Pin
	inv     uint32 // XORed into every command word
	offset  uint8
	div     uint16
	pioNum  uint8
	smNum   uint8
}

// NewPIOStepperBackend creates a backend on state machine smNum of PIO
// block pioNum.
func NewPIOStepperBackend(pioNum, smNum uint8) *PIOStepperBackend {
	pioHW := rp2pio.PIO0
	if pioNum != 0 {
		pioHW = rp2pio.PIO1
	}
	return &PIOStepperBackend{
		pio:    pioHW,
		sm:     pioHW.StateMachine(smNum),
		pioNum: pioNum,
		smNum:  smNum,
		div:    clockDivider(time.Millisecond, 32),
	}
}

// clockDivider returns the divider that spaces maxSteps pulses over period.
func clockDivider(period time.Duration, maxSteps int) uint16 {
	if maxSteps < 1 {
		maxSteps = 1
	}
	cycles := uint64(period) * cpuHz / uint64(time.Second) / uint64(maxSteps*pulseCycles)
	switch {
	case cycles < 1:
		return 1
	case cycles > 0xffff:
		return 0xffff
	}
	return uint16(cycles)
}

// Init claims the state machine and loads the program. Step polarity is
// fixed by the program, so invertStep is not supported here.
func (b *PIOStepperBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	b.stepPin = machine.Pin(stepPin)
	b.dirPin = machine.Pin(dirPin)
	if invertDir {
		b.inv = dirBit
	}

	b.sm.TryClaim()
	program := buildStepperProgram()
	offset, err := b.pio.AddProgram(program, stepperPIOOrigin)
	if err != nil {
		return err
	}
	b.offset = offset

	b.stepPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.dirPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.configure()
	return nil
}

// configure (re)initializes the state machine with the current divider.
func (b *PIOStepperBackend) configure() {
	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(b.stepPin, 1)
	cfg.SetOutPins(b.dirPin, 1)
	// shift right, explicit pull
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(b.offset+uint8(len(buildStepperProgram()))-1, b.offset)
	cfg.SetClkDivIntFrac(b.div, 0)

	b.sm.SetEnabled(false)
	// pin directions must follow Init
	b.sm.Init(b.offset, cfg)
	b.sm.SetPindirsConsecutive(b.stepPin, 1, true)
	b.sm.SetPindirsConsecutive(b.dirPin, 1, true)
	b.sm.SetPinsConsecutive(b.stepPin, 1, false)
	b.sm.SetPinsConsecutive(b.dirPin, 1, false)
	b.sm.SetEnabled(true)
}

// Pace sets the pulse spacing for a new setup.
func (b *PIOStepperBackend) Pace(period time.Duration, maxSteps int) {
	div := clockDivider(period, maxSteps)
	if div == b.div {
		return
	}
	b.div = div
	b.configure()
}

// Pulse queues a pulse train. A train never outlasts one sample period,
// so the FIFO only waits here when samples arrive late.
func (b *PIOStepperBackend) Pulse(count uint16, reverse bool) {
	if count == 0 {
		return
	}
	cmd := uint32(count - 1)
	if reverse {
		cmd |= dirBit
	}
	for b.sm.IsTxFIFOFull() {
	}
	b.sm.TxPut(cmd ^ b.inv)
}

// Stop drops queued pulses and restarts the program.
func (b *PIOStepperBackend) Stop() {
	b.sm.SetEnabled(false)
	b.sm.ClearFIFOs()
	b.sm.Restart()
	b.sm.SetEnabled(true)
}

func (b *PIOStepperBackend) GetName() string {
	return "PIO"
}
