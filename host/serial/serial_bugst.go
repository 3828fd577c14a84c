package serial

import (
	"fmt"
	"sort"
	"time"

	bugst "go.bug.st/serial"
)

// BugstPort wraps go.bug.st/serial, which supports framing options and
// port enumeration.
type BugstPort struct {
	bugst.Port
}

// Mode converts the framing options into the go.bug.st mode.
func (c Config) Mode() (*bugst.Mode, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &bugst.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
		StopBits: bugst.OneStopBit,
	}
	if c.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	switch c.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	default:
		mode.Parity = bugst.NoParity
	}
	return mode, nil
}

func openBugst(cfg *Config) (Port, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	port, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(time.Duration(cfg.ReadTimeout) * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
		}
	}
	return &BugstPort{Port: port}, nil
}

// Flush discards pending input and output.
func (p *BugstPort) Flush() error {
	if err := p.Port.ResetInputBuffer(); err != nil {
		return err
	}
	return p.Port.ResetOutputBuffer()
}

// ListPorts returns the serial devices present on the system, sorted.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
