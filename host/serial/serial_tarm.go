package serial

import (
	"fmt"
	"time"

	tarm "github.com/tarm/serial"
)

// TarmPort is a Port on github.com/tarm/serial.
type TarmPort struct {
	*tarm.Port
}

// TarmConfig converts the options into a tarm configuration.
func (c Config) TarmConfig() (*tarm.Config, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	tc := &tarm.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: time.Duration(c.ReadTimeout) * time.Millisecond,
		Size:        byte(c.DataBits),
		Parity:      tarm.Parity(c.Parity[0]),
		StopBits:    tarm.Stop1,
	}
	if c.StopBits == 2 {
		tc.StopBits = tarm.Stop2
	}
	return tc, nil
}

func openTarm(cfg *Config) (Port, error) {
	tc, err := cfg.TarmConfig()
	if err != nil {
		return nil, err
	}
	port, err := tarm.OpenPort(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &TarmPort{Port: port}, nil
}
