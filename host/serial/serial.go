// Package serial opens the link to an executor: a local serial device or a
// tcp:// address served by the mock executor.
package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (github.com/tarm/serial or go.bug.st/serial)
// - TCP links to the mock executor
// - net.Pipe style fakes in tests
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Drivers
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// TCPPrefix marks a device name as a network address.
const TCPPrefix = "tcp://"

var ErrInvalidConfig = errors.New("serial: invalid config")

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3") or tcp://host:port
	Device string

	// Driver selects the serial library, DriverTarm or DriverBugst
	Driver string

	// Baud rate (USB CDC ignores this)
	Baud int

	// Framing
	DataBits int
	StopBits int
	Parity   string // N, E or O

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns a default configuration for an executor on device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Driver:      DriverTarm,
		Baud:        250000,
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		ReadTimeout: 100,
	}
}

// Normalize fills unset fields with defaults and reports every invalid
// one.
func (c Config) Normalize() (Config, error) {
	var errs error
	if c.Device == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: no device", ErrInvalidConfig))
	}
	if c.Driver == "" {
		c.Driver = DriverTarm
	}
	if c.Driver != DriverTarm && c.Driver != DriverBugst {
		errs = multierr.Append(errs, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver))
	}
	if c.Baud <= 0 {
		c.Baud = 250000
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		errs = multierr.Append(errs, fmt.Errorf("%w: data bits %d not in [5, 8]", ErrInvalidConfig, c.DataBits))
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		errs = multierr.Append(errs, fmt.Errorf("%w: stop bits %d, want 1 or 2", ErrInvalidConfig, c.StopBits))
	}
	switch strings.ToUpper(strings.TrimSpace(c.Parity)) {
	case "", "N", "NONE":
		c.Parity = "N"
	case "E", "EVEN":
		c.Parity = "E"
	case "O", "ODD":
		c.Parity = "O"
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: parity %q", ErrInvalidConfig, c.Parity))
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	return c, errs
}

// IsTCP reports whether device names a network link.
func IsTCP(device string) bool {
	return strings.HasPrefix(device, TCPPrefix)
}

// Open opens the port described by cfg.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}
	c, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if IsTCP(c.Device) {
		return DialTCP(strings.TrimPrefix(c.Device, TCPPrefix), 5*time.Second)
	}
	if c.Driver == DriverBugst {
		return openBugst(&c)
	}
	return openTarm(&c)
}

// TCPPort is a Port over a network connection.
type TCPPort struct {
	net.Conn
}

// DialTCP connects to an executor listening on addr.
func DialTCP(addr string, timeout time.Duration) (*TCPPort, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCPPort{Conn: conn}, nil
}

// Flush is a no-op; writes go straight to the socket.
func (p *TCPPort) Flush() error { return nil }
