// Package mcu manages the connection to an executor: opening the port,
// identifying the executor and checking that it can run the configured
// machine.
package mcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"motionlink/host/serial"
	"motionlink/motion/config"
	"motionlink/protocol"
)

var ErrIncapable = errors.New("executor cannot run this machine")

// MCU represents a connection to an executor
type MCU struct {
	// Transport layer
	transport *protocol.HostTransport

	// Serial port
	port io.ReadWriteCloser

	identity protocol.Identity
	log      *slog.Logger
}

// SerialConfig extracts the port settings from a machine config.
func SerialConfig(cfg *config.Config) *serial.Config {
	l := cfg.Link
	return &serial.Config{
		Device:      l.Device,
		Driver:      l.Driver,
		Baud:        l.Baud,
		DataBits:    l.DataBits,
		StopBits:    l.StopBits,
		Parity:      l.Parity,
		ReadTimeout: l.ReadTimeoutMs,
	}
}

// HostConfig extracts the transport timing from a machine config.
func HostConfig(cfg *config.Config, log *slog.Logger) protocol.HostConfig {
	hc := protocol.DefaultHostConfig()
	l := cfg.Link
	hc.Session = protocol.SessionConfig{
		MaxRetries:         l.MaxRetries,
		ResendTimeout:      time.Duration(l.ResendTimeoutMs) * time.Millisecond,
		StallRetryInterval: time.Duration(l.StallRetryMs) * time.Millisecond,
	}
	hc.InterByteTimeout = time.Duration(l.InterByteTimeoutMs) * time.Millisecond
	hc.Logger = log
	return hc
}

// Connect opens the port named in cfg and identifies the executor.
func Connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*MCU, error) {
	port, err := serial.Open(SerialConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	m := New(port, HostConfig(cfg, log))
	if _, err := m.Identify(ctx); err != nil {
		return nil, multierr.Append(err, m.Close())
	}
	return m, nil
}

// New starts a transport on an open port.
func New(port io.ReadWriteCloser, hc protocol.HostConfig) *MCU {
	if hc.Logger == nil {
		hc.Logger = slog.Default()
	}
	return &MCU{
		transport: protocol.NewHostTransport(port, hc),
		port:      port,
		log:       hc.Logger.With("component", "mcu"),
	}
}

// Identify asks the executor for its identity.
func (m *MCU) Identify(ctx context.Context) (protocol.Identity, error) {
	id, err := m.transport.Identify(ctx)
	if err != nil {
		return id, fmt.Errorf("failed to identify executor: %w", err)
	}
	if id.Version != protocol.Version {
		return id, fmt.Errorf("%w: protocol version %d, want %d", ErrIncapable, id.Version, protocol.Version)
	}
	m.identity = id
	return id, nil
}

// Identity returns the identity from the last Identify.
func (m *MCU) Identity() protocol.Identity { return m.identity }

// Transport returns the link.
func (m *MCU) Transport() *protocol.HostTransport { return m.transport }

// Setup builds the setup command for cfg and checks it against the
// executor's capabilities.
func (m *MCU) Setup(cfg *config.Config) (protocol.Setup, error) {
	return SetupFor(cfg, m.identity)
}

// SetupFor builds the setup command for cfg and checks it against id.
func SetupFor(cfg *config.Config, id protocol.Identity) (protocol.Setup, error) {
	f := cfg.Fragments
	motors := len(cfg.Motors) + len(cfg.Extruders)
	s := protocol.Setup{
		Motors:     uint8(motors),
		Fragments:  uint8(f.FragmentsPerBuffer),
		Samples:    uint16(f.SamplesPerFragment),
		PeriodUs:   uint32(f.SamplePeriodUs),
		MaxSteps:   uint8(f.MaxStepsPerSample),
		WatchdogMs: uint32(cfg.Link.WatchdogMs),
		LimitMask:  cfg.LimitMask(),
	}

	var errs error
	if motors > int(id.Motors) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d motors, executor has %d", ErrIncapable, motors, id.Motors))
	}
	if f.FragmentsPerBuffer > int(id.Fragments) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d fragments, executor has %d", ErrIncapable, f.FragmentsPerBuffer, id.Fragments))
	}
	if f.SamplesPerFragment > int(id.Samples) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d samples per fragment, executor has %d", ErrIncapable, f.SamplesPerFragment, id.Samples))
	}
	if f.MaxStepsPerSample > int(id.MaxSteps) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d steps per sample, executor allows %d", ErrIncapable, f.MaxStepsPerSample, id.MaxSteps))
	}
	return s, errs
}

// Close closes the connection to the executor
func (m *MCU) Close() error {
	var err error
	if m.transport != nil {
		err = multierr.Append(err, m.transport.Close())
		m.transport = nil
	}
	return err
}
