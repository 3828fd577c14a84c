// Package config loads the machine description: kinematics, axes, motors,
// motion limits, fragment geometry and link settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tailscale/hujson"
	"go.uber.org/multierr"
)

// Kinematics types
const (
	KinematicsCartesian = "cartesian"
	KinematicsHbot      = "hbot"
	KinematicsDelta     = "delta"
	KinematicsPolar     = "polar"
)

// Serial drivers
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// MinQueueSize is the smallest segment queue that still holds the nine
// segments of one planned move with a slot to spare.
const MinQueueSize = 16

// Config is the complete machine configuration.
type Config struct {
	Kinematics KinematicsConfig `json:"kinematics"`
	Axes       []AxisConfig     `json:"axes"`
	Motors     []MotorConfig    `json:"motors"`
	Extruders  []ExtruderConfig `json:"extruders"`
	Motion     MotionConfig     `json:"motion"`
	Fragments  FragmentConfig   `json:"fragments"`
	Link       LinkConfig       `json:"link"`
}

// KinematicsConfig selects and parameterizes the position space.
type KinematicsConfig struct {
	Type        string  `json:"type"`
	DeltaRadius float64 `json:"delta_radius"` // tower distance from center
	ArmLength   float64 `json:"arm_length"`
	MaxRadius   float64 `json:"max_radius"` // reachable radius for delta and polar

	// Followers lists position motors that get a mirrored motor appended
	// after the position motors, e.g. a second Z screw.
	Followers []int `json:"followers"`
}

// AxisConfig describes one Cartesian axis.
type AxisConfig struct {
	Name        string  `json:"name"`
	MaxVelocity float64 `json:"max_velocity"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// MotorConfig describes one motor of the position space, followers
// included.
type MotorConfig struct {
	Name         string  `json:"name"`
	StepsPerUnit float64 `json:"steps_per_unit"`
	StepPin      string  `json:"step_pin"`
	DirPin       string  `json:"dir_pin"`
	LimitPin     string  `json:"limit_pin"`
	Limit        bool    `json:"limit"` // has a limit input
	HomeDir      int     `json:"home_dir"`
	HomePosition float64 `json:"home_position"` // motor position at the switch
}

// ExtruderConfig describes one tool's extruder motor.
type ExtruderConfig struct {
	Name         string  `json:"name"`
	StepsPerUnit float64 `json:"steps_per_unit"`
	MaxVelocity  float64 `json:"max_velocity"`
	StepPin      string  `json:"step_pin"`
	DirPin       string  `json:"dir_pin"`
}

// MotionConfig holds the planner limits.
type MotionConfig struct {
	MaxVelocity     float64 `json:"max_velocity"`
	MaxAcceleration float64 `json:"max_acceleration"`
	MaxJerk         float64 `json:"max_jerk"`
	MaxDeviation    float64 `json:"max_deviation"`
	DefaultFeedrate float64 `json:"default_feedrate"`
	HomingFeedrate  float64 `json:"homing_feedrate"`

	// ReversalTolerance is the tan(theta/2) below which a corner counts as
	// a full reversal and gets speed 0.
	ReversalTolerance float64 `json:"reversal_tolerance"`

	// NegativeLengthTolerance is how far a computed cruise length may go
	// below zero before it is logged as a planner inconsistency.
	NegativeLengthTolerance float64 `json:"negative_length_tolerance"`

	ArcResolution  float64 `json:"arc_resolution"`
	LookaheadDepth int     `json:"lookahead_depth"`
	QueueSize      int     `json:"queue_size"` // power of two, at least MinQueueSize
}

// FragmentConfig is the fragment geometry shared with the executor.
type FragmentConfig struct {
	SamplePeriodUs     int `json:"sample_period_us"`
	SamplesPerFragment int `json:"samples_per_fragment"`
	FragmentsPerBuffer int `json:"fragments_per_buffer"`
	MaxStepsPerSample  int `json:"max_steps_per_sample"`
	StartThreshold     int `json:"start_threshold"`
}

// LinkConfig holds serial port and protocol timing settings.
type LinkConfig struct {
	Device             string `json:"device"`
	Driver             string `json:"driver"`
	Baud               int    `json:"baud"`
	DataBits           int    `json:"data_bits"`
	StopBits           int    `json:"stop_bits"`
	Parity             string `json:"parity"`
	ReadTimeoutMs      int    `json:"read_timeout_ms"`
	MaxRetries         int    `json:"max_retries"`
	ResendTimeoutMs    int    `json:"resend_timeout_ms"`
	StallRetryMs       int    `json:"stall_retry_ms"`
	InterByteTimeoutMs int    `json:"inter_byte_timeout_ms"`
	WatchdogMs         int    `json:"watchdog_ms"`
}

// Load parses a configuration. Comments and trailing commas are accepted.
func Load(data []byte) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

// applyDefaults fills in missing values
func applyDefaults(cfg *Config) {
	if cfg.Kinematics.Type == "" {
		cfg.Kinematics.Type = KinematicsCartesian
	}
	cfg.Kinematics.Type = strings.ToLower(cfg.Kinematics.Type)

	m := &cfg.Motion
	if m.MaxVelocity == 0 {
		m.MaxVelocity = 200
	}
	if m.MaxAcceleration == 0 {
		m.MaxAcceleration = 3000
	}
	if m.MaxJerk == 0 {
		m.MaxJerk = 100000
	}
	if m.MaxDeviation == 0 {
		m.MaxDeviation = 0.05
	}
	if m.DefaultFeedrate == 0 {
		m.DefaultFeedrate = 50
	}
	if m.HomingFeedrate == 0 {
		m.HomingFeedrate = 10
	}
	if m.ReversalTolerance == 0 {
		m.ReversalTolerance = 1e-3
	}
	if m.NegativeLengthTolerance == 0 {
		m.NegativeLengthTolerance = 1e-2
	}
	if m.ArcResolution == 0 {
		m.ArcResolution = 0.5
	}
	if m.LookaheadDepth == 0 {
		m.LookaheadDepth = 16
	}
	if m.QueueSize == 0 {
		m.QueueSize = 256
	}

	for i := range cfg.Axes {
		if cfg.Axes[i].MaxVelocity == 0 {
			cfg.Axes[i].MaxVelocity = m.MaxVelocity
		}
	}
	for i := range cfg.Motors {
		if cfg.Motors[i].StepsPerUnit == 0 {
			cfg.Motors[i].StepsPerUnit = 80
		}
		if cfg.Motors[i].HomeDir == 0 {
			cfg.Motors[i].HomeDir = -1
		}
	}
	for i := range cfg.Extruders {
		if cfg.Extruders[i].StepsPerUnit == 0 {
			cfg.Extruders[i].StepsPerUnit = 96
		}
		if cfg.Extruders[i].MaxVelocity == 0 {
			cfg.Extruders[i].MaxVelocity = 50
		}
	}

	f := &cfg.Fragments
	if f.SamplePeriodUs == 0 {
		f.SamplePeriodUs = 500
	}
	if f.SamplesPerFragment == 0 {
		f.SamplesPerFragment = 256
	}
	if f.FragmentsPerBuffer == 0 {
		f.FragmentsPerBuffer = 8
	}
	if f.MaxStepsPerSample == 0 {
		f.MaxStepsPerSample = 32
	}
	if f.StartThreshold == 0 {
		f.StartThreshold = 3
	}

	l := &cfg.Link
	if l.Driver == "" {
		l.Driver = DriverTarm
	}
	if l.Baud == 0 {
		l.Baud = 250000
	}
	if l.ReadTimeoutMs == 0 {
		l.ReadTimeoutMs = 100
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 5
	}
	if l.ResendTimeoutMs == 0 {
		l.ResendTimeoutMs = 200
	}
	if l.StallRetryMs == 0 {
		l.StallRetryMs = 50
	}
	if l.InterByteTimeoutMs == 0 {
		l.InterByteTimeoutMs = 20
	}
	if l.WatchdogMs == 0 {
		l.WatchdogMs = 2000
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	switch c.Kinematics.Type {
	case KinematicsCartesian, KinematicsHbot:
	case KinematicsDelta:
		if c.Kinematics.ArmLength <= c.Kinematics.DeltaRadius {
			add("delta arm_length %g must exceed delta_radius %g", c.Kinematics.ArmLength, c.Kinematics.DeltaRadius)
		}
		if c.Kinematics.DeltaRadius <= 0 {
			add("delta_radius must be positive")
		}
	case KinematicsPolar:
		if c.Kinematics.MaxRadius <= 0 {
			add("polar max_radius must be positive")
		}
	default:
		add("unsupported kinematics %q", c.Kinematics.Type)
	}

	if len(c.Axes) == 0 {
		add("no axes configured")
	}
	if need := c.PositionMotors(); len(c.Motors) != need {
		add("%s kinematics with %d axes and %d followers needs %d motors, got %d",
			c.Kinematics.Type, len(c.Axes), len(c.Kinematics.Followers), need, len(c.Motors))
	}
	base := c.PositionMotors() - len(c.Kinematics.Followers)
	for _, f := range c.Kinematics.Followers {
		if f < 0 || f >= base {
			add("follower source %d out of range", f)
		}
	}
	for i, m := range c.Motors {
		if m.StepsPerUnit <= 0 {
			add("motor %d (%s): steps_per_unit must be positive", i, m.Name)
		}
	}
	for i, e := range c.Extruders {
		if e.StepsPerUnit <= 0 {
			add("extruder %d (%s): steps_per_unit must be positive", i, e.Name)
		}
	}
	if n := len(c.Motors) + len(c.Extruders); n > 32 {
		add("%d motors exceed the 32 motor limit", n)
	}

	m := c.Motion
	if m.MaxVelocity <= 0 || m.MaxAcceleration <= 0 || m.MaxJerk <= 0 {
		add("motion limits must be positive")
	}
	if m.MaxDeviation < 0 {
		add("max_deviation must not be negative")
	}
	if m.QueueSize < 2 || m.QueueSize&(m.QueueSize-1) != 0 {
		add("queue_size %d must be a power of two", m.QueueSize)
	} else if m.QueueSize < MinQueueSize {
		add("queue_size %d is below the minimum of %d", m.QueueSize, MinQueueSize)
	}
	if m.LookaheadDepth < 1 {
		add("lookahead_depth must be at least 1")
	}

	f := c.Fragments
	if f.FragmentsPerBuffer < 2 || f.FragmentsPerBuffer > 128 {
		add("fragments_per_buffer %d out of range [2, 128]", f.FragmentsPerBuffer)
	}
	if f.SamplesPerFragment < 1 || f.SamplesPerFragment > 4096 {
		add("samples_per_fragment %d out of range [1, 4096]", f.SamplesPerFragment)
	}
	if f.MaxStepsPerSample < 1 || f.MaxStepsPerSample > 127 {
		add("max_steps_per_sample %d out of range [1, 127]", f.MaxStepsPerSample)
	}
	if f.SamplePeriodUs <= 0 {
		add("sample_period_us must be positive")
	}
	if f.StartThreshold < 1 || f.StartThreshold > f.FragmentsPerBuffer-1 {
		add("start_threshold %d out of range [1, %d]", f.StartThreshold, f.FragmentsPerBuffer-1)
	}

	switch c.Link.Driver {
	case DriverTarm, DriverBugst:
	default:
		add("unsupported serial driver %q", c.Link.Driver)
	}
	return errs
}

// PositionMotors returns the number of position space motors the
// kinematics expects, followers included.
func (c *Config) PositionMotors() int {
	return len(c.Axes) + len(c.Kinematics.Followers)
}

// StepsPerUnit returns the scale of every motor, position motors first,
// then one per extruder.
func (c *Config) StepsPerUnit() []float64 {
	out := make([]float64, 0, len(c.Motors)+len(c.Extruders))
	for _, m := range c.Motors {
		out = append(out, m.StepsPerUnit)
	}
	for _, e := range c.Extruders {
		out = append(out, e.StepsPerUnit)
	}
	return out
}

// AxisMaxVelocity returns the per-axis velocity caps.
func (c *Config) AxisMaxVelocity() []float64 {
	out := make([]float64, len(c.Axes))
	for i, a := range c.Axes {
		out[i] = a.MaxVelocity
	}
	return out
}

// LimitMask returns a bit per motor that has a limit input.
func (c *Config) LimitMask() uint32 {
	var mask uint32
	for i, m := range c.Motors {
		if m.Limit {
			mask |= 1 << i
		}
	}
	return mask
}

// DefaultCartesianConfig returns a three axis Cartesian machine with one
// extruder.
func DefaultCartesianConfig() *Config {
	cfg := &Config{
		Kinematics: KinematicsConfig{Type: KinematicsCartesian},
		Axes: []AxisConfig{
			{Name: "x", MaxVelocity: 300, Min: 0, Max: 220},
			{Name: "y", MaxVelocity: 300, Min: 0, Max: 220},
			{Name: "z", MaxVelocity: 10, Min: 0, Max: 250},
		},
		Motors: []MotorConfig{
			{Name: "x", StepsPerUnit: 80, StepPin: "gpio0", DirPin: "gpio1", LimitPin: "gpio20", Limit: true, HomeDir: -1},
			{Name: "y", StepsPerUnit: 80, StepPin: "gpio2", DirPin: "gpio3", LimitPin: "gpio21", Limit: true, HomeDir: -1},
			{Name: "z", StepsPerUnit: 400, StepPin: "gpio4", DirPin: "gpio5", LimitPin: "gpio22", Limit: true, HomeDir: -1},
		},
		Extruders: []ExtruderConfig{
			{Name: "e0", StepsPerUnit: 96, MaxVelocity: 50, StepPin: "gpio6", DirPin: "gpio7"},
		},
	}
	applyDefaults(cfg)
	return cfg
}
