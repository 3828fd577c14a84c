package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

const sample = `{
	// two axis plotter on an H-bot
	"kinematics": {"type": "HBOT"},
	"axes": [
		{"name": "x", "max": 300},
		{"name": "y", "max": 200, "max_velocity": 150},
	],
	"motors": [
		{"name": "a", "steps_per_unit": 100, "limit": true},
		{"name": "b", "steps_per_unit": 100, "limit": true, "home_dir": 1},
	],
	"motion": {"max_jerk": 50000},
	"link": {"device": "/dev/ttyACM0", "driver": "bugst"},
}`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, KinematicsHbot, cfg.Kinematics.Type)
	assert.Equal(t, []float64{200, 150}, cfg.AxisMaxVelocity())
	assert.Equal(t, 50000.0, cfg.Motion.MaxJerk)
	assert.Equal(t, 3000.0, cfg.Motion.MaxAcceleration)
	assert.Equal(t, 1e-2, cfg.Motion.NegativeLengthTolerance)
	assert.Equal(t, -1, cfg.Motors[0].HomeDir)
	assert.Equal(t, 1, cfg.Motors[1].HomeDir)
	assert.Equal(t, uint32(0b11), cfg.LimitMask())
	assert.Equal(t, DriverBugst, cfg.Link.Driver)
	assert.Equal(t, 250000, cfg.Link.Baud)
	assert.Equal(t, 8, cfg.Fragments.FragmentsPerBuffer)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.hujson")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Motors, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadSyntaxError(t *testing.T) {
	_, err := Load([]byte(`{"axes": [`))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultCartesianConfig()
	cfg.Kinematics.Type = "scara"
	cfg.Motors = cfg.Motors[:2]
	cfg.Motion.QueueSize = 100
	cfg.Fragments.MaxStepsPerSample = 200

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.Len(t, errs, 4)
	msg := err.Error()
	for _, want := range []string{"scara", "needs 3 motors", "power of two", "max_steps_per_sample"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestValidateRejectsSmallQueue(t *testing.T) {
	for _, size := range []int{2, 4, 8} {
		cfg := DefaultCartesianConfig()
		cfg.Motion.QueueSize = size
		err := cfg.Validate()
		require.Error(t, err, "size %d", size)
		assert.Contains(t, err.Error(), "below the minimum")
	}
	cfg := DefaultCartesianConfig()
	cfg.Motion.QueueSize = MinQueueSize
	assert.NoError(t, cfg.Validate())
}

func TestFollowers(t *testing.T) {
	cfg := DefaultCartesianConfig()
	cfg.Kinematics.Followers = []int{2}
	assert.Error(t, cfg.Validate())

	cfg.Motors = append(cfg.Motors, MotorConfig{Name: "z2", StepsPerUnit: 400})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []float64{80, 80, 400, 400, 96}, cfg.StepsPerUnit())

	cfg.Kinematics.Followers = []int{5}
	assert.Error(t, cfg.Validate())
}

func TestDefaultCartesianConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultCartesianConfig().Validate())
}
