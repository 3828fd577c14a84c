package engine

import (
	"fmt"
	"math"

	"motionlink/motion/config"
	"motionlink/protocol"
)

// advanceHome waits for the machine to stop, sends the homing command
// and then waits for Homed, which completes the request.
func (e *Engine) advanceHome(r *request) (result, bool) {
	if res, done := e.flushed(r); !done {
		return res, false
	}
	cmd, err := e.homeCommand(r.mask, r.dirs)
	if err != nil {
		return result{err: err}, true
	}
	r.start = e.synth.Steps()
	r.mask = cmd.Mask
	e.outbox = append(e.outbox, cmd)
	e.homing = r
	e.backlog[0] = nil
	e.backlog = e.backlog[1:]
	e.log.Info("homing", "motors", fmt.Sprintf("0x%x", cmd.Mask), "steps_per_sample", cmd.StepsPerSample,
		"max_samples", cmd.MaxSamples)
	// the reply comes with Homed
	return result{}, false
}

// homeMotors maps an axis mask to the position motors that move.
func (e *Engine) homeMotors(axes uint32) uint32 {
	n := len(e.cfg.Motors)
	all := uint32(1)<<n - 1
	if axes == 0 {
		return all
	}
	var mask uint32
	if e.cfg.Kinematics.Type == config.KinematicsDelta {
		// every tower moves every axis
		mask = 0b111
	} else {
		mask = axes & (uint32(1)<<len(e.cfg.Axes) - 1)
	}
	for k, src := range e.cfg.Kinematics.Followers {
		if mask&(1<<src) != 0 {
			mask |= 1 << (len(e.cfg.Axes) + k)
		}
	}
	return mask & all
}

func (e *Engine) homeCommand(axes uint32, dirs []int) (protocol.Home, error) {
	mask := e.homeMotors(axes)
	if mask == 0 {
		return protocol.Home{}, fmt.Errorf("%w: no motor for axes 0x%x", ErrHomingFailed, axes)
	}

	dt := float64(e.cfg.Fragments.SamplePeriodUs) / 1e6
	feed := e.cfg.Motion.HomingFeedrate
	minSpu, maxSpu := math.Inf(1), 0.0
	var dirBits uint32
	for m, mc := range e.cfg.Motors {
		if mask&(1<<m) == 0 {
			continue
		}
		minSpu = math.Min(minSpu, mc.StepsPerUnit)
		maxSpu = math.Max(maxSpu, mc.StepsPerUnit)
		if e.homeDir(m, dirs) > 0 {
			dirBits |= 1 << m
		}
	}

	per := int(math.Round(feed * minSpu * dt))
	per = max(1, min(per, e.cfg.Fragments.MaxStepsPerSample))

	travel := 0.0
	for _, a := range e.cfg.Axes {
		travel = math.Max(travel, a.Max-a.Min)
	}
	if e.cfg.Kinematics.Type == config.KinematicsDelta {
		travel += e.cfg.Kinematics.ArmLength
	}
	if travel <= 0 {
		travel = 1000
	}
	samples := math.Ceil(1.5 * travel * maxSpu / float64(per))

	return protocol.Home{
		Mask:           mask,
		Dirs:           dirBits,
		StepsPerSample: uint8(per),
		MaxSamples:     uint32(samples),
	}, nil
}

// homeDir picks the direction of motor m: the caller's per-axis choice
// when given, the configured one otherwise.
func (e *Engine) homeDir(m int, dirs []int) int {
	axis := m
	if n := len(e.cfg.Axes); m >= n && m-n < len(e.cfg.Kinematics.Followers) {
		axis = e.cfg.Kinematics.Followers[m-n]
	}
	if e.cfg.Kinematics.Type == config.KinematicsDelta {
		axis = 2
	}
	if axis < len(dirs) && dirs[axis] != 0 {
		return dirs[axis]
	}
	return e.cfg.Motors[m].HomeDir
}

// homed sets the motors that reached their switch to their configured
// position and the others to where they were driven.
func (e *Engine) homed(m protocol.Homed) {
	r := e.homing
	if r == nil {
		e.log.Warn("homed without request", "mask", m.Mask)
		return
	}
	e.homing = nil

	steps := append([]int64(nil), r.start...)
	for i := range steps {
		if i >= len(e.cfg.Motors) {
			break
		}
		switch {
		case m.Mask&(1<<i) != 0:
			steps[i] = int64(math.Round(e.cfg.Motors[i].HomePosition * e.cfg.Motors[i].StepsPerUnit))
		case i < len(m.Steps):
			steps[i] += int64(m.Steps[i])
		}
	}
	axes, ext := e.machine.StepsToAxes(steps)
	_, keep := e.synth.Position()
	if ext == nil {
		ext = keep
	}
	e.builder.Reset(axes, ext)
	e.synth.Reset(steps, axes, ext)
	e.publish()

	var err error
	if missed := r.mask &^ m.Mask; missed != 0 {
		err = fmt.Errorf("%w: motors 0x%x did not reach their switch", ErrHomingFailed, missed)
		e.log.Error("homing failed", "missed", fmt.Sprintf("0x%x", missed))
	} else {
		e.log.Info("homed", "position", axes)
	}
	r.reply <- result{err: err, pos: axes}
}
