package kinematics

import (
	"fmt"

	"motionlink/motion/config"
)

// New builds the Machine described by cfg.
func New(cfg *config.Config) (*Machine, error) {
	bounds := make([]Bounds, len(cfg.Axes))
	for i, a := range cfg.Axes {
		bounds[i] = Bounds{Min: a.Min, Max: a.Max}
	}

	var pos Kinematics
	switch cfg.Kinematics.Type {
	case config.KinematicsCartesian:
		pos = NewCartesian(bounds)
	case config.KinematicsHbot:
		if len(bounds) < 2 {
			return nil, fmt.Errorf("hbot needs at least 2 axes, got %d", len(bounds))
		}
		pos = NewHbot(bounds)
	case config.KinematicsDelta:
		if len(bounds) != 3 {
			return nil, fmt.Errorf("delta needs 3 axes, got %d", len(bounds))
		}
		d, err := NewDelta(cfg.Kinematics.DeltaRadius, cfg.Kinematics.ArmLength, cfg.Kinematics.MaxRadius)
		if err != nil {
			return nil, err
		}
		pos = d
	case config.KinematicsPolar:
		if len(bounds) < 2 {
			return nil, fmt.Errorf("polar needs at least 2 axes, got %d", len(bounds))
		}
		pos = NewPolar(len(bounds), cfg.Kinematics.MaxRadius)
	default:
		return nil, fmt.Errorf("unsupported kinematics type: %s", cfg.Kinematics.Type)
	}

	if len(cfg.Kinematics.Followers) > 0 {
		pos = NewFollower(pos, cfg.Kinematics.Followers)
	}

	var ext Kinematics
	if len(cfg.Extruders) > 0 {
		ext = NewExtruder(len(cfg.Extruders))
	}
	return NewMachine(pos, ext, cfg.StepsPerUnit())
}
