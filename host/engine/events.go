package engine

import (
	"fmt"

	"motionlink/motion/kinematics"
	"motionlink/protocol"
)

// handle applies one executor event. A returned error ends the session.
func (e *Engine) handle(ev protocol.Event) error {
	if ev.Msg == nil {
		if ev.Control == protocol.ControlStartup {
			return ErrExecutorRestarted
		}
		return nil
	}

	switch m := ev.Msg.(type) {
	case protocol.Pong:
	case protocol.Done:
		e.complete(int(m.Count))
		e.ring.MarkRunning(int(m.Running))
	case protocol.Underrun:
		e.underrun(m)
	case protocol.Limit:
		e.limit(m)
	case protocol.Stopped:
		e.stopped(m)
	case protocol.Resynced:
		e.resynced(m)
	case protocol.Homed:
		e.homed(m)
	case protocol.Timeout:
		e.log.Warn("executor watchdog expired")
		e.notify.Timeout()
		// a Stopped event follows
		e.aborting = true
		e.fail(ErrAborted)
	case protocol.Sensor:
		e.notify.Sensor(m.ID, m.Value)
	default:
		e.log.Warn("unexpected event", "code", fmt.Sprintf("0x%02x", ev.Msg.Code()))
	}
	return nil
}

// complete retires n fragments and reports the waypoints they finished.
func (e *Engine) complete(n int) {
	if n == 0 {
		return
	}
	done := 0
	for _, f := range e.ring.Complete(n) {
		done += f.Done
	}
	if done > 0 {
		e.finished += uint64(done)
		e.notify.MoveDone(done)
	}
}

func (e *Engine) underrun(m protocol.Underrun) {
	e.complete(int(m.Count))
	e.started = false
	if e.stopping && !e.aborting {
		e.rollbackHead()
		return
	}
	expected := e.drained() && e.ring.Outstanding() == 0
	if !expected {
		e.log.Warn("executor underrun", "running", m.Running, "in_flight", e.ring.InFlight(),
			"queued", e.ring.Queued())
	}
	e.notify.Underrun(expected)
}

func (e *Engine) limit(m protocol.Limit) {
	e.complete(int(m.Count))
	f, ok := e.ring.Lookup(int(m.Fragment))
	if !ok {
		e.log.Error("limit in unknown fragment", "fragment", m.Fragment, "offset", m.Offset)
		e.rollbackHead()
	} else {
		e.rollback(e.synth.Replay(f, int(m.Offset)))
	}
	axes, _ := e.builder.Position()

	if m.Motor == probeMotor {
		e.log.Info("probe triggered", "fragment", m.Fragment, "offset", m.Offset, "position", axes)
		e.notify.LimitHit(kinematics.SpacePosition, -1, axes)
		for _, r := range e.backlog {
			if r.kind == kindProbe && r.phase >= 2 {
				r.hit = axes
				break
			}
		}
		e.fail(ErrLimit)
		return
	}

	space, idx := e.machine.Space(int(m.Motor))
	e.log.Warn("limit switch hit", "motor", m.Motor, "fragment", m.Fragment, "offset", m.Offset,
		"position", axes)
	e.notify.LimitHit(space, idx, axes)
	e.fail(ErrLimit)
}

func (e *Engine) stopped(m protocol.Stopped) {
	e.complete(int(m.Count))
	e.started = false
	if !e.aborting {
		return
	}
	if f, ok := e.ring.Lookup(int(m.Fragment)); ok {
		e.rollback(e.synth.Replay(f, int(m.Offset)))
		return
	}
	e.rollbackHead()
}

func (e *Engine) resynced(m protocol.Resynced) {
	if !e.recovering {
		return
	}
	if want := e.slot(e.ring.Running()); m.Fragment != want {
		e.log.Warn("resynced at unexpected slot", "slot", m.Fragment, "want", want)
	}
	e.recovering = false
	for _, r := range e.waiters {
		r.reply <- result{}
	}
	e.waiters = nil
}

// cancel starts a stop. An abort halts at the next sample, a stop after
// the fragments the executor already holds.
func (e *Engine) cancel(abort bool) {
	switch {
	case e.recovering:
		// the pending Resynced answers the waiters
	case abort && !e.aborting:
		e.aborting = true
		e.outbox = append(e.outbox, protocol.Stop{})
	case e.aborting || e.stopping:
	case !e.started:
		e.stopping = true
		e.rollbackHead()
	default:
		e.stopping = true
	}
}

// rollbackHead restarts from the start of the oldest unfinished fragment,
// or from the synthesizer's state when every fragment has been played.
func (e *Engine) rollbackHead() {
	if f := e.ring.Head(); f != nil {
		e.rollback(e.synth.Replay(f, 0))
		return
	}
	axes, ext := e.synth.Position()
	e.rollback(e.synth.Steps(), axes, ext)
}

// rollback drops every unplayed fragment and restarts planning and
// sampling at the given executor state, then resynchronizes the executor.
func (e *Engine) rollback(steps []int64, axes, ext []float64) {
	e.ring.Rewind()
	e.builder.Reset(axes, ext)
	e.synth.Reset(steps, axes, ext)
	e.synth.SetProbing(false)
	e.cursor = sendCursor{}
	e.started = false
	e.stopping = false
	e.aborting = false
	e.recovering = true
	e.added = e.finished
	e.outbox = append(e.outbox, protocol.Reset{Fragment: e.slot(e.ring.Running())})
	e.log.Info("rolled back", "steps", steps, "position", axes)
	e.publish()
}

// slot maps a ring sequence number to the executor's fragment index.
func (e *Engine) slot(seq uint64) uint8 {
	return uint8(seq % uint64(e.ring.Size()))
}
