package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"motionlink/motion"
	"motionlink/motion/planner"
)

type kind uint8

const (
	kindMove kind = iota
	kindDwell
	kindTool
	kindFlush
	kindHome
	kindProbe
	kindStop
	kindAbort
)

func (k kind) String() string {
	switch k {
	case kindMove:
		return "move"
	case kindDwell:
		return "dwell"
	case kindTool:
		return "tool"
	case kindFlush:
		return "flush"
	case kindHome:
		return "home"
	case kindProbe:
		return "probe"
	case kindStop:
		return "stop"
	case kindAbort:
		return "abort"
	}
	return "unknown"
}

type result struct {
	err error
	pos []float64
}

// request is one public call waiting in the loop. Multi-step requests
// advance through phases; phase 0 means nothing has been applied yet.
type request struct {
	kind  kind
	ctx   context.Context
	reply chan result
	phase int

	wp   motion.Waypoint
	d    time.Duration
	tool int
	mask uint32
	dirs []int

	start []int64   // motor steps when homing began
	hit   []float64 // probe trigger position
}

// accept takes a request from a caller.
func (e *Engine) accept(r *request) {
	switch r.kind {
	case kindStop, kindAbort:
		e.fail(ErrAborted)
		e.waiters = append(e.waiters, r)
		e.cancel(r.kind == kindAbort)
	case kindMove, kindDwell, kindProbe, kindHome:
		if e.stopping || e.aborting || e.recovering {
			r.reply <- result{err: ErrRecovering}
			return
		}
		e.backlog = append(e.backlog, r)
	default:
		e.backlog = append(e.backlog, r)
	}
}

// fail answers every queued request with err. A probe that already
// triggered keeps waiting for its rollback.
func (e *Engine) fail(err error) {
	kept := e.backlog[:0]
	for _, r := range e.backlog {
		if r.hit != nil {
			kept = append(kept, r)
			continue
		}
		r.reply <- result{err: err}
	}
	clear(e.backlog[len(kept):])
	e.backlog = kept
	if e.homing != nil {
		e.homing.reply <- result{err: err}
		e.homing = nil
	}
}

// process advances queued requests in order.
func (e *Engine) process() {
	for len(e.backlog) > 0 && e.homing == nil {
		r := e.backlog[0]
		if r.ctx.Err() != nil && (r.phase == 0 || r.kind == kindFlush) {
			e.pop(result{err: r.ctx.Err()})
			continue
		}
		res, done := e.advance(r)
		if !done {
			return
		}
		e.pop(res)
	}
}

func (e *Engine) pop(res result) {
	r := e.backlog[0]
	e.backlog[0] = nil
	e.backlog = e.backlog[1:]
	e.publish()
	r.reply <- res
}

// advance runs r as far as possible and reports whether it finished.
func (e *Engine) advance(r *request) (result, bool) {
	switch r.kind {
	case kindMove:
		return e.retry(e.builder.Add(r.wp), true)
	case kindDwell:
		return e.retry(e.builder.Dwell(r.d, r.wp.LineRef), true)
	case kindTool:
		if r.tool < 0 || r.tool >= e.tools {
			return result{err: fmt.Errorf("%w: tool %d", planner.ErrBadWaypoint, r.tool)}, true
		}
		return e.retry(e.builder.Flush(), false)
	case kindFlush:
		return e.flushed(r)
	case kindHome:
		return e.advanceHome(r)
	case kindProbe:
		return e.advanceProbe(r)
	}
	return result{err: fmt.Errorf("engine: unexpected %v request", r.kind)}, true
}

// retry maps back-pressure to "not yet".
func (e *Engine) retry(err error, counts bool) (result, bool) {
	if errors.Is(err, planner.ErrQueueFull) {
		return result{}, false
	}
	if err == nil && counts {
		e.added++
	}
	return result{err: err}, true
}

// flushed plans the buffered moves to a stop and then waits for the
// executor to play them. Phase 1 waits.
func (e *Engine) flushed(r *request) (result, bool) {
	if r.phase == 0 {
		if err := e.builder.Flush(); errors.Is(err, planner.ErrQueueFull) {
			return result{}, false
		}
		r.phase = 1
	}
	if !e.idle() {
		return result{}, false
	}
	return result{}, true
}

func (e *Engine) advanceProbe(r *request) (result, bool) {
	if r.hit != nil {
		if e.recovering {
			return result{}, false
		}
		return result{pos: r.hit}, true
	}
	switch r.phase {
	case 0, 1:
		if res, done := e.flushed(r); !done {
			return res, false
		}
		e.synth.SetProbing(true)
		r.phase = 2
		fallthrough
	case 2:
		if err := e.builder.Add(r.wp); err != nil {
			if errors.Is(err, planner.ErrQueueFull) {
				return result{}, false
			}
			e.synth.SetProbing(false)
			return result{err: err}, true
		}
		e.added++
		r.phase = 3
		fallthrough
	case 3:
		if err := e.builder.Flush(); errors.Is(err, planner.ErrQueueFull) {
			return result{}, false
		}
		r.phase = 4
		fallthrough
	default:
		if !e.idle() {
			return result{}, false
		}
		e.synth.SetProbing(false)
		return result{err: ErrProbeMissed}, true
	}
}
