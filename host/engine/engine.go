// Package engine owns the host side of a motion session: the segment
// builder, the move queue, the synthesizer, the fragment ring and the link
// to the executor. A single goroutine (Run) touches that state; the public
// methods post requests to it and wait.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"motionlink/host/mcu"
	"motionlink/motion"
	"motionlink/motion/config"
	"motionlink/motion/kinematics"
	"motionlink/motion/planner"
	"motionlink/motion/stepgen"
	"motionlink/protocol"
)

var (
	// ErrRecovering rejects motion while the executor has not acknowledged
	// a rollback.
	ErrRecovering = errors.New("engine: recovering from stop")
	// ErrAborted is returned to requests dropped by Stop or Abort.
	ErrAborted = errors.New("engine: aborted")
	// ErrLimit is returned to requests dropped by a limit switch.
	ErrLimit = errors.New("engine: limit switch hit")
	// ErrHomingFailed reports motors that did not reach their switch.
	ErrHomingFailed = errors.New("engine: homing failed")
	// ErrProbeMissed reports a probe move that ended without a trigger.
	ErrProbeMissed = errors.New("engine: probe not triggered")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("engine: closed")
	// ErrExecutorRestarted means the executor rebooted and lost its state.
	ErrExecutorRestarted = errors.New("engine: executor restarted")
)

// probeMotor is the motor index of a probe trigger in a Limit event.
const probeMotor = 0xff

// Link is the transport to the executor.
type Link interface {
	Send(m protocol.Message) error
	CanSend() bool
	Events() <-chan protocol.Event
	Ready() <-chan struct{}
	Failed() <-chan struct{}
	Err() error
	Service(now time.Time)
}

// Options tune the engine loop.
type Options struct {
	Logger   *slog.Logger
	Notifier Notifier

	// TickInterval paces refill, link timers and keepalive.
	TickInterval time.Duration
	// IdleFlush plans the last buffered move to a stop once no request
	// has arrived for this long.
	IdleFlush time.Duration
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		TickInterval: 5 * time.Millisecond,
		IdleFlush:    100 * time.Millisecond,
	}
}

// Engine is the motion context for one executor.
type Engine struct {
	cfg    *config.Config
	link   Link
	log    *slog.Logger
	notify Notifier
	opts   Options

	machine *kinematics.Machine
	queue   *planner.MoveQueue
	builder *planner.Builder
	ring    *stepgen.Ring
	synth   *stepgen.Synthesizer
	setup   protocol.Setup
	tools   int

	outbox []protocol.Message
	cursor sendCursor

	started    bool // Start sent and no underrun since
	stopping   bool // finish in-flight fragments, then roll back
	aborting   bool // Stop sent, waiting for Stopped
	recovering bool // Reset sent, waiting for Resynced
	homing     *request
	waiters    []*request // Stop and Abort callers waiting for Resynced

	added    uint64 // waypoints accepted
	finished uint64 // waypoints played

	lastSend    time.Time
	lastRequest time.Time

	reqs    chan *request
	backlog []*request
	done    chan struct{}

	// mu guards the snapshot read by Position and QueuedCount
	mu       sync.Mutex
	position []float64
	ePos     []float64
	queued   int
}

// New builds the motion pipeline for cfg and queues the setup for an
// executor that identified as id.
func New(cfg *config.Config, link Link, id protocol.Identity, opts Options) (*Engine, error) {
	setup, err := mcu.SetupFor(cfg, id)
	if err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.IdleFlush <= 0 {
		opts.IdleFlush = def.IdleFlush
	}
	log := opts.Logger

	machine, err := kinematics.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("kinematics: %w", err)
	}
	queue, err := planner.NewMoveQueue(cfg.Motion.QueueSize)
	if err != nil {
		return nil, err
	}
	tools := max(1, len(cfg.Extruders))
	builder, err := planner.NewBuilder(planner.ConfigFrom(cfg), machine.NumAxes(), tools, queue, log)
	if err != nil {
		return nil, err
	}
	f := cfg.Fragments
	ring := stepgen.NewRing(f.FragmentsPerBuffer, machine.NumMotors(), f.SamplesPerFragment)
	synth := stepgen.New(machine, ring, queue, stepgen.Config{
		SamplePeriod:      time.Duration(f.SamplePeriodUs) * time.Microsecond,
		MaxStepsPerSample: f.MaxStepsPerSample,
	}, log)

	e := &Engine{
		cfg:      cfg,
		link:     link,
		log:      log.With("component", "engine"),
		notify:   opts.Notifier,
		opts:     opts,
		machine:  machine,
		queue:    queue,
		builder:  builder,
		ring:     ring,
		synth:    synth,
		setup:    setup,
		tools:    tools,
		outbox:   []protocol.Message{setup},
		reqs:     make(chan *request),
		done:     make(chan struct{}),
		position: make([]float64, machine.NumAxes()),
		ePos:     make([]float64, tools),
	}
	return e, nil
}

// Machine returns the kinematics the engine plans for.
func (e *Engine) Machine() *kinematics.Machine { return e.machine }

// Run drives the engine until ctx is done or the link fails.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	e.lastRequest = time.Now()
	e.step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return e.finish(ctx.Err())
		case r := <-e.reqs:
			e.lastRequest = time.Now()
			e.accept(r)
		case ev := <-e.link.Events():
			if err := e.handle(ev); err != nil {
				e.notify.Disconnected(err)
				return e.finish(err)
			}
		case <-e.link.Ready():
		case <-e.link.Failed():
			err := e.link.Err()
			e.notify.Disconnected(err)
			return e.finish(err)
		case now := <-ticker.C:
			e.link.Service(now)
			e.tick(now)
		}
		e.step(time.Now())
	}
}

// finish answers every waiting request and releases the public methods.
func (e *Engine) finish(err error) error {
	for _, r := range e.backlog {
		r.reply <- result{err: ErrClosed}
	}
	e.backlog = nil
	for _, r := range e.waiters {
		r.reply <- result{err: ErrClosed}
	}
	e.waiters = nil
	if e.homing != nil {
		e.homing.reply <- result{err: ErrClosed}
		e.homing = nil
	}
	close(e.done)
	if err != nil {
		return err
	}
	return ErrClosed
}

// step moves the pipeline forward as far as it can go right now.
func (e *Engine) step(now time.Time) {
	e.process()
	if !e.stopping && !e.aborting && !e.recovering {
		e.builder.Pump()
		e.synth.Fill()
	}
	e.sendOutbox(now)
	e.transmit(now)
	e.gateStart()
	e.sendOutbox(now)
	e.process()
	e.publish()
}

// tick runs the timers.
func (e *Engine) tick(now time.Time) {
	if len(e.backlog) == 0 && e.builder.Pending() > 0 && now.Sub(e.lastRequest) > e.opts.IdleFlush {
		// ErrQueueFull only means Pump finishes the flush
		_ = e.builder.Flush()
	}

	wd := time.Duration(e.setup.WatchdogMs) * time.Millisecond
	busy := e.started || e.ring.InFlight() > 0 || e.homing != nil
	if wd > 0 && busy && now.Sub(e.lastSend) > wd/3 {
		e.outbox = append(e.outbox, protocol.Ping{Token: uint32(now.UnixMilli())})
	}
}

// drained reports whether nothing remains to be synthesized or sent.
func (e *Engine) drained() bool {
	return e.builder.Idle() && e.queue.Len() == 0 && e.synth.Idle() && e.ring.Queued() == 0
}

// idle reports whether every accepted waypoint has been played.
func (e *Engine) idle() bool {
	return e.drained() && e.ring.Outstanding() == 0 && e.homing == nil
}

func (e *Engine) publish() {
	axes, ext := e.builder.Position()
	queued := int(e.added - e.finished)
	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.position, axes)
	copy(e.ePos, ext)
	e.queued = queued
}

// Position returns the axis and extruder position after the last
// accepted waypoint, or where the machine stopped after a rollback.
func (e *Engine) Position() (axes, ext []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.position...), append([]float64(nil), e.ePos...)
}

// QueuedCount returns the number of accepted waypoints not yet played.
func (e *Engine) QueuedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// Move queues a waypoint. It blocks while the pipeline is full.
func (e *Engine) Move(ctx context.Context, wp motion.Waypoint) error {
	return e.do(ctx, &request{kind: kindMove, wp: wp}).err
}

// Dwell plans a pause after the queued moves.
func (e *Engine) Dwell(ctx context.Context, d time.Duration) error {
	return e.do(ctx, &request{kind: kindDwell, d: d}).err
}

// SetTool plans every queued move to a stop before tool changes.
func (e *Engine) SetTool(ctx context.Context, tool int) error {
	return e.do(ctx, &request{kind: kindTool, tool: tool}).err
}

// Flush plans every queued move to a stop and waits until the executor
// has played them.
func (e *Engine) Flush(ctx context.Context) error {
	return e.do(ctx, &request{kind: kindFlush}).err
}

// Home runs the executor's homing cycle for the axes in mask. directions
// holds -1 or +1 per axis; nil or 0 uses the configured direction.
func (e *Engine) Home(ctx context.Context, mask uint32, directions []int) error {
	return e.do(ctx, &request{kind: kindHome, mask: mask, dirs: directions}).err
}

// Probe moves toward wp until the probe triggers and returns the axis
// position where it did.
func (e *Engine) Probe(ctx context.Context, wp motion.Waypoint) ([]float64, error) {
	res := e.do(ctx, &request{kind: kindProbe, wp: wp})
	return res.pos, res.err
}

// Stop drops every queued request, lets the executor finish the fragments
// it holds and rolls back to where it stopped.
func (e *Engine) Stop(ctx context.Context) error {
	return e.do(ctx, &request{kind: kindStop}).err
}

// Abort halts the executor at its next sample and rolls back to where it
// stopped.
func (e *Engine) Abort(ctx context.Context) error {
	return e.do(ctx, &request{kind: kindAbort}).err
}

func (e *Engine) do(ctx context.Context, r *request) result {
	r.ctx = ctx
	r.reply = make(chan result, 1)
	select {
	case e.reqs <- r:
	case <-e.done:
		return result{err: ErrClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case res := <-r.reply:
		return res
	case <-e.done:
		select {
		case res := <-r.reply:
			return res
		default:
			return result{err: ErrClosed}
		}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}
