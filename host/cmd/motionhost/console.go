package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/shlex"

	"motionlink/host/engine"
	"motionlink/motion/gcode"
	"motionlink/protocol"
)

// console runs operator commands and G-code lines.
type console struct {
	eng    *engine.Engine
	interp *gcode.Interpreter
	link   *protocol.HostTransport
	out    io.Writer
}

// command runs one console line and reports whether to quit.
func (c *console) command(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts, err := shlex.Split(line)
	if err != nil || len(parts) == 0 {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		c.help()
	case "stop":
		c.report(c.eng.Stop(ctx))
		c.interp.Sync()
	case "abort":
		c.report(c.eng.Abort(ctx))
		c.interp.Sync()
	case "pos":
		axes, e := c.eng.Position()
		fmt.Fprintf(c.out, "position %v extruders %v\n", axes, e)
	case "queued":
		fmt.Fprintf(c.out, "%d waypoints queued\n", c.eng.QueuedCount())
	case "stats":
		s := c.link.Stats()
		fmt.Fprintf(c.out, "link %s: %+v\n", c.link.ID(), s)
	default:
		c.gcode(ctx, line)
	}
	return false
}

// gcode executes one G-code line and resynchronizes the interpreter when
// the engine rolled back.
func (c *console) gcode(ctx context.Context, line string) error {
	reply, err := c.interp.ExecuteLine(ctx, line)
	if reply != "" {
		fmt.Fprintln(c.out, reply)
	}
	if errors.Is(err, engine.ErrLimit) || errors.Is(err, engine.ErrAborted) || errors.Is(err, engine.ErrRecovering) {
		c.interp.Sync()
	}
	c.report(err)
	return err
}

// stream executes a G-code file line by line. Errors from single lines are
// reported and skipped; a lost executor ends the stream.
func (c *console) stream(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		err := c.gcode(ctx, scanner.Text())
		switch {
		case errors.Is(err, engine.ErrClosed), errors.Is(err, context.Canceled):
			return err
		case err != nil:
			slog.Warn("line failed", "line", n, "err", err)
		}
	}
	return scanner.Err()
}

func (c *console) report(err error) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

func (c *console) help() {
	fmt.Fprintln(c.out, "\nAvailable commands:")
	fmt.Fprintln(c.out, "  <G-code>       - Execute a G-code line, e.g. G1 X10 F600")
	fmt.Fprintln(c.out, "  stop           - Finish the sent fragments and drop the rest")
	fmt.Fprintln(c.out, "  abort          - Halt at the next sample")
	fmt.Fprintln(c.out, "  pos            - Print the planned position")
	fmt.Fprintln(c.out, "  queued         - Print the number of queued waypoints")
	fmt.Fprintln(c.out, "  stats          - Print link counters")
	fmt.Fprintln(c.out, "  quit/exit/q    - Exit the program")
	fmt.Fprintln(c.out)
}

// notifier logs engine events for the operator.
type notifier struct {
	log *slog.Logger
}

func (n *notifier) LimitHit(space, motor int, pos []float64) {
	if motor < 0 {
		n.log.Info("probe triggered", "position", pos)
		return
	}
	n.log.Warn("limit switch", "space", space, "motor", motor, "position", pos)
}

func (n *notifier) MoveDone(count int) { n.log.Debug("moves done", "count", count) }

func (n *notifier) Timeout() { n.log.Error("executor watchdog expired") }

func (n *notifier) Underrun(expected bool) {
	if !expected {
		n.log.Warn("executor underrun")
	}
}

func (n *notifier) Disconnected(err error) { n.log.Error("executor disconnected", "err", err) }

func (n *notifier) Sensor(id uint8, value int32) { n.log.Info("sensor", "id", id, "value", value) }
