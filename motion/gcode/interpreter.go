package gcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"motionlink/motion"
)

var ErrUnsupported = errors.New("gcode: unsupported command")

// Machine is the motion surface the interpreter drives. Positions are in
// machine coordinates.
type Machine interface {
	Move(ctx context.Context, wp motion.Waypoint) error
	Home(ctx context.Context, axes uint32, directions []int) error
	Probe(ctx context.Context, wp motion.Waypoint) ([]float64, error)
	Dwell(ctx context.Context, d time.Duration) error
	SetTool(ctx context.Context, tool int) error
	Flush(ctx context.Context) error
	Position() (axes, e []float64)
}

// Arc planes, named by the axes spanning them.
const (
	PlaneXY = iota
	PlaneXZ
	PlaneYZ
)

// Options describe the machine to the interpreter.
type Options struct {
	Axes            string  // axis letters in machine order
	Tools           int     // extruders
	DefaultFeedrate float64 // units/s until the first F word
	RapidFeedrate   float64 // units/s for G0, 0 uses the current feedrate
}

// Interpreter executes G-code commands
type Interpreter struct {
	machine Machine
	parser  *Parser
	opts    Options
	log     *slog.Logger

	absolute  bool
	absoluteE bool
	plane     int
	rapid     bool // modal G0 for bare parameter lines
	feed      float64
	tool      int
	line      int64

	pos         []float64 // machine coordinates of the last target
	e           []float64 // per tool
	offset      []float64 // G92, logical = machine - offset - tool offset
	eOffset     []float64
	toolOffsets [][]float64
}

// NewInterpreter creates a new G-code interpreter positioned where the
// machine is.
func NewInterpreter(m Machine, opts Options, log *slog.Logger) *Interpreter {
	if opts.Axes == "" {
		opts.Axes = "XYZ"
	}
	opts.Axes = strings.ToUpper(opts.Axes)
	if opts.Tools < 1 {
		opts.Tools = 1
	}
	if log == nil {
		log = slog.Default()
	}
	n := len(opts.Axes)
	interp := &Interpreter{
		machine:     m,
		parser:      NewParser(),
		opts:        opts,
		log:         log.With("component", "gcode"),
		absolute:    true,
		absoluteE:   true,
		feed:        opts.DefaultFeedrate,
		offset:      make([]float64, n),
		eOffset:     make([]float64, opts.Tools),
		toolOffsets: make([][]float64, opts.Tools),
	}
	for i := range interp.toolOffsets {
		interp.toolOffsets[i] = make([]float64, n)
	}
	interp.Sync()
	return interp
}

// Sync reloads the position from the machine, after homing, probing or a
// limit stop.
func (interp *Interpreter) Sync() {
	axes, e := interp.machine.Position()
	interp.pos = append(interp.pos[:0], axes...)
	interp.e = make([]float64, interp.opts.Tools)
	copy(interp.e, e)
}

// Tool returns the selected tool.
func (interp *Interpreter) Tool() int { return interp.tool }

// Plane returns the selected arc plane.
func (interp *Interpreter) Plane() int { return interp.plane }

// Logical returns the current position in program coordinates.
func (interp *Interpreter) Logical() (axes []float64, e float64) {
	axes = make([]float64, len(interp.pos))
	for i, p := range interp.pos {
		axes[i] = p - interp.offset[i] - interp.toolOffsets[interp.tool][i]
	}
	return axes, interp.e[interp.tool] - interp.eOffset[interp.tool]
}

// ExecuteLine parses and executes one line. The returned text is a reply
// for the sender, empty for most commands.
func (interp *Interpreter) ExecuteLine(ctx context.Context, line string) (string, error) {
	interp.line++
	cmd, err := interp.parser.ParseLine(line)
	if err != nil {
		return "", err
	}
	if cmd == nil {
		return "", nil
	}
	if cmd.Line >= 0 {
		interp.line = cmd.Line
	}
	return interp.Execute(ctx, cmd)
}

// Execute executes a parsed G-code command
func (interp *Interpreter) Execute(ctx context.Context, cmd *Command) (string, error) {
	if cmd == nil {
		return "", nil
	}

	switch cmd.Type {
	case 'G':
		return "", interp.executeG(ctx, cmd)
	case 'M':
		return interp.executeM(ctx, cmd)
	case 'T':
		return "", interp.executeT(ctx, cmd)
	case 0:
		if len(cmd.Parameters) > 0 {
			return "", interp.doMove(ctx, cmd, interp.rapid)
		}
	}

	return "", nil
}

// executeG handles G-codes
func (interp *Interpreter) executeG(ctx context.Context, cmd *Command) error {
	switch cmd.Number {
	case 0, 1: // Linear move
		interp.rapid = cmd.Number == 0
		return interp.doMove(ctx, cmd, interp.rapid)
	case 2, 3: // Arc, clockwise for G2
		return interp.doArc(ctx, cmd, cmd.Number == 2)
	case 4: // Dwell, P in milliseconds or S in seconds
		d := time.Duration(cmd.GetParameter('P', 0)) * time.Millisecond
		if cmd.HasParameter('S') {
			d = time.Duration(cmd.GetParameter('S', 0) * float64(time.Second))
		}
		return interp.machine.Dwell(ctx, d)
	case 10: // Tool offset
		return interp.doToolOffset(cmd)
	case 17:
		interp.plane = PlaneXY
	case 18:
		interp.plane = PlaneXZ
	case 19:
		interp.plane = PlaneYZ
	case 20:
		return fmt.Errorf("%w: inch units", ErrUnsupported)
	case 21: // millimetres, the only unit
	case 28:
		return interp.doHome(ctx, cmd)
	case 38:
		if cmd.Sub != 2 {
			return fmt.Errorf("%w: %s", ErrUnsupported, cmd)
		}
		return interp.doProbe(ctx, cmd)
	case 90:
		interp.absolute = true
	case 91:
		interp.absolute = false
	case 92:
		interp.doSetPosition(cmd)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd)
	}

	return nil
}

// executeM handles M-codes
func (interp *Interpreter) executeM(ctx context.Context, cmd *Command) (string, error) {
	switch cmd.Number {
	case 2, 30: // Program end
		return "", interp.machine.Flush(ctx)
	case 82:
		interp.absoluteE = true
	case 83:
		interp.absoluteE = false
	case 114:
		axes, e := interp.Logical()
		var b strings.Builder
		for i, v := range axes {
			fmt.Fprintf(&b, "%c:%.3f ", interp.opts.Axes[i], v)
		}
		fmt.Fprintf(&b, "E:%.3f", e)
		return b.String(), nil
	case 400: // Wait for moves
		return "", interp.machine.Flush(ctx)
	default:
		interp.log.Debug("ignoring command", "cmd", cmd.String())
	}
	return "", nil
}

// executeT handles tool changes
func (interp *Interpreter) executeT(ctx context.Context, cmd *Command) error {
	if cmd.Number < 0 || cmd.Number >= interp.opts.Tools {
		return fmt.Errorf("%w: tool %d of %d", ErrUnsupported, cmd.Number, interp.opts.Tools)
	}
	if cmd.Number == interp.tool {
		return nil
	}
	if err := interp.machine.SetTool(ctx, cmd.Number); err != nil {
		return err
	}
	interp.tool = cmd.Number
	return nil
}

func (interp *Interpreter) updateFeed(cmd *Command) {
	if cmd.HasParameter('F') {
		if f := cmd.GetParameter('F', 0); f > 0 {
			interp.feed = f / 60.0 // units/min to units/s
		}
	}
}

// target resolves the axis words of cmd into machine coordinates. held
// axes are NaN unless fill is set.
func (interp *Interpreter) target(cmd *Command, fill bool) (target []float64, moved bool) {
	target = make([]float64, len(interp.pos))
	for i := range target {
		letter := interp.opts.Axes[i]
		switch {
		case !cmd.HasParameter(letter) && fill:
			target[i] = interp.pos[i]
		case !cmd.HasParameter(letter):
			target[i] = math.NaN()
		case interp.absolute:
			target[i] = cmd.GetParameter(letter, 0) + interp.offset[i] + interp.toolOffsets[interp.tool][i]
			moved = true
		default:
			target[i] = interp.pos[i] + cmd.GetParameter(letter, 0)
			moved = true
		}
	}
	return target, moved
}

func (interp *Interpreter) extruder(cmd *Command) float64 {
	if !cmd.HasParameter('E') {
		return math.NaN()
	}
	v := cmd.GetParameter('E', 0)
	if interp.absoluteE {
		return v + interp.eOffset[interp.tool]
	}
	return interp.e[interp.tool] + v
}

func (interp *Interpreter) waypoint(target []float64, e float64, rapid bool) motion.Waypoint {
	feed := interp.feed
	if rapid && interp.opts.RapidFeedrate > 0 {
		feed = interp.opts.RapidFeedrate
	}
	return motion.Waypoint{
		Target:   target,
		E:        e,
		Feedrate: feed,
		Tool:     interp.tool,
		LineRef:  interp.line,
	}
}

// commit records a waypoint the machine accepted.
func (interp *Interpreter) commit(target []float64, e float64) {
	for i, v := range target {
		if !math.IsNaN(v) {
			interp.pos[i] = v
		}
	}
	if !math.IsNaN(e) {
		interp.e[interp.tool] = e
	}
}

// doMove executes a linear move (G0/G1)
func (interp *Interpreter) doMove(ctx context.Context, cmd *Command, rapid bool) error {
	interp.updateFeed(cmd)
	target, moved := interp.target(cmd, false)
	e := interp.extruder(cmd)
	if !moved && math.IsNaN(e) {
		return nil
	}

	if err := interp.machine.Move(ctx, interp.waypoint(target, e, rapid)); err != nil {
		return err
	}
	interp.commit(target, e)
	return nil
}

// doArc executes G2/G3 with I/J/K centre offsets in the selected plane.
func (interp *Interpreter) doArc(ctx context.Context, cmd *Command, clockwise bool) error {
	if cmd.HasParameter('R') {
		return fmt.Errorf("%w: arcs with R", ErrUnsupported)
	}
	alpha, beta, normal := interp.planeAxes()
	ai, bi := strings.IndexByte(interp.opts.Axes, alpha.letter), strings.IndexByte(interp.opts.Axes, beta.letter)
	if ai < 0 || bi < 0 || ai > 2 || bi > 2 {
		return fmt.Errorf("%w: arc plane %c%c on this machine", ErrUnsupported, alpha.letter, beta.letter)
	}
	if !cmd.HasParameter(alpha.offset) && !cmd.HasParameter(beta.offset) {
		return fmt.Errorf("%w: arc without centre offset", ErrSyntax)
	}

	interp.updateFeed(cmd)
	target, _ := interp.target(cmd, true)
	e := interp.extruder(cmd)

	center := append([]float64(nil), interp.pos...)
	center[ai] += cmd.GetParameter(alpha.offset, 0)
	center[bi] += cmd.GetParameter(beta.offset, 0)

	wp := interp.waypoint(target, e, false)
	wp.Center = center
	wp.Normal = normal
	wp.Clockwise = clockwise
	if err := interp.machine.Move(ctx, wp); err != nil {
		return err
	}
	interp.commit(target, e)
	return nil
}

type planeAxis struct {
	letter byte // axis
	offset byte // centre offset word
}

// planeAxes returns the two axes spanning the plane and their cross
// product, the direction arcs turn counterclockwise around.
func (interp *Interpreter) planeAxes() (alpha, beta planeAxis, normal []float64) {
	switch interp.plane {
	case PlaneXZ:
		return planeAxis{'X', 'I'}, planeAxis{'Z', 'K'}, []float64{0, -1, 0}
	case PlaneYZ:
		return planeAxis{'Y', 'J'}, planeAxis{'Z', 'K'}, []float64{1, 0, 0}
	}
	return planeAxis{'X', 'I'}, planeAxis{'Y', 'J'}, []float64{0, 0, 1}
}

// doToolOffset handles G10 L1 P<tool> with axis words.
func (interp *Interpreter) doToolOffset(cmd *Command) error {
	if cmd.GetParameter('L', 0) != 1 {
		return fmt.Errorf("%w: G10 without L1", ErrUnsupported)
	}
	tool := int(cmd.GetParameter('P', float64(interp.tool)))
	if tool < 0 || tool >= interp.opts.Tools {
		return fmt.Errorf("%w: tool %d of %d", ErrUnsupported, tool, interp.opts.Tools)
	}
	for i := range interp.toolOffsets[tool] {
		if letter := interp.opts.Axes[i]; cmd.HasParameter(letter) {
			interp.toolOffsets[tool][i] = cmd.GetParameter(letter, 0)
		}
	}
	return nil
}

// doHome executes homing (G28). Without axis words every axis homes.
func (interp *Interpreter) doHome(ctx context.Context, cmd *Command) error {
	var mask uint32
	for i := range interp.opts.Axes {
		if cmd.HasParameter(interp.opts.Axes[i]) {
			mask |= 1 << i
		}
	}
	if mask == 0 {
		mask = 1<<len(interp.opts.Axes) - 1
	}
	err := interp.machine.Home(ctx, mask, nil)
	interp.Sync()
	return err
}

// doProbe moves toward the target until the probe triggers (G38.2).
func (interp *Interpreter) doProbe(ctx context.Context, cmd *Command) error {
	interp.updateFeed(cmd)
	target, moved := interp.target(cmd, false)
	if !moved {
		return fmt.Errorf("%w: G38.2 without a target", ErrSyntax)
	}
	pos, err := interp.machine.Probe(ctx, interp.waypoint(target, math.NaN(), false))
	interp.Sync()
	if err != nil {
		return err
	}
	interp.log.Info("probe triggered", "position", pos)
	return nil
}

// doSetPosition sets the current logical position (G92)
func (interp *Interpreter) doSetPosition(cmd *Command) {
	all := len(cmd.Parameters) == 0
	for i := range interp.pos {
		letter := interp.opts.Axes[i]
		if all || cmd.HasParameter(letter) {
			interp.offset[i] = interp.pos[i] - cmd.GetParameter(letter, 0) - interp.toolOffsets[interp.tool][i]
		}
	}
	if all || cmd.HasParameter('E') {
		interp.eOffset[interp.tool] = interp.e[interp.tool] - cmd.GetParameter('E', 0)
	}
}
