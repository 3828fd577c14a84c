package gcode

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionlink/motion"
)

type fakeMachine struct {
	moves  []motion.Waypoint
	dwells []time.Duration
	tools  []int
	homes  []uint32
	probes []motion.Waypoint
	flushs int

	axes []float64
	e    []float64
	err  error
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{axes: []float64{0, 0, 0}, e: []float64{0, 0}}
}

func (m *fakeMachine) Move(_ context.Context, wp motion.Waypoint) error {
	if m.err != nil {
		return m.err
	}
	m.moves = append(m.moves, wp)
	return nil
}

func (m *fakeMachine) Home(_ context.Context, axes uint32, _ []int) error {
	m.homes = append(m.homes, axes)
	for i := range m.axes {
		if axes&(1<<i) != 0 {
			m.axes[i] = -1
		}
	}
	return m.err
}

func (m *fakeMachine) Probe(_ context.Context, wp motion.Waypoint) ([]float64, error) {
	m.probes = append(m.probes, wp)
	m.axes[2] = 2.5
	return m.axes, m.err
}

func (m *fakeMachine) Dwell(_ context.Context, d time.Duration) error {
	m.dwells = append(m.dwells, d)
	return m.err
}

func (m *fakeMachine) SetTool(_ context.Context, tool int) error {
	m.tools = append(m.tools, tool)
	return m.err
}

func (m *fakeMachine) Flush(context.Context) error {
	m.flushs++
	return m.err
}

func (m *fakeMachine) Position() ([]float64, []float64) {
	return append([]float64(nil), m.axes...), append([]float64(nil), m.e...)
}

func newTestInterpreter(m *fakeMachine) *Interpreter {
	return NewInterpreter(m, Options{Axes: "xyz", Tools: 2, DefaultFeedrate: 10, RapidFeedrate: 100}, nil)
}

func run(t *testing.T, interp *Interpreter, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := interp.ExecuteLine(context.Background(), line)
		require.NoError(t, err, line)
	}
}

func assertTarget(t *testing.T, want []float64, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "axis %d: want held, got %v", i, got[i])
		} else {
			assert.InDelta(t, want[i], got[i], 1e-12, "axis %d", i)
		}
	}
}

func TestLinearMoves(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	nan := math.NaN()

	run(t, interp,
		"G1 X10 F600",
		"G0 Y5",
		"Z1",
		"G91",
		"G1 X-2 E1",
	)
	require.Len(t, m.moves, 4)

	assertTarget(t, []float64{10, nan, nan}, m.moves[0].Target)
	assert.Equal(t, 10.0, m.moves[0].Feedrate)
	assert.True(t, math.IsNaN(m.moves[0].E))
	assert.Equal(t, int64(1), m.moves[0].LineRef)

	assertTarget(t, []float64{nan, 5, nan}, m.moves[1].Target)
	assert.Equal(t, 100.0, m.moves[1].Feedrate)

	// modal G0 carries over to a bare parameter line
	assertTarget(t, []float64{nan, nan, 1}, m.moves[2].Target)
	assert.Equal(t, 100.0, m.moves[2].Feedrate)

	assertTarget(t, []float64{8, nan, nan}, m.moves[3].Target)
	assert.Equal(t, 1.0, m.moves[3].E)
	assert.Equal(t, int64(5), m.moves[3].LineRef)
}

func TestFeedOnlyLineDoesNotMove(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G1 F1200", "G1 X1")
	require.Len(t, m.moves, 1)
	assert.Equal(t, 20.0, m.moves[0].Feedrate)
}

func TestLineNumbers(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "N100 G1 X1", "G1 X2")
	assert.Equal(t, int64(100), m.moves[0].LineRef)
	assert.Equal(t, int64(101), m.moves[1].LineRef)
}

func TestExtrusionModes(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G1 X1 E2", "M83", "G1 X2 E0.5", "M82", "G92 E0", "G1 X3 E1")
	require.Len(t, m.moves, 3)
	assert.Equal(t, 2.0, m.moves[0].E)
	assert.Equal(t, 2.5, m.moves[1].E)
	assert.Equal(t, 3.5, m.moves[2].E)
}

func TestSetPositionOffsetsTargets(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G1 X10 Y10", "G92 X0", "G1 X5")

	assertTarget(t, []float64{15, math.NaN(), math.NaN()}, m.moves[1].Target)
	axes, _ := interp.Logical()
	assert.Equal(t, []float64{5, 10, 0}, axes)
}

func TestToolChangeAndOffsets(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G10 L1 P1 X2 Y-1", "T1", "G1 X10 Y10")

	assert.Equal(t, []int{1}, m.tools)
	require.Len(t, m.moves, 1)
	assert.Equal(t, 1, m.moves[0].Tool)
	assertTarget(t, []float64{12, 9, math.NaN()}, m.moves[0].Target)

	_, err := interp.ExecuteLine(context.Background(), "T5")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = interp.ExecuteLine(context.Background(), "G10 L2 P0 X1")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestArcs(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G2 X10 I5 F300", "G18", "G3 X20 Z0 I5 K0")
	require.Len(t, m.moves, 2)

	cw := m.moves[0]
	assert.Equal(t, []float64{10, 0, 0}, cw.Target)
	assert.Equal(t, []float64{5, 0, 0}, cw.Center)
	assert.Equal(t, []float64{0, 0, 1}, cw.Normal)
	assert.True(t, cw.Clockwise)
	assert.Equal(t, 5.0, cw.Feedrate)

	ccw := m.moves[1]
	assert.Equal(t, []float64{15, 0, 0}, ccw.Center)
	assert.Equal(t, []float64{0, -1, 0}, ccw.Normal)
	assert.False(t, ccw.Clockwise)
	assert.Equal(t, PlaneXZ, interp.Plane())

	_, err := interp.ExecuteLine(context.Background(), "G2 X0 R5")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = interp.ExecuteLine(context.Background(), "G2 X0")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestDwell(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G4 P250", "G4 S1.5")
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 1500 * time.Millisecond}, m.dwells)
}

func TestHomeSyncsPosition(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G1 X10 Y10 Z10", "G28 X", "G28")
	assert.Equal(t, []uint32{1, 7}, m.homes)

	axes, _ := interp.Logical()
	assert.Equal(t, []float64{-1, -1, -1}, axes)
}

func TestProbe(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G38.2 Z-10 F60")
	require.Len(t, m.probes, 1)
	assertTarget(t, []float64{math.NaN(), math.NaN(), -10}, m.probes[0].Target)
	assert.Equal(t, 1.0, m.probes[0].Feedrate)

	axes, _ := interp.Logical()
	assert.Equal(t, []float64{0, 0, 2.5}, axes)

	_, err := interp.ExecuteLine(context.Background(), "G38.3 Z-10")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReportPosition(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "G1 X1.5 Y2 E3")
	reply, err := interp.ExecuteLine(context.Background(), "M114")
	require.NoError(t, err)
	assert.Equal(t, "X:1.500 Y:2.000 Z:0.000 E:3.000", reply)
}

func TestWaitAndEndFlush(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	run(t, interp, "M400", "M104 S200", "M30")
	assert.Equal(t, 2, m.flushs)
}

func TestUnsupportedCommands(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	for _, line := range []string{"G5 X1", "G20"} {
		_, err := interp.ExecuteLine(context.Background(), line)
		assert.ErrorIs(t, err, ErrUnsupported, line)
	}
}

func TestRejectedMoveKeepsPosition(t *testing.T) {
	m := newFakeMachine()
	interp := newTestInterpreter(m)
	m.err = errors.New("busy")
	_, err := interp.ExecuteLine(context.Background(), "G1 X10")
	assert.Error(t, err)

	m.err = nil
	run(t, interp, "G91", "G1 X1")
	assertTarget(t, []float64{1, math.NaN(), math.NaN()}, m.moves[0].Target)
}
