package stepgen

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionlink/motion"
	"motionlink/motion/kinematics"
	"motionlink/motion/planner"
)

const (
	testSamples = 64
	testPeriod  = 500 * time.Microsecond
)

type rig struct {
	machine *kinematics.Machine
	queue   *planner.MoveQueue
	builder *planner.Builder
	ring    *Ring
	synth   *Synthesizer
}

func newRig(t *testing.T, maxSteps int, deviation float64) *rig {
	t.Helper()
	m, err := kinematics.NewMachine(
		kinematics.NewCartesian(make([]kinematics.Bounds, 2)),
		kinematics.NewExtruder(1),
		[]float64{80, 80, 96},
	)
	require.NoError(t, err)
	q, err := planner.NewMoveQueue(1024)
	require.NoError(t, err)
	b, err := planner.NewBuilder(planner.Config{
		MaxVelocity:             200,
		MaxAcceleration:         3000,
		MaxJerk:                 1e5,
		MaxDeviation:            deviation,
		DefaultFeedrate:         50,
		ReversalTolerance:       1e-3,
		NegativeLengthTolerance: 1e-2,
		ArcResolution:           0.5,
		LookaheadDepth:          16,
	}, 2, 1, q, nil)
	require.NoError(t, err)
	ring := NewRing(8, m.NumMotors(), testSamples)
	s := New(m, ring, q, Config{SamplePeriod: testPeriod, MaxStepsPerSample: maxSteps}, nil)
	return &rig{machine: m, queue: q, builder: b, ring: ring, synth: s}
}

func (r *rig) plan(t *testing.T, wps ...motion.Waypoint) {
	t.Helper()
	for _, wp := range wps {
		require.NoError(t, r.builder.Add(wp))
	}
	require.NoError(t, r.builder.Flush())
}

// run plays everything queued, handing each committed fragment to visit
// before the executor retires it.
func (r *rig) run(t *testing.T, visit func(f *Fragment)) {
	t.Helper()
	for i := 0; !r.synth.Idle(); i++ {
		require.Less(t, i, 100000, "synthesizer never went idle")
		r.synth.Fill()
		for f := r.ring.NextToSend(); f != nil; f = r.ring.NextToSend() {
			if visit != nil {
				visit(f)
			}
			r.ring.MarkSent()
			r.ring.Complete(1)
		}
	}
}

func to(e float64, target ...float64) motion.Waypoint {
	return motion.Waypoint{Target: target, E: e, Feedrate: 50}
}

func TestRightAngleHasNoDrift(t *testing.T) {
	r := newRig(t, 32, 1e-4)
	r.plan(t, to(math.NaN(), 10, 0), to(math.NaN(), 10, 10))

	total := make([]int64, 3)
	done := 0
	frags := 0
	r.run(t, func(f *Fragment) {
		for m := range total {
			total[m] += f.Steps(m)
		}
		done += f.Done
		frags++
	})

	assert.Equal(t, []int64{800, 800, 0}, total)
	assert.Equal(t, []int64{800, 800, 0}, r.synth.Steps())
	assert.Equal(t, 2, done)
	assert.Greater(t, frags, 1)
	assert.Zero(t, r.synth.Stats().Clipped)

	axes, _ := r.synth.Position()
	assert.InDeltaSlice(t, []float64{10, 10}, axes, 1e-6)
}

func TestReplayMatchesSamples(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.plan(t, to(1, 10, 0), to(2, 10, 10), to(math.NaN(), 0, 0))

	pos := make([]int64, 3)
	r.run(t, func(f *Fragment) {
		for _, p := range []int{0, 5, f.Len / 2, f.Len} {
			steps, axes, _ := r.synth.Replay(f, p)
			want := make([]int64, len(pos))
			for m := range want {
				want[m] = pos[m]
				for _, s := range f.Samples[m][:min(p, f.Len)] {
					want[m] += int64(s)
				}
			}
			require.Equal(t, want, steps, "fragment %d sample %d", f.Seq, p)

			// the sampled axes and the integer steps agree to a step
			direct, _ := r.machine.StepsToAxes(steps)
			assert.InDeltaSlice(t, direct, axes, 1.0/80, "fragment %d sample %d", f.Seq, p)
		}
		for m := range pos {
			pos[m] += f.Steps(m)
		}
	})
	assert.Equal(t, []int64{0, 0, 192}, pos)
}

func TestLimitReplayAtSampleFive(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.plan(t, to(math.NaN(), 20, 5))

	var (
		pos    = make([]int64, 3)
		before []int64
		target *Fragment
	)
	for i := 0; i < 100 && target == nil; i++ {
		r.synth.Fill()
		for f := r.ring.NextToSend(); f != nil; f = r.ring.NextToSend() {
			if f.Seq == 2 {
				target = f
				before = append([]int64(nil), pos...)
				break
			}
			for m := range pos {
				pos[m] += f.Steps(m)
			}
			r.ring.MarkSent()
			r.ring.Complete(1)
		}
	}
	require.NotNil(t, target)

	steps, axes, _ := r.synth.Replay(target, 5)
	for m := range before {
		want := before[m]
		for _, s := range target.Samples[m][:5] {
			want += int64(s)
		}
		assert.Equal(t, want, steps[m], "motor %d", m)
	}
	assert.Greater(t, steps[0], int64(0))
	direct, _ := r.machine.StepsToAxes(steps)
	assert.InDeltaSlice(t, direct, axes, 1.0/80)
}

func TestClippedStepsCatchUp(t *testing.T) {
	r := newRig(t, 1, 0.05)
	fast := to(math.NaN(), 30, 0)
	fast.Feedrate = 200
	r.plan(t, fast)

	total := int64(0)
	r.run(t, func(f *Fragment) {
		for _, s := range f.Samples[0][:f.Len] {
			require.LessOrEqual(t, int64(s), int64(1))
			require.GreaterOrEqual(t, int64(s), int64(-1))
		}
		total += f.Steps(0)
	})
	assert.Equal(t, int64(2400), total)
	assert.Positive(t, r.synth.Stats().Clipped)
}

func TestShortFragmentWhenDrained(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.plan(t, to(math.NaN(), 0.05, 0))

	var frags []*Fragment
	r.run(t, func(f *Fragment) {
		frags = append(frags, f)
	})
	require.NotEmpty(t, frags)
	last := frags[len(frags)-1]
	assert.Less(t, last.Len, testSamples)
	assert.Equal(t, uint32(1), last.Active&1)
	assert.Zero(t, last.Active&2)
	assert.True(t, r.synth.Idle())
	assert.Zero(t, r.synth.Fill())
}

func TestDwellEmitsEmptySamples(t *testing.T) {
	r := newRig(t, 32, 0.05)
	require.NoError(t, r.builder.Dwell(20*time.Millisecond, 1))

	samples := 0
	done := 0
	r.run(t, func(f *Fragment) {
		samples += f.Len
		done += f.Done
		assert.Zero(t, f.Active)
	})
	assert.InDelta(t, 40, samples, 1)
	assert.Equal(t, 1, done)
}

func TestProbingFlag(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.synth.SetProbing(true)
	r.plan(t, to(math.NaN(), 1, 0))

	n := 0
	r.run(t, func(f *Fragment) {
		assert.True(t, f.Probing)
		n++
	})
	assert.Positive(t, n)
}

func TestResetRestartsFromPosition(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.synth.Reset([]int64{400, -80, 0}, []float64{5, -1}, []float64{0})
	r.builder.Reset([]float64{5, -1}, []float64{0})
	r.plan(t, to(math.NaN(), 6, -1))

	r.run(t, nil)
	assert.Equal(t, []int64{480, -80, 0}, r.synth.Steps())
}

func TestResetDerivesSteps(t *testing.T) {
	r := newRig(t, 32, 0.05)
	r.synth.Reset(nil, []float64{1.5, 2}, []float64{0.5})
	assert.Equal(t, []int64{120, 160, 48}, r.synth.Steps())
	assert.True(t, r.synth.Idle())
}
