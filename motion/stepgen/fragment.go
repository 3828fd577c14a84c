// Package stepgen samples planned segments at a fixed rate into per-motor
// step counts and packs them into fragments, the unit streamed to the
// executor.
package stepgen

import (
	"motionlink/motion"
)

// State is the lifecycle of a ring slot.
type State uint8

const (
	StateEmpty   State = iota
	StateFilling       // host writing samples
	StateQueued        // complete, awaiting transmission
	StateSending       // transmitted, executor owns it
	StateRunning       // executor is playing it
	StateRetired       // every sample consumed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateQueued:
		return "queued"
	case StateSending:
		return "sending"
	case StateRunning:
		return "running"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// Fragment is one block of step samples for every motor.
type Fragment struct {
	Seq     uint64 // position in the stream
	Slot    int    // ring slot, the executor's fragment index
	Len     int    // samples used
	Probing bool
	Active  uint32   // bit per motor that steps at least once
	Samples [][]int8 // [motor][sample]
	Done    int      // waypoints completed inside this fragment
	State   State

	snap snapshot
}

// Motors returns the number of motor sample rows.
func (f *Fragment) Motors() int { return len(f.Samples) }

// Steps returns the net step count of motor m over the fragment.
func (f *Fragment) Steps(m int) int64 {
	var n int64
	for _, s := range f.Samples[m][:f.Len] {
		n += int64(s)
	}
	return n
}

func (f *Fragment) reset() {
	f.Len = 0
	f.Probing = false
	f.Active = 0
	f.Done = 0
	for _, row := range f.Samples {
		clear(row)
	}
	f.snap = snapshot{}
}

// snapshot is the synthesizer state at the start of a fragment plus the
// segments it pulled while filling it, enough to re-derive any sample.
type snapshot struct {
	cur  cursor
	segs []motion.Segment
}

// Ring is the circular buffer of fragments shared with the executor.
//
// current counts committed fragments, sending those handed to the
// executor and running those the executor has finished. All three only
// grow; a slot is counter % size. At most size-1 fragments are ahead of
// running, the slot being filled included.
type Ring struct {
	frags   []Fragment
	samples int

	current uint64
	sending uint64
	running uint64
	filling bool
}

// NewRing creates a ring of size fragments of samples samples for motors
// motors.
func NewRing(size, motors, samples int) *Ring {
	r := &Ring{frags: make([]Fragment, size), samples: samples}
	for i := range r.frags {
		f := &r.frags[i]
		f.Slot = i
		f.Samples = make([][]int8, motors)
		for m := range f.Samples {
			f.Samples[m] = make([]int8, samples)
		}
	}
	return r
}

// Size returns the number of slots.
func (r *Ring) Size() int { return len(r.frags) }

// Samples returns the capacity of one fragment.
func (r *Ring) Samples() int { return r.samples }

// Queued returns committed fragments not yet handed to the executor.
func (r *Ring) Queued() int { return int(r.current - r.sending) }

// InFlight returns fragments the executor owns.
func (r *Ring) InFlight() int { return int(r.sending - r.running) }

// Outstanding returns every committed fragment not yet finished.
func (r *Ring) Outstanding() int { return int(r.current - r.running) }

// Running returns the sequence number of the oldest unfinished fragment.
func (r *Ring) Running() uint64 { return r.running }

// Begin claims the next slot for filling, or returns nil when the ring is
// full.
func (r *Ring) Begin() *Fragment {
	if r.filling {
		return &r.frags[r.current%uint64(len(r.frags))]
	}
	if r.current-r.running >= uint64(len(r.frags)-1) {
		return nil
	}
	f := &r.frags[r.current%uint64(len(r.frags))]
	f.reset()
	f.Seq = r.current
	f.State = StateFilling
	r.filling = true
	return f
}

// Commit queues the fragment being filled.
func (r *Ring) Commit() {
	if !r.filling {
		return
	}
	r.frags[r.current%uint64(len(r.frags))].State = StateQueued
	r.current++
	r.filling = false
}

// NextToSend returns the oldest queued fragment.
func (r *Ring) NextToSend() *Fragment {
	if r.sending == r.current {
		return nil
	}
	return &r.frags[r.sending%uint64(len(r.frags))]
}

// MarkSent hands the oldest queued fragment to the executor.
func (r *Ring) MarkSent() {
	if r.sending == r.current {
		return
	}
	r.frags[r.sending%uint64(len(r.frags))].State = StateSending
	r.sending++
}

// Complete retires count fragments and returns them oldest first.
func (r *Ring) Complete(count int) []*Fragment {
	var out []*Fragment
	for i := 0; i < count && r.running < r.sending; i++ {
		f := &r.frags[r.running%uint64(len(r.frags))]
		f.State = StateRetired
		out = append(out, f)
		r.running++
	}
	return out
}

// MarkRunning records that the executor is playing the fragment in slot. It
// reports false when no sent, unfinished fragment sits in that slot.
func (r *Ring) MarkRunning(slot int) bool {
	f, ok := r.Lookup(slot)
	if !ok {
		return false
	}
	f.State = StateRunning
	return true
}

// Head returns the oldest unfinished fragment, or nil when every
// committed fragment has finished.
func (r *Ring) Head() *Fragment {
	if r.running == r.current {
		return nil
	}
	return &r.frags[r.running%uint64(len(r.frags))]
}

// Lookup finds the fragment the executor owns in slot.
func (r *Ring) Lookup(slot int) (*Fragment, bool) {
	for seq := r.running; seq < r.sending; seq++ {
		if int(seq%uint64(len(r.frags))) == slot {
			return &r.frags[slot], true
		}
	}
	return nil, false
}

// Rewind drops every fragment the executor has not finished, the one
// being filled included.
func (r *Ring) Rewind() {
	for seq := r.running; seq <= r.current; seq++ {
		r.frags[seq%uint64(len(r.frags))].State = StateEmpty
	}
	r.current = r.running
	r.sending = r.running
	r.filling = false
}
