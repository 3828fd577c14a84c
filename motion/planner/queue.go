package planner

import (
	"errors"
	"fmt"

	"motionlink/motion"
)

// ErrQueueFull is returned when the segment queue cannot take more output.
var ErrQueueFull = errors.New("planner: segment queue full")

// MoveQueue is a fixed size ring of planned segments between the builder
// and the synthesizer. The size is a power of two so indices wrap with a
// mask. One slot always stays free: the queue is full when end+1 == start
// modulo the size, so it holds at most size-1 segments.
type MoveQueue struct {
	buf   []motion.Segment
	mask  uint
	start uint // next segment to consume
	end   uint // next slot to fill
}

// NewMoveQueue creates a queue of size slots.
func NewMoveQueue(size int) (*MoveQueue, error) {
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("planner: queue size %d is not a power of two", size)
	}
	return &MoveQueue{buf: make([]motion.Segment, size), mask: uint(size - 1)}, nil
}

// Len returns the number of queued segments.
func (q *MoveQueue) Len() int { return int(q.end - q.start) }

// Cap returns how many segments the queue holds when full.
func (q *MoveQueue) Cap() int { return len(q.buf) - 1 }

// Free returns how many segments can still be pushed.
func (q *MoveQueue) Free() int { return q.Cap() - q.Len() }

// Full reports whether Push would fail.
func (q *MoveQueue) Full() bool { return (q.end+1)&q.mask == q.start&q.mask }

// Push appends a segment.
func (q *MoveQueue) Push(s motion.Segment) error {
	if q.Full() {
		return ErrQueueFull
	}
	q.buf[q.end&q.mask] = s
	q.end++
	return nil
}

// Next removes and returns the oldest segment.
func (q *MoveQueue) Next() (motion.Segment, bool) {
	if q.start == q.end {
		return motion.Segment{}, false
	}
	i := q.start & q.mask
	s := q.buf[i]
	q.buf[i] = motion.Segment{}
	q.start++
	return s, true
}

// Peek returns the oldest segment without removing it.
func (q *MoveQueue) Peek() (*motion.Segment, bool) {
	if q.start == q.end {
		return nil, false
	}
	return &q.buf[q.start&q.mask], true
}

// Reset drops every queued segment.
func (q *MoveQueue) Reset() {
	for i := range q.buf {
		q.buf[i] = motion.Segment{}
	}
	q.start, q.end = 0, 0
}
