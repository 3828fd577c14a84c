package protocol

// OutputMax is the capacity of a ScratchOutput: enough for a few packets plus
// any control bytes queued in the same poll.
const OutputMax = 4 * MaxPacket

// InputBuffer is the receive side seen by the device transport.
type InputBuffer interface {
	// Data returns the buffered bytes
	Data() []byte

	// Available returns the number of buffered bytes
	Available() int

	// Pop discards n bytes from the front
	Pop(n int)
}

// OutputBuffer is the transmit side seen by the device transport and by
// argument encoders.
type OutputBuffer interface {
	// Output appends data
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update overwrites a byte already written
	Update(pos int, val byte)

	// DataSince returns everything written after pos
	DataSince(pos int) []byte
}

// SliceInputBuffer adapts a byte slice to InputBuffer.
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer wraps data.
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is a fixed-size OutputBuffer. Writes past the end are
// truncated; Overflowed reports when that happened.
type ScratchOutput struct {
	buf      [OutputMax]byte
	pos      int
	overflow bool
}

// NewScratchOutput creates an empty ScratchOutput.
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflow = true
	}
}

func (s *ScratchOutput) CurPosition() int { return s.pos }

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns the bytes written so far.
func (s *ScratchOutput) Result() []byte { return s.buf[:s.pos] }

// Overflowed reports whether any write was truncated since the last Reset.
func (s *ScratchOutput) Overflowed() bool { return s.overflow }

// Reset empties the buffer.
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflow = false
}

// FifoBuffer is a circular byte queue used for serial receive data.
type FifoBuffer struct {
	buf   []byte
	head  int // next byte to read
	count int
}

// NewFifoBuffer creates a FifoBuffer holding up to capacity-1 bytes, one
// slot is kept free like a classic ring.
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the count written.
func (f *FifoBuffer) Write(data []byte) int {
	written := 0
	for _, b := range data {
		if f.Free() == 0 {
			break
		}
		f.buf[(f.head+f.count)%len(f.buf)] = b
		f.count++
		written++
	}
	return written
}

// Read moves up to len(data) bytes out of the queue.
func (f *FifoBuffer) Read(data []byte) int {
	n := 0
	for n < len(data) && f.count > 0 {
		data[n] = f.buf[f.head]
		f.head = (f.head + 1) % len(f.buf)
		f.count--
		n++
	}
	return n
}

// Available returns the number of queued bytes.
func (f *FifoBuffer) Available() int { return f.count }

// Free returns the remaining capacity.
func (f *FifoBuffer) Free() int { return len(f.buf) - 1 - f.count }

// Data returns the queued bytes as one contiguous slice. A wrapped queue is
// copied.
func (f *FifoBuffer) Data() []byte {
	end := f.head + f.count
	if end <= len(f.buf) {
		return f.buf[f.head:end]
	}
	out := make([]byte, f.count)
	n := copy(out, f.buf[f.head:])
	copy(out[n:], f.buf[:end-len(f.buf)])
	return out
}

// Pop discards n bytes from the front.
func (f *FifoBuffer) Pop(n int) {
	if n > f.count {
		n = f.count
	}
	f.head = (f.head + n) % len(f.buf)
	f.count -= n
}

// IsEmpty reports whether nothing is queued.
func (f *FifoBuffer) IsEmpty() bool { return f.count == 0 }

// Reset empties the queue.
func (f *FifoBuffer) Reset() {
	f.head = 0
	f.count = 0
}
