package protocol

import (
	"bytes"
	"testing"
)

func TestSliceInputBufferPop(t *testing.T) {
	buf := NewSliceInputBuffer([]byte{1, 2, 3, 4, 5})
	for _, tc := range []struct {
		pop  int
		want []byte
	}{
		{0, []byte{1, 2, 3, 4, 5}},
		{2, []byte{3, 4, 5}},
		{10, []byte{}},
	} {
		buf.Pop(tc.pop)
		if !bytes.Equal(buf.Data(), tc.want) || buf.Available() != len(tc.want) {
			t.Errorf("after Pop(%d): got %v (%d available), want %v", tc.pop, buf.Data(), buf.Available(), tc.want)
		}
	}
}

// Packets are encoded by writing the length byte first and patching it once
// the arguments are known.
func TestScratchOutputPatchesEarlierBytes(t *testing.T) {
	scratch := NewScratchOutput()
	scratch.Output([]byte{0, 0x21})
	start := scratch.CurPosition()
	scratch.Output([]byte{7, 8, 9})
	scratch.Update(0, byte(scratch.CurPosition()))
	scratch.Update(100, 1) // past the end, ignored

	if got, want := scratch.Result(), []byte{5, 0x21, 7, 8, 9}; !bytes.Equal(got, want) {
		t.Errorf("Result() = %v, want %v", got, want)
	}
	if got := scratch.DataSince(start); !bytes.Equal(got, []byte{7, 8, 9}) {
		t.Errorf("DataSince(%d) = %v", start, got)
	}
	if got := scratch.DataSince(6); got != nil {
		t.Errorf("DataSince past the end = %v, want nil", got)
	}

	scratch.Reset()
	if scratch.CurPosition() != 0 || len(scratch.Result()) != 0 {
		t.Errorf("after Reset: position %d", scratch.CurPosition())
	}
}

func TestScratchOutputOverflow(t *testing.T) {
	scratch := NewScratchOutput()
	scratch.Output(make([]byte, OutputMax-1))
	if scratch.Overflowed() {
		t.Error("Should not overflow below capacity")
	}
	scratch.Output([]byte{1, 2})
	if !scratch.Overflowed() {
		t.Error("Expected overflow to be reported")
	}
	if scratch.CurPosition() != OutputMax {
		t.Errorf("Expected position %d, got %d", OutputMax, scratch.CurPosition())
	}
	scratch.Reset()
	if scratch.Overflowed() {
		t.Error("Reset should clear the overflow flag")
	}
}

func TestFifoBufferKeepsOneSlotFree(t *testing.T) {
	fifo := NewFifoBuffer(10)
	if !fifo.IsEmpty() || fifo.Free() != 9 {
		t.Fatalf("new FIFO: empty=%v free=%d", fifo.IsEmpty(), fifo.Free())
	}
	if n := fifo.Write(make([]byte, 12)); n != 9 {
		t.Errorf("Write of 12 bytes stored %d, want 9", n)
	}
	if n := fifo.Write([]byte{1}); n != 0 {
		t.Errorf("Write to a full FIFO stored %d", n)
	}
}

func TestFifoBufferWrapAround(t *testing.T) {
	fifo := NewFifoBuffer(6)
	fifo.Write([]byte{1, 2, 3, 4})

	head := make([]byte, 2)
	if n := fifo.Read(head); n != 2 || !bytes.Equal(head, []byte{1, 2}) {
		t.Fatalf("Read = %d %v", n, head)
	}
	fifo.Pop(1)
	if n := fifo.Write([]byte{5, 6, 7}); n != 3 {
		t.Fatalf("wrapped Write stored %d", n)
	}

	// Data copies a wrapped queue into one slice
	if got := fifo.Data(); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("Data() = %v, want [4 5 6 7]", got)
	}
	rest := make([]byte, 8)
	if n := fifo.Read(rest); n != 4 || !bytes.Equal(rest[:n], []byte{4, 5, 6, 7}) {
		t.Errorf("Read = %d %v", n, rest[:n])
	}
	if !fifo.IsEmpty() {
		t.Error("FIFO should be empty after reading everything")
	}
}
