package protocol

import (
	"errors"
	"testing"
)

// TestReassembler_SplitChunks feeds a frame one byte at a time
func TestReassembler_SplitChunks(t *testing.T) {
	raw, err := Encode(Request{Cmd: CmdStatus, Data: []byte("abc")}, 5)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	r := NewReassembler()
	for i := 0; i < len(raw)-1; i++ {
		r.Write(raw[i : i+1])
		if _, ok, err := r.Next(); ok || err != nil {
			t.Fatalf("byte %d: expected incomplete, got ok=%v err=%v", i, ok, err)
		}
	}

	r.Write(raw[len(raw)-1:])
	frame, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame, got ok=%v err=%v", ok, err)
	}
	if string(frame) != string(raw) {
		t.Errorf("reassembled frame differs from original")
	}
	if r.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", r.Buffered())
	}
}

// TestReassembler_TwoFramesOneChunk checks that trailing bytes are kept
func TestReassembler_TwoFramesOneChunk(t *testing.T) {
	a, _ := Encode(Request{Cmd: CmdStatus}, 1)
	b, _ := Encode(Request{Cmd: CmdDrawer}, 2)

	r := NewReassembler()
	r.Write(append(append([]byte{}, a...), b...))

	first, ok, err := r.Next()
	if !ok || err != nil {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	second, ok, err := r.Next()
	if !ok || err != nil {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	if string(first) != string(a) || string(second) != string(b) {
		t.Error("frames came out in the wrong order or mangled")
	}
}

func TestReassembler_Garbage(t *testing.T) {
	r := NewReassembler()
	r.Write([]byte{0x55, 0x01})

	_, _, err := r.Next()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected Corrupt, got %v", err)
	}
}

func TestSequence_Wraps(t *testing.T) {
	s := NewSequence(254)
	got := []uint8{s.Next(), s.Next(), s.Next()}
	want := []uint8{254, 255, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("allocation %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if s.Peek() != 1 {
		t.Errorf("Peek() = %d, want 1", s.Peek())
	}
}
