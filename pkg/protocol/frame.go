package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame layout:
//
//	PRE(0x01) | LEN(u16 BE) | SEQ | CMD | STATUS | DATA... | CRC16(u16 BE) | ETX(0x03)
//
// LEN counts SEQ, CMD, STATUS and DATA. The CRC covers LEN through DATA.
const (
	Preamble   = 0x01
	Terminator = 0x03

	MaxDataLen = 4096

	lenOffset   = 1
	bodyOffset  = 3 // first byte after PRE and LEN
	minBodyLen  = 3 // SEQ + CMD + STATUS
	trailerLen  = 3 // CRC16 + ETX
	MinFrameLen = bodyOffset + minBodyLen + trailerLen
)

// Frame is a decoded wire frame. Requests carry Status 0.
type Frame struct {
	Seq    uint8
	Cmd    byte
	Status byte
	Data   []byte
}

// Request is a device command before a sequence number is assigned
type Request struct {
	Cmd  byte
	Data []byte
}

func (r Request) String() string {
	return fmt.Sprintf("%s(%d bytes)", CommandName(r.Cmd), len(r.Data))
}

// Encode serializes a request with the given sequence number. The output
// depends only on the request and seq.
func Encode(req Request, seq uint8) ([]byte, error) {
	return Marshal(Frame{Seq: seq, Cmd: req.Cmd, Data: req.Data})
}

// Marshal serializes any frame, including device responses
func Marshal(f Frame) ([]byte, error) {
	if len(f.Data) > MaxDataLen {
		return nil, fmt.Errorf("frame data too large: %d > %d bytes", len(f.Data), MaxDataLen)
	}

	bodyLen := minBodyLen + len(f.Data)
	buf := make([]byte, bodyOffset+bodyLen+trailerLen)

	buf[0] = Preamble
	binary.BigEndian.PutUint16(buf[lenOffset:bodyOffset], uint16(bodyLen))
	buf[3] = f.Seq
	buf[4] = f.Cmd
	buf[5] = f.Status
	copy(buf[6:], f.Data)

	crcEnd := bodyOffset + bodyLen
	binary.BigEndian.PutUint16(buf[crcEnd:crcEnd+2], CRC16(buf[lenOffset:crcEnd]))
	buf[crcEnd+2] = Terminator

	return buf, nil
}

// FrameLength returns the total length of the frame starting at buf[0] once
// its header is buffered
func FrameLength(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}
	if buf[0] != Preamble {
		return 0, corrupt("bad preamble 0x%02x", buf[0])
	}
	if len(buf) < bodyOffset {
		return 0, ErrIncomplete
	}

	bodyLen := int(binary.BigEndian.Uint16(buf[lenOffset:bodyOffset]))
	if bodyLen < minBodyLen || bodyLen > minBodyLen+MaxDataLen {
		return 0, corrupt("bad length %d", bodyLen)
	}

	return bodyOffset + bodyLen + trailerLen, nil
}

// Decode validates and parses the frame at the start of buf. It returns the
// frame and the number of bytes it occupied. When buf holds only part of a
// frame the error is Incomplete and the caller must keep buffering.
func Decode(buf []byte, expectSeq uint8) (*Frame, int, error) {
	f, n, err := Unmarshal(buf)
	if err != nil {
		return nil, 0, err
	}
	if f.Seq != expectSeq {
		return f, n, &FrameError{
			Kind:   FrameSequenceMismatch,
			Detail: fmt.Sprintf("expected seq %d, got %d", expectSeq, f.Seq),
		}
	}
	return f, n, nil
}

// Unmarshal parses a frame without checking its sequence number
func Unmarshal(buf []byte) (*Frame, int, error) {
	total, err := FrameLength(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	crcEnd := total - trailerLen
	if buf[total-1] != Terminator {
		return nil, 0, corrupt("bad terminator 0x%02x", buf[total-1])
	}

	want := binary.BigEndian.Uint16(buf[crcEnd : crcEnd+2])
	if got := CRC16(buf[lenOffset:crcEnd]); got != want {
		return nil, 0, corrupt("crc mismatch: got %04X, expected %04X", got, want)
	}

	data := make([]byte, crcEnd-6)
	copy(data, buf[6:crcEnd])

	return &Frame{
		Seq:    buf[3],
		Cmd:    buf[4],
		Status: buf[5],
		Data:   data,
	}, total, nil
}
