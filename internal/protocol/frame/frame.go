package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PayloadCap is the fixed command payload capacity in bytes.
	PayloadCap = 256
	// LengthLen is the size of the declared-length prefix.
	LengthLen = 4
	// Size is the full on-wire size of one frame.
	Size = LengthLen + PayloadCap
)

var (
	ErrShortFrame      = errors.New("frame: short frame")
	ErrLengthOverflow  = errors.New("frame: declared length exceeds payload capacity")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one fixed-size command unit.
// Only the first Length bytes of Payload are meaningful.
type Frame struct {
	Length  uint32
	Payload [PayloadCap]byte
}

// Encode packs cmd into a frame.
func Encode(cmd string) (Frame, error) {
	if len(cmd) > PayloadCap {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(cmd), PayloadCap)
	}
	var f Frame
	f.Length = uint32(len(cmd))
	copy(f.Payload[:], cmd)
	return f, nil
}

// Command returns the meaningful payload as a string.
func (f Frame) Command() (string, error) {
	if f.Length > PayloadCap {
		return "", fmt.Errorf("%w: %d", ErrLengthOverflow, f.Length)
	}
	return string(f.Payload[:f.Length]), nil
}

func Marshal(f Frame) []byte {
	buf := make([]byte, Size)
	binary.BigEndian.PutUint32(buf[0:LengthLen], f.Length)
	copy(buf[LengthLen:], f.Payload[:])
	return buf
}

func Unmarshal(b []byte) (Frame, error) {
	if len(b) != Size {
		return Frame{}, fmt.Errorf("frame: invalid frame length: %d", len(b))
	}
	var f Frame
	f.Length = binary.BigEndian.Uint32(b[0:LengthLen])
	copy(f.Payload[:], b[LengthLen:])
	return f, nil
}

func ReadFrame(r io.Reader) (Frame, error) {
	var buf [Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	return Unmarshal(buf[:])
}

func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Marshal(f))
	return err
}

// ReadCommand reads one complete frame and returns its command string.
func ReadCommand(r io.Reader) (string, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return "", err
	}
	return f.Command()
}

// WriteCommand encodes cmd and writes the whole frame image in one call.
func WriteCommand(w io.Writer, cmd string) error {
	f, err := Encode(cmd)
	if err != nil {
		return err
	}
	return WriteFrame(w, f)
}
