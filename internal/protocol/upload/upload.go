// Package upload encodes the body that follows an UPLOAD_MATRIX frame:
// a fixed header, the thread-count list, then the row-major matrix.
package upload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/transposectl/internal/transpose"
)

const (
	HeaderLen = 12
	CellBytes = 4
)

var (
	ErrShortHeader       = errors.New("upload: short header")
	ErrShortBody         = errors.New("upload: short body")
	ErrByteCountMismatch = errors.New("upload: expected byte count does not match n*n*4")
	ErrMatrixTooLarge    = errors.New("upload: matrix dimension over limit")
	ErrTooManyConfigs    = errors.New("upload: configuration count over limit")
)

// Header precedes the configuration list and matrix cells.
type Header struct {
	N             uint32
	ConfigCount   uint32
	ExpectedBytes uint32
}

// Limits bounds what a peer may ask the reader to allocate. Zero means no cap.
type Limits struct {
	MaxDim     uint32
	MaxConfigs uint32
}

// Upload is one decoded matrix upload.
type Upload struct {
	Matrix  transpose.Matrix
	Configs []int
}

func NewHeader(n, configCount int) Header {
	return Header{
		N:             uint32(n),
		ConfigCount:   uint32(configCount),
		ExpectedBytes: uint32(uint64(n) * uint64(n) * CellBytes),
	}
}

func (h Header) Validate(limits Limits) error {
	want := uint64(h.N) * uint64(h.N) * CellBytes
	if uint64(h.ExpectedBytes) != want {
		return fmt.Errorf("%w: n=%d expected_bytes=%d", ErrByteCountMismatch, h.N, h.ExpectedBytes)
	}
	if limits.MaxDim > 0 && h.N > limits.MaxDim {
		return fmt.Errorf("%w: n=%d max=%d", ErrMatrixTooLarge, h.N, limits.MaxDim)
	}
	if limits.MaxConfigs > 0 && h.ConfigCount > limits.MaxConfigs {
		return fmt.Errorf("%w: count=%d max=%d", ErrTooManyConfigs, h.ConfigCount, limits.MaxConfigs)
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.N)
	binary.BigEndian.PutUint32(buf[4:8], h.ConfigCount)
	binary.BigEndian.PutUint32(buf[8:12], h.ExpectedBytes)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("upload: invalid header length: %d", len(b))
	}
	return Header{
		N:             binary.BigEndian.Uint32(b[0:4]),
		ConfigCount:   binary.BigEndian.Uint32(b[4:8]),
		ExpectedBytes: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// ClampConfig maps non-positive thread counts to 1.
func ClampConfig(v int32) int {
	if v <= 0 {
		return 1
	}
	return int(v)
}

// Write sends header, configs and matrix in the order Read expects.
func Write(w io.Writer, m transpose.Matrix, configs []int) error {
	body := make([]byte, 0, HeaderLen+CellBytes*(len(configs)+len(m.Cells)))
	body = append(body, EncodeHeader(NewHeader(m.N, len(configs)))...)
	for _, c := range configs {
		body = binary.BigEndian.AppendUint32(body, uint32(int32(c)))
	}
	for _, v := range m.Cells {
		body = binary.BigEndian.AppendUint32(body, uint32(v))
	}
	_, err := w.Write(body)
	return err
}

// Read consumes one upload body. Any error leaves the stream unusable.
func Read(r io.Reader, limits Limits) (Upload, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Upload{}, err
	}
	if err := h.Validate(limits); err != nil {
		return Upload{}, err
	}
	return ReadBody(r, h)
}

func ReadHeader(r io.Reader) (Header, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Header{}, shortRead(err, ErrShortHeader)
	}
	return DecodeHeader(hb[:])
}

// ReadBody reads the configs and cells announced by an already validated header.
func ReadBody(r io.Reader, h Header) (Upload, error) {
	raw := make([]byte, CellBytes*int(h.ConfigCount))
	if _, err := io.ReadFull(r, raw); err != nil {
		return Upload{}, shortRead(err, ErrShortBody)
	}
	configs := make([]int, h.ConfigCount)
	for i := range configs {
		configs[i] = ClampConfig(int32(binary.BigEndian.Uint32(raw[i*CellBytes:])))
	}

	n := int(h.N)
	m := transpose.NewMatrix(n)
	raw = make([]byte, h.ExpectedBytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Upload{}, shortRead(err, ErrShortBody)
	}
	for i := range m.Cells {
		m.Cells[i] = int32(binary.BigEndian.Uint32(raw[i*CellBytes:]))
	}
	return Upload{Matrix: m, Configs: configs}, nil
}

func shortRead(err, sentinel error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return sentinel
	}
	return err
}
