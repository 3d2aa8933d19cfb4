// Package tensor implements TensorFrame encoding and the InferenceMessage
// tagged union (C9): typed tensors framed over the wire codec with a
// BLAKE3 checksum verified on decode.
package tensor

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/queue"
)

// DType is one of the three dtypes supported at the wire level.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) elemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Frame is a serialized tensor: shape, dtype, raw little-endian data, and a
// BLAKE3 checksum of data. Invariant: len(data) == product(shape)*elemSize.
type Frame struct {
	Shape    []uint64
	DType    DType
	Data     []byte
	Checksum [32]byte
}

// NewFrame builds a Frame from shape/dtype/data, validating the size
// invariant and computing the checksum.
func NewFrame(shape []uint64, dtype DType, data []byte) (Frame, error) {
	elemSize := dtype.elemSize()
	if elemSize == 0 {
		return Frame{}, grid.ErrUnsupportedDType.WithContext("dtype", dtype)
	}
	want := elemSize
	for _, s := range shape {
		want *= int(s)
	}
	if want != len(data) {
		return Frame{}, grid.ErrShapeMismatch.WithContext("want_bytes", want).WithContext("got_bytes", len(data))
	}
	return Frame{Shape: shape, DType: dtype, Data: data, Checksum: blake3.Sum256(data)}, nil
}

// Encode lays out shape_len(u32) ‖ shape(u64 LE each) ‖ dtype(u8) ‖
// data_len(u64 LE) ‖ data ‖ checksum(32B).
func (f Frame) Encode() []byte {
	buf := make([]byte, 0, 4+len(f.Shape)*8+1+8+len(f.Data)+32)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(f.Shape)))
	buf = append(buf, tmp4[:]...)
	for _, s := range f.Shape {
		var tmp8 [8]byte
		binary.LittleEndian.PutUint64(tmp8[:], s)
		buf = append(buf, tmp8[:]...)
	}
	buf = append(buf, byte(f.DType))
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(len(f.Data)))
	buf = append(buf, tmp8[:]...)
	buf = append(buf, f.Data...)
	buf = append(buf, f.Checksum[:]...)
	return buf
}

// Decode parses an encoded Frame and verifies the checksum before returning.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, grid.Tensor("frame too short for shape length", nil)
	}
	shapeLen := binary.LittleEndian.Uint32(buf[:4])
	off := 4
	shape := make([]uint64, shapeLen)
	for i := range shape {
		if off+8 > len(buf) {
			return Frame{}, grid.Tensor("frame too short for shape", nil)
		}
		shape[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	if off+1 > len(buf) {
		return Frame{}, grid.Tensor("frame too short for dtype", nil)
	}
	dtype := DType(buf[off])
	off++
	if dtype.elemSize() == 0 {
		return Frame{}, grid.ErrUnsupportedDType.WithContext("dtype", dtype)
	}
	if off+8 > len(buf) {
		return Frame{}, grid.Tensor("frame too short for data length", nil)
	}
	dataLen := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	if off+int(dataLen)+32 > len(buf) {
		return Frame{}, grid.Tensor("frame too short for data+checksum", nil)
	}
	data := buf[off : off+int(dataLen)]
	off += int(dataLen)
	var checksum [32]byte
	copy(checksum[:], buf[off:off+32])

	if blake3.Sum256(data) != checksum {
		return Frame{}, grid.ErrChecksumMismatch
	}
	return Frame{Shape: shape, DType: dtype, Data: data, Checksum: checksum}, nil
}

// MessageKind tags the InferenceMessage union's wire variant.
type MessageKind uint8

const (
	KindHiddenState MessageKind = iota
	KindProcessResponse
	KindFinalOutput
	KindError
)

// Message is the InferenceMessage tagged union of §3/§4.9-4.10. Only the
// fields relevant to Kind are populated.
type Message struct {
	Kind MessageKind

	TaskID queue.TaskID

	// HiddenState
	LayerIdx uint32
	Tensor   Frame
	Metadata map[string]string

	// ProcessResponse
	EndLayer        uint32
	ProcessingTimeMs uint64

	// FinalOutput
	Tokens      []uint32
	Text        string
	TotalTimeMs uint64

	// Error
	ErrMessage string
}
