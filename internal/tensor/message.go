package tensor

import (
	"encoding/binary"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// Marshal encodes a Message body (the wire.Frame's payload, after the
// codec's own length-prefix/tag; this tag is the InferenceMessage variant,
// distinct from wire.Tag which only says "this is an inference message").
func (m Message) Marshal() []byte {
	buf := []byte{byte(m.Kind)}
	buf = append(buf, m.TaskID[:]...)

	switch m.Kind {
	case KindHiddenState:
		buf = appendU32(buf, m.LayerIdx)
		buf = appendBytes(buf, m.Tensor.Encode())
		buf = appendU16(buf, uint16(len(m.Metadata)))
		for k, v := range m.Metadata {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
	case KindProcessResponse:
		buf = appendU32(buf, m.EndLayer)
		buf = appendBytes(buf, m.Tensor.Encode())
		buf = appendU64(buf, m.ProcessingTimeMs)
	case KindFinalOutput:
		buf = appendU32(buf, uint32(len(m.Tokens)))
		for _, t := range m.Tokens {
			buf = appendU32(buf, t)
		}
		buf = appendString(buf, m.Text)
		buf = appendU64(buf, m.TotalTimeMs)
	case KindError:
		buf = appendString(buf, m.ErrMessage)
	}
	return buf
}

// UnmarshalMessage decodes a Message previously produced by Marshal.
func UnmarshalMessage(buf []byte) (Message, error) {
	if len(buf) < 1+32 {
		return Message{}, grid.Tensor("message too short", nil)
	}
	kind := MessageKind(buf[0])
	off := 1
	var m Message
	m.Kind = kind
	copy(m.TaskID[:], buf[off:off+32])
	off += 32

	var err error
	switch kind {
	case KindHiddenState:
		if m.LayerIdx, off, err = readU32(buf, off); err != nil {
			return Message{}, err
		}
		var tensorBytes []byte
		if tensorBytes, off, err = readBytes(buf, off); err != nil {
			return Message{}, err
		}
		if m.Tensor, err = Decode(tensorBytes); err != nil {
			return Message{}, err
		}
		var n uint16
		if n, off, err = readU16(buf, off); err != nil {
			return Message{}, err
		}
		m.Metadata = make(map[string]string, n)
		for i := 0; i < int(n); i++ {
			var k, v string
			if k, off, err = readString(buf, off); err != nil {
				return Message{}, err
			}
			if v, off, err = readString(buf, off); err != nil {
				return Message{}, err
			}
			m.Metadata[k] = v
		}
	case KindProcessResponse:
		if m.EndLayer, off, err = readU32(buf, off); err != nil {
			return Message{}, err
		}
		var tensorBytes []byte
		if tensorBytes, off, err = readBytes(buf, off); err != nil {
			return Message{}, err
		}
		if m.Tensor, err = Decode(tensorBytes); err != nil {
			return Message{}, err
		}
		if m.ProcessingTimeMs, off, err = readU64(buf, off); err != nil {
			return Message{}, err
		}
	case KindFinalOutput:
		var n uint32
		if n, off, err = readU32(buf, off); err != nil {
			return Message{}, err
		}
		m.Tokens = make([]uint32, n)
		for i := range m.Tokens {
			if m.Tokens[i], off, err = readU32(buf, off); err != nil {
				return Message{}, err
			}
		}
		if m.Text, off, err = readString(buf, off); err != nil {
			return Message{}, err
		}
		if m.TotalTimeMs, off, err = readU64(buf, off); err != nil {
			return Message{}, err
		}
	case KindError:
		if m.ErrMessage, off, err = readString(buf, off); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, grid.Protocol("unknown inference message kind", nil)
	}
	return m, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf, data []byte) []byte {
	buf = appendU64(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func readU16(buf []byte, off int) (uint16, int, error) {
	if off+2 > len(buf) {
		return 0, off, grid.Tensor("truncated u16", nil)
	}
	return binary.LittleEndian.Uint16(buf[off : off+2]), off + 2, nil
}

func readU32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, grid.Tensor("truncated u32", nil)
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), off + 4, nil
}

func readU64(buf []byte, off int) (uint64, int, error) {
	if off+8 > len(buf) {
		return 0, off, grid.Tensor("truncated u64", nil)
	}
	return binary.LittleEndian.Uint64(buf[off : off+8]), off + 8, nil
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	n, off, err := readU64(buf, off)
	if err != nil {
		return nil, off, err
	}
	if off+int(n) > len(buf) {
		return nil, off, grid.Tensor("truncated byte field", nil)
	}
	return buf[off : off+int(n)], off + int(n), nil
}

func readString(buf []byte, off int) (string, int, error) {
	b, off, err := readBytes(buf, off)
	if err != nil {
		return "", off, err
	}
	return string(b), off, nil
}
