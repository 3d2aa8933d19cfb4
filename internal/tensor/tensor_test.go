package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/queue"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte{0, 0, 128, 63, 0, 0, 0, 64} // two F32 values
	f, err := NewFrame([]uint64{2}, F32, data)
	require.NoError(t, err)

	decoded, err := Decode(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f.Shape, decoded.Shape)
	require.Equal(t, f.DType, decoded.DType)
	require.Equal(t, f.Data, decoded.Data)
	require.Equal(t, f.Checksum, decoded.Checksum)
}

func TestFrameRejectsShapeMismatch(t *testing.T) {
	_, err := NewFrame([]uint64{4}, F32, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestFrameRejectsUnsupportedDType(t *testing.T) {
	_, err := NewFrame([]uint64{1}, DType(99), []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	f, err := NewFrame([]uint64{1}, F32, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	encoded := f.Encode()
	encoded[len(encoded)-1] ^= 0xFF // corrupt last checksum byte
	_, err = Decode(encoded)
	require.Error(t, err)
}

func TestMessageMarshalUnmarshalHiddenState(t *testing.T) {
	f, err := NewFrame([]uint64{1}, F32, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	msg := Message{
		Kind:     KindHiddenState,
		TaskID:   queue.TaskID{9},
		LayerIdx: 3,
		Tensor:   f,
		Metadata: map[string]string{"origin": "head"},
	}
	decoded, err := UnmarshalMessage(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, msg.TaskID, decoded.TaskID)
	require.Equal(t, msg.LayerIdx, decoded.LayerIdx)
	require.Equal(t, msg.Metadata, decoded.Metadata)
	require.Equal(t, msg.Tensor.Data, decoded.Tensor.Data)
}

func TestMessageMarshalUnmarshalFinalOutput(t *testing.T) {
	msg := Message{
		Kind:        KindFinalOutput,
		TaskID:      queue.TaskID{7},
		Tokens:      []uint32{1, 2, 3},
		Text:        "hello",
		TotalTimeMs: 42,
	}
	decoded, err := UnmarshalMessage(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, msg.Tokens, decoded.Tokens)
	require.Equal(t, msg.Text, decoded.Text)
	require.Equal(t, msg.TotalTimeMs, decoded.TotalTimeMs)
}
