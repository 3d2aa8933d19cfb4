package executor

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/tensor"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// doubleShard multiplies every F32 element by 2, mirroring scenario S4.
type doubleShard struct{ info ShardInfo }

func (d doubleShard) Info() ShardInfo { return d.info }

func (d doubleShard) Forward(t tensor.Frame) (tensor.Frame, error) {
	out := make([]byte, len(t.Data))
	for i := 0; i+4 <= len(t.Data); i += 4 {
		bits := binary.LittleEndian.Uint32(t.Data[i : i+4])
		f := math.Float32frombits(bits) * 2
		binary.LittleEndian.PutUint32(out[i:i+4], math.Float32bits(f))
	}
	return tensor.NewFrame(t.Shape, t.DType, out)
}

type singleHopLookup struct{}

func (singleHopLookup) Lookup(queue.TaskID) (HopInfo, bool) {
	return HopInfo{Role: RoleSingle}, true
}

type middleHopLookup struct {
	next string
	end  uint32
}

func (m middleHopLookup) Lookup(queue.TaskID) (HopInfo, bool) {
	return HopInfo{Role: RoleMiddle, EndLayer: m.end, NextAddress: m.next}, true
}

func decodeF32(t *testing.T, data []byte) []float32 {
	t.Helper()
	require.Equal(t, 0, len(data)%4)
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestSingleNodeForwardAndWait(t *testing.T) {
	addr := freeAddr(t)
	transport := tensor.NewTransport(logging.Nop())
	exec := New(logging.Nop(), doubleShard{}, transport, singleHopLookup{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go exec.ListenAndServe(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	data := []byte{0, 0, 128, 63} // 1.0 as F32 LE
	frame, err := tensor.NewFrame([]uint64{1}, tensor.F32, data)
	require.NoError(t, err)

	taskID := queue.TaskID{1}
	reply, err := transport.ForwardAndWait(context.Background(), addr, taskID, 0, frame, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, tensor.KindFinalOutput, reply.Kind)
	require.Equal(t, taskID, reply.TaskID)
}

// TestMiddleNodeForwardsTransformedTensor drives a Middle-role HopInfo
// through handleHiddenState and asserts both (a) the ProcessResponse ack
// carries the actually-transformed tensor, and (b) the next hop receives a
// HiddenState with that same transformed tensor, matching S4.
func TestMiddleNodeForwardsTransformedTensor(t *testing.T) {
	nextAddr := freeAddr(t)
	received := make(chan tensor.Message, 1)

	ln, err := net.Listen("tcp", nextAddr)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := wire.NewReader(conn).ReadFrame()
		if err != nil {
			return
		}
		msg, err := tensor.UnmarshalMessage(frame.Body)
		if err != nil {
			return
		}
		received <- msg
	}()

	middleAddr := freeAddr(t)
	transport := tensor.NewTransport(logging.Nop())
	exec := New(logging.Nop(), doubleShard{}, transport, middleHopLookup{next: nextAddr, end: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.ListenAndServe(ctx, middleAddr)
	time.Sleep(50 * time.Millisecond)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], math.Float32bits(1.0))
	binary.LittleEndian.PutUint32(data[4:8], math.Float32bits(3.5))
	frame, err := tensor.NewFrame([]uint64{2}, tensor.F32, data)
	require.NoError(t, err)

	taskID := queue.TaskID{2}
	ack, err := transport.ForwardAndWait(context.Background(), middleAddr, taskID, 0, frame, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, tensor.KindProcessResponse, ack.Kind)
	require.Equal(t, taskID, ack.TaskID)
	require.Equal(t, uint32(5), ack.EndLayer)
	require.Equal(t, []float32{2.0, 7.0}, decodeF32(t, ack.Tensor.Data))

	select {
	case fwd := <-received:
		require.Equal(t, tensor.KindHiddenState, fwd.Kind)
		require.Equal(t, taskID, fwd.TaskID)
		require.Equal(t, []float32{2.0, 7.0}, decodeF32(t, fwd.Tensor.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("next hop never received forwarded tensor")
	}
}
