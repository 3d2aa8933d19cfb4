package tensor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// DefaultForwardTimeout is forward_and_wait's default deadline (§4.9).
const DefaultForwardTimeout = 120 * time.Second

const defaultDialTimeout = 10 * time.Second

// Transport implements send_tensor/forward_and_wait: one-shot TCP
// connections carrying length-prefixed InferenceMessage frames. A
// per-address circuit breaker trips after repeated failures so a dead hop
// stops being hammered (§9's retry/backpressure spirit, extended to C9).
type Transport struct {
	log         *logging.Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewTransport(log *logging.Logger) *Transport {
	return &Transport{
		log:         log.Named("tensor"),
		dialTimeout: defaultDialTimeout,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *Transport) breakerFor(addr string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[addr]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[addr] = b
	return b
}

// SendTensor dials addr, writes one InferenceMessage frame, and if
// waitReply is set, reads and decodes exactly one reply frame.
func (t *Transport) SendTensor(ctx context.Context, addr string, msg Message, waitReply bool) (*Message, error) {
	breaker := t.breakerFor(addr)
	result, err := breaker.Execute(func() (interface{}, error) {
		return t.sendTensor(ctx, addr, msg, waitReply)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	reply := result.(*Message)
	return reply, nil
}

func (t *Transport) sendTensor(ctx context.Context, addr string, msg Message, waitReply bool) (*Message, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, grid.Tensor("dial failed", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	w := wire.NewWriter(conn)
	if err := w.WriteFrame(wire.TagInferenceMessage, msg.Marshal()); err != nil {
		return nil, err
	}
	if !waitReply {
		return nil, nil
	}

	r := wire.NewReader(conn)
	frame, err := r.ReadFrame()
	if err != nil {
		return nil, grid.Tensor("read reply failed", err)
	}
	if frame.Tag != wire.TagInferenceMessage {
		return nil, grid.Protocol("unexpected reply frame tag", nil)
	}
	reply, err := UnmarshalMessage(frame.Body)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// ForwardAndWait sends a HiddenState and blocks until a ProcessResponse or
// Error carrying the same task_id arrives, or deadline elapses (default
// 120s). A ProcessResponse/Error with a mismatched task_id is a protocol
// error (§4.9).
func (t *Transport) ForwardAndWait(ctx context.Context, addr string, taskID queue.TaskID, layerIdx uint32, tensorFrame Frame, metadata map[string]string, deadline time.Duration) (*Message, error) {
	if deadline <= 0 {
		deadline = DefaultForwardTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req := Message{
		Kind:     KindHiddenState,
		TaskID:   taskID,
		LayerIdx: layerIdx,
		Tensor:   tensorFrame,
		Metadata: metadata,
	}
	reply, err := t.SendTensor(ctx, addr, req, true)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, grid.Tensor("no reply received", nil)
	}
	if reply.TaskID != taskID {
		return nil, grid.ErrTaskIDMismatch.WithContext("task_id", reply.TaskID)
	}
	switch reply.Kind {
	case KindProcessResponse, KindError, KindFinalOutput:
		// FinalOutput is accepted here too: a Tail or Single node replies
		// with its FinalOutput directly on the inbound hop rather than a
		// placeholder ProcessResponse (spec.md §9's resolved open question).
		return reply, nil
	default:
		return nil, grid.Protocol("unexpected message kind in forward_and_wait reply", nil)
	}
}
