// Package executor implements the distributed executor (C10): a per-node
// listener on the tensor port that dispatches InferenceMessage variants to
// the local model shard and relays results along a pipeline.
package executor

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/tensor"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// Role is this node's position in a pipeline run (§3 PipelineRole).
type Role uint8

const (
	RoleHead Role = iota
	RoleMiddle
	RoleTail
	RoleSingle
)

// ShardInfo answers the abstract "Model shard" collaborator's info() call
// (§6): the role and layer range this node's shard owns.
type ShardInfo struct {
	Role       Role
	StartLayer uint32
	EndLayer   uint32
	HiddenSize uint32
	VocabSize  uint32
}

// ModelShard is the abstract forward(tensor) -> tensor collaborator (§6).
// It is out of scope to implement the math itself; the executor only
// dispatches to it. A shard object holds only its assigned layer range
// (HEAD additionally owns embeddings, TAIL owns final norm + output head,
// per §4.10) — that detail lives in the concrete ModelShard the caller
// wires in, not here.
type ModelShard interface {
	Forward(t tensor.Frame) (tensor.Frame, error)
	Info() ShardInfo
}

const metadataOriginatorAddr = "originator_addr"

// HopInfo is what the executor needs to know about a task's pipeline
// placement to dispatch correctly: this node's role, and (for non-tail
// roles) where to forward the transformed tensor next.
type HopInfo struct {
	Role        Role
	StartLayer  uint32
	EndLayer    uint32
	NextAddress string // empty for Tail/Single
}

// PipelineLookup resolves a task_id to this node's placement in the active
// pipeline run. Owned by the pipeline coordinator (C11); the executor only
// reads it.
type PipelineLookup interface {
	Lookup(taskID queue.TaskID) (HopInfo, bool)
}

// Executor runs the tensor-port listener and dispatches inbound messages.
type Executor struct {
	log       *logging.Logger
	shard     ModelShard
	transport *tensor.Transport
	lookup    PipelineLookup
	sem       *semaphore.Weighted

	mu          sync.Mutex
	headWaiters map[queue.TaskID]chan tensor.Message

	listener net.Listener
}

// New builds an Executor whose shard-forward gate is sized cores/2 per
// spec.md §9's Open Questions recommendation (minimum 1).
func New(log *logging.Logger, shard ModelShard, transport *tensor.Transport, lookup PipelineLookup) *Executor {
	gate := runtime.NumCPU() / 2
	if gate < 1 {
		gate = 1
	}
	return &Executor{
		log:         log.Named("executor"),
		shard:       shard,
		transport:   transport,
		lookup:      lookup,
		sem:         semaphore.NewWeighted(int64(gate)),
		headWaiters: make(map[queue.TaskID]chan tensor.Message),
	}
}

// ListenAndServe accepts connections on listenAddr until ctx is cancelled.
func (e *Executor) ListenAndServe(ctx context.Context, listenAddr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return grid.Tensor("listen failed", err)
	}
	e.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return grid.Tensor("accept failed", err)
			}
		}
		go e.handleConn(ctx, conn)
	}
}

func (e *Executor) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := wire.NewReader(conn)
	frame, err := r.ReadFrame()
	if err != nil {
		return
	}
	if frame.Tag != wire.TagInferenceMessage {
		return
	}
	msg, err := tensor.UnmarshalMessage(frame.Body)
	if err != nil {
		e.log.Warn("malformed inference message", logging.Err(err))
		return
	}

	switch msg.Kind {
	case tensor.KindHiddenState:
		e.handleHiddenState(ctx, conn, msg)
	case tensor.KindFinalOutput, tensor.KindError:
		e.deliverToHeadWaiter(msg)
	}
}

func (e *Executor) handleHiddenState(ctx context.Context, conn net.Conn, msg tensor.Message) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	start := time.Now()

	hop, ok := e.lookup.Lookup(msg.TaskID)
	if !ok {
		e.reply(conn, errorMessage(msg.TaskID, "no pipeline placement for task"))
		return
	}

	out, err := e.shard.Forward(msg.Tensor)
	if err != nil {
		e.reply(conn, errorMessage(msg.TaskID, err.Error()))
		return
	}

	if hop.Role == RoleTail || hop.Role == RoleSingle {
		final := tensor.Message{
			Kind:        tensor.KindFinalOutput,
			TaskID:      msg.TaskID,
			Tokens:      decodeTokens(out),
			TotalTimeMs: uint64(time.Since(start).Milliseconds()),
		}
		if originator, ok := msg.Metadata[metadataOriginatorAddr]; ok && originator != "" {
			if _, sendErr := e.transport.SendTensor(ctx, originator, final, false); sendErr != nil {
				e.log.Warn("failed to deliver final output to originator", logging.Err(sendErr))
			}
		}
		e.reply(conn, final)
		return
	}

	// Middle/Head: fire the transformed tensor to the next hop without
	// blocking this dispatch on its completion, then ack the caller.
	fwdMsg := tensor.Message{
		Kind:     tensor.KindHiddenState,
		TaskID:   msg.TaskID,
		LayerIdx: hop.EndLayer,
		Tensor:   out,
		Metadata: msg.Metadata,
	}
	if _, err := e.transport.SendTensor(ctx, hop.NextAddress, fwdMsg, false); err != nil {
		e.reply(conn, errorMessage(msg.TaskID, "forward to next hop failed: "+err.Error()))
		return
	}

	ack := tensor.Message{
		Kind:             tensor.KindProcessResponse,
		TaskID:           msg.TaskID,
		EndLayer:         hop.EndLayer,
		Tensor:           out,
		ProcessingTimeMs: uint64(time.Since(start).Milliseconds()),
	}
	e.reply(conn, ack)
}

func (e *Executor) reply(conn net.Conn, msg tensor.Message) {
	w := wire.NewWriter(conn)
	if err := w.WriteFrame(wire.TagInferenceMessage, msg.Marshal()); err != nil {
		e.log.Warn("failed to write reply", logging.Err(err))
	}
}

func errorMessage(taskID queue.TaskID, reason string) tensor.Message {
	return tensor.Message{Kind: tensor.KindError, TaskID: taskID, ErrMessage: reason}
}

// decodeTokens is a placeholder bridging the raw output tensor to the
// FinalOutput's token list; the real tokenizer is a collaborator outside
// this module's scope (§6).
func decodeTokens(tensor.Frame) []uint32 {
	return nil
}

// RegisterHeadWaiter lets the Head side of a pipeline run block for the
// eventual FinalOutput/Error that the Tail delivers asynchronously to this
// node's originator address.
func (e *Executor) RegisterHeadWaiter(taskID queue.TaskID) <-chan tensor.Message {
	ch := make(chan tensor.Message, 1)
	e.mu.Lock()
	e.headWaiters[taskID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Executor) UnregisterHeadWaiter(taskID queue.TaskID) {
	e.mu.Lock()
	delete(e.headWaiters, taskID)
	e.mu.Unlock()
}

func (e *Executor) deliverToHeadWaiter(msg tensor.Message) {
	e.mu.Lock()
	ch, ok := e.headWaiters[msg.TaskID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// RunHead drives the Head role for one task: sends the initial HiddenState
// to the first non-Head hop, and waits up to budget for the eventual
// FinalOutput/Error delivered by the Tail. budget should be the per-hop
// budget summed over the chain plus slack (default 2x expected, §4.10).
func (e *Executor) RunHead(ctx context.Context, taskID queue.TaskID, nextAddress, ownAddress string, input tensor.Frame, budget time.Duration) (*tensor.Message, error) {
	waiter := e.RegisterHeadWaiter(taskID)
	defer e.UnregisterHeadWaiter(taskID)

	metadata := map[string]string{metadataOriginatorAddr: ownAddress}
	ack, err := e.transport.ForwardAndWait(ctx, nextAddress, taskID, 0, input, metadata, e.ackTimeout())
	if err != nil {
		return nil, err
	}
	if ack.Kind == tensor.KindError || ack.Kind == tensor.KindFinalOutput {
		// Error is final; FinalOutput means the first hop was itself the
		// Tail/Single, so the whole run completed on this one ack.
		return ack, nil
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case msg := <-waiter:
		return &msg, nil
	case <-timer.C:
		return nil, grid.Tensor("pipeline run timed out waiting for final output", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) ackTimeout() time.Duration {
	return tensor.DefaultForwardTimeout
}
