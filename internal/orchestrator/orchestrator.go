// Package orchestrator drives the task delegation state machine (C8):
// pull from the queue, ask the router where to send, deliver over an
// authenticated session, and retry or fail on timeout/rejection.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/cortex-grid/internal/eventbus"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/router"
)

// TopicDelegate is the event-bus topic the orchestrator subscribes to as an
// alternative to a direct Delegate() call; its payload is ignored, it only
// wakes the drain loop.
const TopicDelegate = "agent.task.delegate"

const (
	TopicTaskCompleted = "grid.task.completed"
	TopicTaskFailed    = "grid.task.failed"
)

// AckStatus mirrors the wire status codes 0..=4 of §4.8/§6.
type AckStatus uint8

const (
	StatusAccepted AckStatus = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusRejected
)

// TaskRequest and TaskAck ride the authenticated session on top of the
// codec; the orchestrator only needs to hand them to a Transport.
type TaskRequest struct {
	TaskID  queue.TaskID
	Payload []byte
}

type TaskAck struct {
	TaskID queue.TaskID
	Status AckStatus
}

// Transport delivers a TaskRequest to a peer. Acks arrive later and
// out-of-band via HandleAck; Transport itself does not wait for one, since
// a single task can receive Accepted, then InProgress, then a terminal ack.
type Transport interface {
	SendTaskRequest(ctx context.Context, target identity.NodeID, req TaskRequest) error
}

type pending struct {
	task        *queue.Task
	target      identity.NodeID
	correlation uuid.UUID
	deadline    time.Time
}

// Orchestrator owns exactly one in-flight delegation per task_id.
type Orchestrator struct {
	self      identity.NodeID
	q         *queue.Queue
	r         *router.Router
	transport Transport
	bus       *eventbus.Bus
	log       *logging.Logger

	maxRetries  uint32
	taskTimeout time.Duration
	sweepEvery  time.Duration

	mu      sync.Mutex
	pending map[queue.TaskID]*pending
}

func New(self identity.NodeID, q *queue.Queue, r *router.Router, transport Transport, bus *eventbus.Bus, log *logging.Logger, maxRetries uint32, taskTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		self:        self,
		q:           q,
		r:           r,
		transport:   transport,
		bus:         bus,
		log:         log.Named("orchestrator"),
		maxRetries:  maxRetries,
		taskTimeout: taskTimeout,
		sweepEvery:  30 * time.Second,
		pending:     make(map[queue.TaskID]*pending),
	}
}

// Run drains the queue on a timer and on TopicDelegate events, and sweeps
// timed-out in-flight tasks on a fixed interval, until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	delegateEvents := o.bus.Subscribe(TopicDelegate)

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.drain(ctx)
			case <-delegateEvents:
				o.drain(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(o.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.sweepTimeouts()
			}
		}
	})

	return g.Wait()
}

// drain pulls every ready task off the queue and delegates it.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		task, ok := o.q.Dequeue()
		if !ok {
			return
		}
		o.delegate(ctx, task)
	}
}

// Delegate is the direct-call entry point equivalent to the event-driven
// path: route the task and send it, without requiring the caller to have
// gone through the queue.
func (o *Orchestrator) Delegate(ctx context.Context, task *queue.Task) {
	o.delegate(ctx, task)
}

func (o *Orchestrator) delegate(ctx context.Context, task *queue.Task) {
	decision, err := o.r.Route(task.Skill)
	if err != nil {
		o.log.Warn("no route for task", logging.String("skill", task.Skill), logging.Err(err))
		o.publishFailed(task.TaskID)
		return
	}
	o.send(ctx, task, decision.Winner)
}

func (o *Orchestrator) send(ctx context.Context, task *queue.Task, target identity.NodeID) {
	o.mu.Lock()
	o.pending[task.TaskID] = &pending{
		task:        task,
		target:      target,
		correlation: uuid.New(),
		deadline:    time.Now().Add(o.taskTimeout),
	}
	o.mu.Unlock()

	req := TaskRequest{TaskID: task.TaskID, Payload: task.Payload}
	if err := o.transport.SendTaskRequest(ctx, target, req); err != nil {
		o.log.Warn("task request delivery failed", logging.Err(err))
		o.retryOrFail(ctx, task.TaskID)
	}
}

// HandleAck processes an incoming TaskAck. Accepted/InProgress just record
// progress; terminal statuses resolve the pending entry.
func (o *Orchestrator) HandleAck(ack TaskAck) {
	switch ack.Status {
	case StatusAccepted, StatusInProgress:
		o.mu.Lock()
		if p, ok := o.pending[ack.TaskID]; ok {
			p.deadline = time.Now().Add(o.taskTimeout)
		}
		o.mu.Unlock()
	case StatusCompleted:
		o.mu.Lock()
		delete(o.pending, ack.TaskID)
		o.mu.Unlock()
		o.q.Complete(ack.TaskID)
		o.publishCompleted(ack.TaskID)
	case StatusFailed, StatusRejected:
		o.retryOrFail(context.Background(), ack.TaskID)
	}
}

// HandlePeerDisconnect fails every task currently in flight to peer and
// retries each with the next best alternative, per §4.8.
func (o *Orchestrator) HandlePeerDisconnect(peer identity.NodeID) {
	var affected []queue.TaskID
	o.mu.Lock()
	for id, p := range o.pending {
		if p.target == peer {
			affected = append(affected, id)
		}
	}
	o.mu.Unlock()
	for _, id := range affected {
		o.retryOrFail(context.Background(), id)
	}
}

func (o *Orchestrator) retryOrFail(ctx context.Context, id queue.TaskID) {
	o.mu.Lock()
	p, ok := o.pending[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.pending, id)
	o.mu.Unlock()

	task, ok := o.q.Fail(id, false)
	if !ok {
		task = p.task
	}
	if task.Retries >= o.maxRetries {
		o.publishFailed(id)
		return
	}
	task.Retries++

	decision, err := o.r.Route(task.Skill)
	if err != nil {
		o.publishFailed(id)
		return
	}
	target := decision.Winner
	if len(decision.Alternatives) > 0 && target == p.target {
		target = decision.Alternatives[0]
	}
	o.send(ctx, task, target)
}

func (o *Orchestrator) sweepTimeouts() {
	now := time.Now()
	var timedOut []queue.TaskID
	o.mu.Lock()
	for id, p := range o.pending {
		if now.After(p.deadline) {
			timedOut = append(timedOut, id)
		}
	}
	o.mu.Unlock()
	for _, id := range timedOut {
		o.retryOrFail(context.Background(), id)
	}
}

func (o *Orchestrator) publishCompleted(id queue.TaskID) {
	o.bus.Publish(eventbus.Event{Source: "orchestrator", Kind: TopicTaskCompleted, Payload: id[:]})
}

func (o *Orchestrator) publishFailed(id queue.TaskID) {
	o.bus.Publish(eventbus.Event{Source: "orchestrator", Kind: TopicTaskFailed, Payload: id[:]})
}

// PendingCount reports tasks currently in flight, for tests and status.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
