package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/directory"
	"github.com/nmxmxh/cortex-grid/internal/eventbus"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/reputation"
	"github.com/nmxmxh/cortex-grid/internal/router"
)

type fakeTransport struct {
	mu       sync.Mutex
	handler  func(target identity.NodeID, req TaskRequest)
	requests []TaskRequest
}

func (f *fakeTransport) SendTaskRequest(_ context.Context, target identity.NodeID, req TaskRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(target, req)
	}
	return nil
}

func nodeID(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

func setup(t *testing.T, self identity.NodeID, peers ...identity.NodeID) (*Orchestrator, *fakeTransport, *eventbus.Bus) {
	t.Helper()
	dir := directory.New(5 * time.Minute)
	for _, p := range peers {
		dir.Upsert(directory.PeerInfo{NodeID: p})
	}
	trust, err := reputation.NewGraph(self, nil, logging.Nop())
	require.NoError(t, err)
	index := router.NewIndex()
	for _, p := range peers {
		index.Advertise(p, "demo.skill")
	}
	r := router.New(self, dir, trust, index, nil)
	q := queue.New(queue.DefaultClassCapacity)
	bus := eventbus.New(nil)
	transport := &fakeTransport{}
	o := New(self, q, r, transport, bus, logging.Nop(), 3, 60*time.Second)
	return o, transport, bus
}

func TestDelegateSendsTaskRequest(t *testing.T) {
	self, peer := nodeID(0), nodeID(1)
	o, transport, _ := setup(t, self, peer)

	task := &queue.Task{TaskID: queue.TaskID{1}, Skill: "demo.skill"}
	o.Delegate(context.Background(), task)

	require.Len(t, transport.requests, 1)
	require.Equal(t, 1, o.PendingCount())
}

func TestHandleAckCompletedResolvesPending(t *testing.T) {
	self, peer := nodeID(0), nodeID(1)
	o, _, bus := setup(t, self, peer)
	completed := bus.Subscribe(TopicTaskCompleted)

	task := &queue.Task{TaskID: queue.TaskID{2}, Skill: "demo.skill"}
	o.Delegate(context.Background(), task)
	o.HandleAck(TaskAck{TaskID: task.TaskID, Status: StatusCompleted})

	require.Equal(t, 0, o.PendingCount())
	select {
	case e := <-completed:
		require.Equal(t, TopicTaskCompleted, e.Kind)
	default:
		t.Fatal("expected grid.task.completed event")
	}
}

func TestRetryOnRejectionThenSucceeds(t *testing.T) {
	self, bad, good := nodeID(0), nodeID(1), nodeID(2)
	o, _, bus := setup(t, self, bad, good)
	completed := bus.Subscribe(TopicTaskCompleted)
	failed := bus.Subscribe(TopicTaskFailed)

	task := &queue.Task{TaskID: queue.TaskID{3}, Skill: "demo.skill"}
	o.Delegate(context.Background(), task)
	o.HandleAck(TaskAck{TaskID: task.TaskID, Status: StatusRejected})
	o.HandleAck(TaskAck{TaskID: task.TaskID, Status: StatusCompleted})

	require.Equal(t, 0, o.PendingCount())
	select {
	case <-completed:
	default:
		t.Fatal("expected eventual completion")
	}
	select {
	case <-failed:
		t.Fatal("grid.task.failed must not fire when retry eventually succeeds")
	default:
	}
}

func TestPeerDisconnectFailsPendingTasks(t *testing.T) {
	self, peer := nodeID(0), nodeID(1)
	o, _, _ := setup(t, self, peer)

	task := &queue.Task{TaskID: queue.TaskID{4}, Skill: "demo.skill"}
	o.Delegate(context.Background(), task)
	require.Equal(t, 1, o.PendingCount())

	o.HandlePeerDisconnect(peer)
	// With only one candidate (itself disconnected), retry re-routes to the
	// same peer again since it is still the sole entry in the skill index.
	require.Equal(t, 1, o.PendingCount())
}
