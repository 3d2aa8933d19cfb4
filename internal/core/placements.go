package core

import (
	"sync"

	"github.com/nmxmxh/cortex-grid/internal/executor"
	"github.com/nmxmxh/cortex-grid/internal/queue"
)

// taskPlacements is this node's view of its own role in every pipeline run
// it currently participates in, keyed by task_id. It implements
// executor.PipelineLookup.
//
// A pipeline.Coordinator computes the full cross-peer Assignment only on
// the node that initiates a run; every other hop learns its own HopInfo out
// of band (today: only the initiating node ever populates its own entry
// here, since inter-peer assignment distribution is not yet wired — see
// DESIGN.md). Single-node runs work end to end; multi-hop runs require the
// other hops to be told their placement by a mechanism layered on top of
// this lookup.
type taskPlacements struct {
	mu    sync.Mutex
	byTask map[queue.TaskID]executor.HopInfo
}

func newTaskPlacements() *taskPlacements {
	return &taskPlacements{byTask: make(map[queue.TaskID]executor.HopInfo)}
}

func (p *taskPlacements) Set(taskID queue.TaskID, hop executor.HopInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTask[taskID] = hop
}

func (p *taskPlacements) Lookup(taskID queue.TaskID) (executor.HopInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hop, ok := p.byTask[taskID]
	return hop, ok
}

func (p *taskPlacements) Clear(taskID queue.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byTask, taskID)
}
