// Package skill implements the abstract "skill executor" collaborator
// (§6): execute(skill_id, input) -> output, invoked by the orchestrator
// when a task lands locally rather than being routed to a peer.
package skill

import (
	"context"
	"sync"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// Executor runs one skill's payload and returns its output.
type Executor interface {
	Execute(ctx context.Context, skillID string, input []byte) ([]byte, error)
}

// FuncExecutor adapts a plain function to Executor, for native Go skills
// registered in-process.
type FuncExecutor func(ctx context.Context, input []byte) ([]byte, error)

func (f FuncExecutor) Execute(ctx context.Context, _ string, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// Registry maps SkillId to the Executor that serves it, the capability
// registration surface §6 describes.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register installs e as the executor for skillID, replacing any prior
// registration.
func (r *Registry) Register(skillID string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[skillID] = e
}

// Skills returns the currently registered skill ids, for capability
// advertisement.
func (r *Registry) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for id := range r.executors {
		out = append(out, id)
	}
	return out
}

// Execute dispatches to the registered executor for skillID.
func (r *Registry) Execute(ctx context.Context, skillID string, input []byte) ([]byte, error) {
	r.mu.RLock()
	e, ok := r.executors[skillID]
	r.mu.RUnlock()
	if !ok {
		return nil, grid.Routing("no executor registered for skill", nil).WithContext("skill", skillID)
	}
	return e.Execute(ctx, skillID, input)
}
