// Package router implements the skill index and scoring router (C6).
package router

import (
	"sync"

	"github.com/nmxmxh/cortex-grid/internal/identity"
)

// DelegationStats is the supplemented per-skill delegation metadata
// (grounded on the original's skill delegation bookkeeping): attempts,
// successes, and a running average latency per (skill, node) pair, read
// back through Index.Stats. Router scoring does not read these stats; its
// latency term comes from the directory EWMA only.
type DelegationStats struct {
	Attempts     int
	Successes    int
	AvgLatencyMs float64
}

func (d *DelegationStats) recordAttempt() { d.Attempts++ }

func (d *DelegationStats) recordResult(success bool, latencyMs float64) {
	if success {
		d.Successes++
	}
	if d.Attempts == 0 {
		d.AvgLatencyMs = latencyMs
		return
	}
	d.AvgLatencyMs = d.AvgLatencyMs + (latencyMs-d.AvgLatencyMs)/float64(d.Attempts)
}

// Index maps SkillId -> set of NodeId, plus per-(node,skill) delegation
// stats.
type Index struct {
	mu    sync.RWMutex
	nodes map[string]map[identity.NodeID]struct{}
	stats map[skillNodeKey]*DelegationStats
}

type skillNodeKey struct {
	skill string
	node  identity.NodeID
}

func NewIndex() *Index {
	return &Index{
		nodes: make(map[string]map[identity.NodeID]struct{}),
		stats: make(map[skillNodeKey]*DelegationStats),
	}
}

// Advertise registers that node offers skill.
func (idx *Index) Advertise(node identity.NodeID, skill string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.nodes[skill]
	if !ok {
		set = make(map[identity.NodeID]struct{})
		idx.nodes[skill] = set
	}
	set[node] = struct{}{}
}

// RemoveNode drops node from every skill it was advertised under, e.g. on
// directory eviction.
func (idx *Index) RemoveNode(node identity.NodeID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, set := range idx.nodes {
		delete(set, node)
	}
}

// NodesForSkill returns the candidate set for skill.
func (idx *Index) NodesForSkill(skill string) []identity.NodeID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.nodes[skill]
	out := make([]identity.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

func (idx *Index) RecordAttempt(node identity.NodeID, skill string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := skillNodeKey{skill: skill, node: node}
	s, ok := idx.stats[key]
	if !ok {
		s = &DelegationStats{}
		idx.stats[key] = s
	}
	s.recordAttempt()
}

func (idx *Index) RecordResult(node identity.NodeID, skill string, success bool, latencyMs float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := skillNodeKey{skill: skill, node: node}
	s, ok := idx.stats[key]
	if !ok {
		s = &DelegationStats{}
		idx.stats[key] = s
	}
	s.recordResult(success, latencyMs)
}

func (idx *Index) Stats(node identity.NodeID, skill string) DelegationStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if s, ok := idx.stats[skillNodeKey{skill: skill, node: node}]; ok {
		return *s
	}
	return DelegationStats{}
}
