// Package pipeline implements the pipeline coordinator (C11): proportional
// layer split across candidate peers by measured capacity, role
// assignment, and live status.
package pipeline

import (
	"sync"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/executor"
	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
)

// Candidate is one peer eligible for a pipeline run, with the capability
// probe's capacity_score and max_layers oracle values (§6).
type Candidate struct {
	NodeID        identity.NodeID
	Address       string
	CapacityScore int
	MaxLayers     uint32
}

// Hop is one assigned entry in the pipeline: a peer, its role, and its
// contiguous layer range [StartLayer, EndLayer).
type Hop struct {
	NodeID     identity.NodeID
	Address    string
	Role       executor.Role
	StartLayer uint32
	EndLayer   uint32
}

// Assignment is a complete pipeline run's layer split.
type Assignment struct {
	Hops        []Hop
	TotalLayers uint32
}

// Build computes the proportional split of totalLayers across candidates,
// in stable strongest-first order, per §4.11:
//  1. S = sum of capacity scores.
//  2. share = round(L * capacity/S), clamped to [1, max_layers, remaining].
//  3. The last candidate absorbs the rounding remainder.
//  4. Roles: first = Head, last = Tail, others = Middle (or Single if len==1).
func Build(candidates []Candidate, totalLayers uint32) (Assignment, error) {
	if len(candidates) == 0 {
		return Assignment{}, grid.ErrNoPeersAvailable
	}
	if totalLayers == 0 {
		return Assignment{}, grid.Routing("total_layers must be positive", nil)
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sortByCapacityDesc(ordered)

	sum := 0
	for _, c := range ordered {
		sum += c.CapacityScore
	}
	if sum <= 0 {
		sum = len(ordered) // degrade to an even split if no capacity info
	}

	shares := make([]uint32, len(ordered))
	remaining := totalLayers
	for i, c := range ordered {
		if i == len(ordered)-1 {
			shares[i] = remaining
			break
		}
		capacity := c.CapacityScore
		if capacity <= 0 {
			capacity = 1
		}
		share := roundDiv(int(totalLayers)*capacity, sum)
		share = clamp(share, 1, int(maxLayersOrUnbounded(c)))
		if uint32(share) > remaining {
			share = int(remaining)
		}
		shares[i] = uint32(share)
		remaining -= uint32(share)
	}

	hops := make([]Hop, len(ordered))
	var cursor uint32
	for i, c := range ordered {
		role := executor.RoleMiddle
		switch {
		case len(ordered) == 1:
			role = executor.RoleSingle
		case i == 0:
			role = executor.RoleHead
		case i == len(ordered)-1:
			role = executor.RoleTail
		}
		hops[i] = Hop{
			NodeID:     c.NodeID,
			Address:    c.Address,
			Role:       role,
			StartLayer: cursor,
			EndLayer:   cursor + shares[i],
		}
		cursor += shares[i]
	}

	return Assignment{Hops: hops, TotalLayers: totalLayers}, nil
}

func maxLayersOrUnbounded(c Candidate) uint32 {
	if c.MaxLayers == 0 {
		return 1 << 30
	}
	return c.MaxLayers
}

func roundDiv(numerator, denominator int) int {
	if denominator == 0 {
		return 0
	}
	return (numerator + denominator/2) / denominator
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortByCapacityDesc(c []Candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].CapacityScore > c[j-1].CapacityScore; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// HopLatency tracks a rolling average latency sample per hop, for Status.
type HopLatency struct {
	NodeID    identity.NodeID
	AvgMs     float64
	samples   int
}

func (h *HopLatency) record(sampleMs float64) {
	h.samples++
	h.AvgMs += (sampleMs - h.AvgMs) / float64(h.samples)
}

// Status is the coordinator's non-blocking status() snapshot (§4.11).
type Status struct {
	Assignment        Assignment
	HopLatencies       []HopLatency
	EquivalentModelSize float64
}

// Coordinator owns the active pipeline assignment for a run and its
// rolling latency stats, and rebuilds on peer failure.
type Coordinator struct {
	mu          sync.Mutex
	assignment  Assignment
	latencies   map[identity.NodeID]*HopLatency
	paramDensity float64
}

// New builds a Coordinator with the given per-layer parameter density, used
// to compute the "equivalent model size" status figure.
func New(paramDensity float64) *Coordinator {
	return &Coordinator{
		latencies:    make(map[identity.NodeID]*HopLatency),
		paramDensity: paramDensity,
	}
}

// Assign installs a new Assignment, replacing any prior one.
func (c *Coordinator) Assign(a Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignment = a
	c.latencies = make(map[identity.NodeID]*HopLatency, len(a.Hops))
	for _, h := range a.Hops {
		c.latencies[h.NodeID] = &HopLatency{NodeID: h.NodeID}
	}
}

// RecordLatency folds a new RTT sample for hop into its rolling average.
func (c *Coordinator) RecordLatency(node identity.NodeID, sample time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hl, ok := c.latencies[node]
	if !ok {
		hl = &HopLatency{NodeID: node}
		c.latencies[node] = hl
	}
	hl.record(float64(sample.Milliseconds()))
}

// Reassign rebuilds the assignment over the remaining candidates after a
// peer failure. Already-completed hops are not retried; the caller treats
// the result as a brand new pipeline run (§4.11).
func (c *Coordinator) Reassign(remaining []Candidate) (Assignment, error) {
	c.mu.Lock()
	totalLayers := c.assignment.TotalLayers
	c.mu.Unlock()
	a, err := Build(remaining, totalLayers)
	if err != nil {
		return Assignment{}, err
	}
	c.Assign(a)
	return a, nil
}

// Status returns the current assignment, rolling per-hop latency, and the
// aggregate equivalent model size for UI consumption. Non-blocking.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	lats := make([]HopLatency, 0, len(c.latencies))
	for _, hl := range c.latencies {
		lats = append(lats, *hl)
	}
	var shares uint32
	for _, h := range c.assignment.Hops {
		shares += h.EndLayer - h.StartLayer
	}
	return Status{
		Assignment:          c.assignment,
		HopLatencies:        lats,
		EquivalentModelSize: float64(shares) * c.paramDensity,
	}
}
