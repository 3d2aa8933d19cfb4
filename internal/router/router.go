package router

import (
	"sort"
	"sync"
	"time"

	ratelimiter "github.com/yasserelgammal/rate-limiter"

	"github.com/nmxmxh/cortex-grid/internal/directory"
	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/reputation"
)

// Scoring weights, defaults per §4.6: (0.35, 0.35, 0.15, 0.15).
const (
	weightSkill   = 0.35
	weightTrust   = 0.35
	weightLatency = 0.15
	weightLoad    = 0.15

	explorationBonus = 0.05
	explorationCapPerMinute = 3
)

// LoadProvider reports how busy a node currently is, so the router's load
// term can be computed without owning the task queue itself.
type LoadProvider interface {
	InFlight(id identity.NodeID) int
	Capacity(id identity.NodeID) int
}

// Decision is the router's answer for one skill request: the winning node
// plus up to 3 alternatives for retry, in score order.
type Decision struct {
	Winner       identity.NodeID
	Alternatives []identity.NodeID
	Local        bool // true if the requesting node itself should execute
}

// Router scores candidates for a skill using the directory, the trust
// graph, and the skill index, per the §4.6 formula.
type Router struct {
	self identity.NodeID

	dir   *directory.Store
	trust *reputation.Graph
	index *Index
	load  LoadProvider

	mu        sync.Mutex
	explorers map[identity.NodeID]*ratelimiter.Limiter
}

func New(self identity.NodeID, dir *directory.Store, trust *reputation.Graph, index *Index, load LoadProvider) *Router {
	return &Router{
		self:      self,
		dir:       dir,
		trust:     trust,
		index:     index,
		load:      load,
		explorers: make(map[identity.NodeID]*ratelimiter.Limiter),
	}
}

type candidate struct {
	id        identity.NodeID
	score     float64
	trust     reputation.TrustScore
	latencyMs uint32
}

// Route picks the best node for skill, applying the ε-exploration bonus for
// unproven nodes (rate-limited to N=3/minute), and returns the winner plus
// up to 3 alternatives. If the local node itself satisfies the skill and
// wins, Decision.Local is true and no network hop should occur.
func (r *Router) Route(skill string) (Decision, error) {
	ids := r.index.NodesForSkill(skill)
	if len(ids) == 0 {
		return Decision{}, grid.ErrNoRouteForSkill
	}

	var candidates []candidate
	for _, id := range ids {
		peer, ok := r.dir.Get(id)
		if !ok {
			continue
		}
		candidates = append(candidates, r.score(id, skill, peer))
	}
	if len(candidates) == 0 {
		return Decision{}, grid.ErrNoPeersAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.trust != b.trust {
			return a.trust > b.trust
		}
		if a.latencyMs != b.latencyMs {
			return a.latencyMs < b.latencyMs
		}
		return a.id.String() < b.id.String()
	})

	alts := make([]identity.NodeID, 0, 3)
	for i := 1; i < len(candidates) && i <= 3; i++ {
		alts = append(alts, candidates[i].id)
	}

	winner := candidates[0].id
	local := winner == r.self
	return Decision{Winner: winner, Alternatives: alts, Local: local}, nil
}

func (r *Router) score(id identity.NodeID, skill string, peer directory.PeerInfo) candidate {
	skillScore := r.trust.SkillScore(id, skill)
	if skillScore == 0 && !r.trust.HasProvenSkill(id, skill) && r.allowExploration(id) {
		skillScore = explorationBonus
	}

	trustScore := r.trust.GetTrust(id)

	latencyMs := uint32(1000)
	if peer.LatencyMs != nil {
		latencyMs = *peer.LatencyMs
	}
	latencyTerm := 1 - minF(float64(latencyMs), 1000)/1000

	loadTerm := 1.0
	if r.load != nil {
		capacity := r.load.Capacity(id)
		if capacity > 0 {
			inFlight := r.load.InFlight(id)
			loadTerm = 1 - minF(float64(inFlight), float64(capacity))/float64(capacity)
		}
	}

	total := weightSkill*skillScore + weightTrust*float64(trustScore) + weightLatency*latencyTerm + weightLoad*loadTerm
	return candidate{id: id, score: total, trust: trustScore, latencyMs: latencyMs}
}

// allowExploration applies the N=3/minute-per-node rate limit to the
// exploration bonus, so bootstrapping new peers cannot drown out proven
// ones.
func (r *Router) allowExploration(id identity.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.explorers[id]
	if !ok {
		lim = ratelimiter.New(explorationCapPerMinute, time.Minute)
		r.explorers[id] = lim
	}
	return lim.Allow()
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
