// Package reputation implements per-skill rating aggregation and the
// EigenTrust global trust computation (C5).
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
)

// TrustScore is a clamped [0,1] trust value. The zero value is untrusted;
// use DefaultTrustScore for the reserved neutral value.
type TrustScore float32

const DefaultTrustScore TrustScore = 0.5

func clampScore(v float32) TrustScore {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return TrustScore(v)
}

func (t TrustScore) IsTrusted() bool        { return t > 0.5 }
func (t TrustScore) IsHighlyTrusted() bool  { return t > 0.8 }

// RatingRecord is one entry in the append-only rating history.
type RatingRecord struct {
	Rater     identity.NodeID `json:"rater"`
	Ratee     identity.NodeID `json:"ratee"`
	Skill     string          `json:"skill"`
	Value     int8            `json:"value"` // +1 or -1
	Timestamp time.Time       `json:"timestamp"`
}

// SkillRating is the derived per-(node,skill) aggregate.
type SkillRating struct {
	PositiveCount   int
	NegativeCount   int
	WeightedScore   float64
	NormalizedScore float64 // positive / (positive + negative + 1)
}

func (s *SkillRating) addRating(value int8, raterTrust TrustScore) {
	if value > 0 {
		s.PositiveCount++
	} else {
		s.NegativeCount++
	}
	s.WeightedScore += float64(value) * float64(raterTrust)
	s.NormalizedScore = float64(s.PositiveCount) / float64(s.PositiveCount+s.NegativeCount+1)
}

type skillKey struct {
	node  identity.NodeID
	skill string
}

// Store is the persistence boundary for rating history (§6: "MAY be
// persisted as an append-only log").
type Store interface {
	Append(RatingRecord) error
	ReplayAll() ([]RatingRecord, error)
}

// Graph owns the rating history, derived SkillRatings, and the EigenTrust
// global trust vector.
type Graph struct {
	mu sync.RWMutex

	myID        identity.NodeID
	history     []RatingRecord
	skillRating map[skillKey]*SkillRating
	globalTrust map[identity.NodeID]TrustScore
	preTrusted  map[identity.NodeID]bool

	store Store
	log   *logging.Logger
}

// NewGraph constructs a Graph and, if store is non-nil, replays its history
// to rebuild SkillRating aggregates before returning (§6 "on restart it is
// replayed to rebuild SkillRating aggregates").
func NewGraph(myID identity.NodeID, store Store, log *logging.Logger) (*Graph, error) {
	g := &Graph{
		myID:        myID,
		skillRating: make(map[skillKey]*SkillRating),
		globalTrust: make(map[identity.NodeID]TrustScore),
		preTrusted:  make(map[identity.NodeID]bool),
		store:       store,
		log:         log.Named("reputation"),
	}
	if store != nil {
		records, err := store.ReplayAll()
		if err != nil {
			return nil, grid.Storage("replay rating history", err)
		}
		for _, r := range records {
			g.applyRating(r)
		}
		g.recomputeLocked()
	}
	return g, nil
}

// AddPreTrusted marks id as a bootstrap anchor, clamped to >= 0.9.
func (g *Graph) AddPreTrusted(id identity.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preTrusted[id] = true
	if g.globalTrust[id] < 0.9 {
		g.globalTrust[id] = 0.9
	}
}

// Rate records a new rating. Self-rating is rejected without side effects.
func (g *Graph) Rate(rater, ratee identity.NodeID, skill string, value int8) error {
	if rater == ratee {
		return grid.ErrSelfRating
	}
	if value > 0 {
		value = 1
	} else {
		value = -1
	}
	record := RatingRecord{Rater: rater, Ratee: ratee, Skill: skill, Value: value, Timestamp: time.Now()}

	if g.store != nil {
		if err := g.store.Append(record); err != nil {
			// §7 Storage: logged, operation proceeds in-memory.
			g.log.Warn("append rating failed, continuing in-memory", logging.Err(err))
		}
	}

	g.mu.Lock()
	g.applyRating(record)
	g.mu.Unlock()
	return nil
}

// applyRating must be called with g.mu held (or during construction before
// concurrent access is possible).
func (g *Graph) applyRating(r RatingRecord) {
	g.history = append(g.history, r)
	key := skillKey{node: r.Ratee, skill: r.Skill}
	sr, ok := g.skillRating[key]
	if !ok {
		sr = &SkillRating{}
		g.skillRating[key] = sr
	}
	sr.addRating(r.Value, g.trustLocked(r.Rater))
}

// GetTrust returns the node's current global trust: 0.9 for pre-trusted,
// else the computed global trust, else the neutral default.
func (g *Graph) GetTrust(id identity.NodeID) TrustScore {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.trustLocked(id)
}

func (g *Graph) trustLocked(id identity.NodeID) TrustScore {
	if g.preTrusted[id] {
		return 0.9
	}
	if t, ok := g.globalTrust[id]; ok {
		return t
	}
	return DefaultTrustScore
}

// SkillScore returns the normalized score for (node, skill), 0 if unknown.
func (g *Graph) SkillScore(node identity.NodeID, skill string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if sr, ok := g.skillRating[skillKey{node: node, skill: skill}]; ok {
		return sr.NormalizedScore
	}
	return 0
}

// HasProvenSkill reports whether node has any rating history for skill.
func (g *Graph) HasProvenSkill(node identity.NodeID, skill string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.skillRating[skillKey{node: node, skill: skill}]
	return ok
}

// TopNodesForSkill returns up to limit nodes sorted by normalized score
// descending.
func (g *Graph) TopNodesForSkill(skill string, limit int) []identity.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type scored struct {
		id    identity.NodeID
		score float64
	}
	var candidates []scored
	for k, sr := range g.skillRating {
		if k.skill == skill {
			candidates = append(candidates, scored{id: k.node, score: sr.NormalizedScore})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]identity.NodeID, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}
