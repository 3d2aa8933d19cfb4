// Package directory implements the peer directory (C4): a live, in-memory
// NodeId -> PeerInfo map with TTL eviction and EWMA latency tracking.
package directory

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/identity"
)

// PeerInfo is the directory's unit of record.
type PeerInfo struct {
	NodeID       identity.NodeID
	PubKey       []byte
	Addresses    []net.Addr // first is preferred
	Capabilities identity.Capabilities
	LatencyMs    *uint32 // EWMA of observed RTT; nil until first sample
	LastSeen     time.Time
	Reputation   *float32
}

func (p PeerInfo) PreferredAddress() (net.Addr, bool) {
	if len(p.Addresses) == 0 {
		return nil, false
	}
	return p.Addresses[0], true
}

// Store is the read-mostly directory. Zero value is not usable; use New.
type Store struct {
	mu    sync.RWMutex
	peers map[identity.NodeID]PeerInfo
	ttl   time.Duration
}

func New(ttl time.Duration) *Store {
	return &Store{peers: make(map[identity.NodeID]PeerInfo), ttl: ttl}
}

// Upsert inserts a new peer or refreshes an existing one's addresses,
// capabilities and last_seen. Called on discovery events and handshake
// completions.
func (s *Store) Upsert(p PeerInfo) {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.peers[p.NodeID]; ok {
		if p.LatencyMs == nil {
			p.LatencyMs = existing.LatencyMs
		}
		if p.Reputation == nil {
			p.Reputation = existing.Reputation
		}
	}
	s.peers[p.NodeID] = p
}

// Touch refreshes last_seen for a known peer, e.g. on a heartbeat.
func (s *Store) Touch(id identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		p.LastSeen = time.Now()
		s.peers[id] = p
	}
}

// UpdateLatency applies the EWMA update new = 0.8*old + 0.2*sample (missing
// old = sample, per §4.4).
func (s *Store) UpdateLatency(id identity.NodeID, sampleMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return
	}
	var next uint32
	if p.LatencyMs == nil {
		next = sampleMs
	} else {
		next = uint32(0.8*float64(*p.LatencyMs) + 0.2*float64(sampleMs))
	}
	p.LatencyMs = &next
	s.peers[id] = p
}

// Get returns a read-only snapshot of one peer.
func (s *Store) Get(id identity.NodeID) (PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Remove deletes a peer outright, e.g. on handshake failure.
func (s *Store) Remove(id identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

func (s *Store) active(p PeerInfo, now time.Time) bool {
	return now.Sub(p.LastSeen) <= s.ttl
}

// ListActive returns peers whose last_seen is within TTL, sorted by NodeID
// for deterministic iteration order.
func (s *Store) ListActive() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		if s.active(p, now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.String() < out[j].NodeID.String() })
	return out
}

// FindByCapability filters ListActive by predicate.
func (s *Store) FindByCapability(predicate func(identity.Capabilities) bool) []PeerInfo {
	all := s.ListActive()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		if predicate(p.Capabilities) {
			out = append(out, p)
		}
	}
	return out
}

// PruneExpired removes every entry whose last_seen is outside TTL. Intended
// to be called periodically by a background task; ListActive is already
// lazy-correct without it.
func (s *Store) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	pruned := 0
	for id, p := range s.peers {
		if !s.active(p, now) {
			delete(s.peers, id)
			pruned++
		}
	}
	return pruned
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
