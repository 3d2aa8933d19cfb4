package relay

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"lukechampine.com/blake3"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// MaxHops is the hard ceiling on ttl+hop_count (§3, §8).
const MaxHops = 15

// BeaconExpiry is the default pruning age (§4.12).
const BeaconExpiry = time.Hour

// LoopSuppressionWindow is how long a forwarded beacon's content hash is
// cached to suppress re-emission (§4.12 default 5 min).
const LoopSuppressionWindow = 5 * time.Minute

// Beacon is the wire representation of §3's RelayBeacon.
type Beacon struct {
	RecipientHash PubKeyHash
	TTL           uint8
	HopCount      uint8
	Payload       Encrypted
	CreatedAt     time.Time
}

// ContentHash returns the BLAKE3 digest of the beacon's immutable payload,
// used for loop suppression.
func (b Beacon) ContentHash() [32]byte {
	h := make([]byte, 0, 32+len(b.Payload.Ciphertext))
	h = append(h, b.Payload.EphemeralPub[:]...)
	h = append(h, b.Payload.Nonce[:]...)
	h = append(h, b.Payload.Ciphertext...)
	return blake3.Sum256(h)
}

// Store holds beacons addressed to the local identity (a pickup buffer),
// a bloom-filter-backed loop-suppression cache, and expiry pruning.
type Store struct {
	mu sync.Mutex

	pickup []Beacon

	seenFilter   *bloom.BloomFilter
	seenExpiry   map[[32]byte]time.Time
	seenCapacity uint
}

// NewStore builds a Store whose loop-suppression filter is sized for
// expectedBeacons with a 1% false-positive rate.
func NewStore(expectedBeacons uint) *Store {
	if expectedBeacons == 0 {
		expectedBeacons = 10000
	}
	return &Store{
		seenFilter:   bloom.NewWithEstimates(expectedBeacons, 0.01),
		seenExpiry:   make(map[[32]byte]time.Time),
		seenCapacity: expectedBeacons,
	}
}

// ForwardingDecision is the outcome of evaluating a beacon for one hop.
type ForwardingDecision int

const (
	DecisionDeliverLocal ForwardingDecision = iota
	DecisionForward
	DecisionDrop
)

// Evaluate applies the forwarding policy of §4.12: deliver locally if the
// beacon's recipient hash matches ri, else forward while ttl/hop budget and
// loop suppression allow it, else drop. Forwarding decisions mark the
// content hash seen so a duplicate is suppressed within the window.
func (s *Store) Evaluate(b Beacon, ri *RotatingIdentity) ForwardingDecision {
	if time.Since(b.CreatedAt) > BeaconExpiry {
		return DecisionDrop
	}
	if ri.Matches(b.RecipientHash) {
		s.mu.Lock()
		s.pickup = append(s.pickup, b)
		s.mu.Unlock()
		return DecisionDeliverLocal
	}
	if b.TTL == 0 || b.HopCount >= MaxHops {
		return DecisionDrop
	}

	hash := b.ContentHash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenFilter.Test(hash[:]) {
		if expiry, ok := s.seenExpiry[hash]; ok && time.Now().Before(expiry) {
			return DecisionDrop
		}
	}
	s.seenFilter.Add(hash[:])
	s.seenExpiry[hash] = time.Now().Add(LoopSuppressionWindow)
	return DecisionForward
}

// NextHop builds the forwarded beacon: ttl-1, hop_count+1, per §4.12.
func NextHop(b Beacon) (Beacon, error) {
	if b.TTL == 0 {
		return Beacon{}, grid.Relay("cannot forward beacon with zero ttl", nil)
	}
	next := b
	next.TTL--
	next.HopCount++
	return next, nil
}

// Pickup drains and returns every beacon addressed to the local identity.
func (s *Store) Pickup() []Beacon {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pickup
	s.pickup = nil
	return out
}

// PruneExpired removes suppression-cache entries past their window; it does
// not shrink the bloom filter itself (false positives past the window are
// acceptable per its error-rate budget, not a correctness issue).
func (s *Store) PruneExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for hash, expiry := range s.seenExpiry {
		if now.After(expiry) {
			delete(s.seenExpiry, hash)
		}
	}
}
