// Package relay implements the store-and-forward relay plane (C12):
// rotating X25519 identities, onion-style encrypted beacons, TTL/hop-count
// enforcement, and loop suppression.
package relay

import (
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// RotatingIdentityInterval is the default rotation period (§4.12, §6).
const RotatingIdentityInterval = 15 * time.Minute

// PubKeyHash is the truncated 8-byte identifier a beacon's
// recipient_pubkey_hash compares against.
type PubKeyHash [8]byte

// RotatingIdentity holds a short-lived X25519 key pair and its truncated
// pubkey hash. Rotation swaps both atomically under its own lock (§5).
type RotatingIdentity struct {
	mu       sync.RWMutex
	priv     [32]byte
	pub      [32]byte
	hash     PubKeyHash
	rotateAt time.Time
	interval time.Duration
}

// NewRotatingIdentity generates an initial key pair.
func NewRotatingIdentity(interval time.Duration) (*RotatingIdentity, error) {
	if interval <= 0 {
		interval = RotatingIdentityInterval
	}
	ri := &RotatingIdentity{interval: interval}
	if err := ri.generate(); err != nil {
		return nil, err
	}
	return ri, nil
}

func (ri *RotatingIdentity) generate() error {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.priv = priv
	copy(ri.pub[:], pub)
	sum := blake3.Sum256(ri.pub[:])
	copy(ri.hash[:], sum[:8])
	ri.rotateAt = time.Now().Add(ri.interval)
	return nil
}

// MaybeRotate regenerates the key pair if the rotation interval has
// elapsed. Safe to call on every beacon tick.
func (ri *RotatingIdentity) MaybeRotate() error {
	ri.mu.RLock()
	due := time.Now().After(ri.rotateAt)
	ri.mu.RUnlock()
	if !due {
		return nil
	}
	return ri.generate()
}

func (ri *RotatingIdentity) PublicKey() [32]byte {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.pub
}

func (ri *RotatingIdentity) PrivateKey() [32]byte {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.priv
}

func (ri *RotatingIdentity) Hash() PubKeyHash {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.hash
}

// Matches reports whether h identifies this identity's current (not a
// prior) rotation.
func (ri *RotatingIdentity) Matches(h PubKeyHash) bool {
	return ri.Hash() == h
}
