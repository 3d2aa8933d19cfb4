// Package identity implements node identity (C2): Ed25519 key pairs,
// NodeId = BLAKE3(pubkey), capability advertisement, and the four-message
// handshake finite state machine.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// NodeID is the peer's stable network identity: BLAKE3(pubkey), 32 bytes.
type NodeID [32]byte

// DeriveNodeID computes NodeId = BLAKE3(pubkey).
func DeriveNodeID(pubkey ed25519.PublicKey) NodeID {
	sum := blake3.Sum256(pubkey)
	var id NodeID
	copy(id[:], sum[:])
	return id
}

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// Short returns the first 8 hex chars, used in log lines and error context.
func (n NodeID) Short() string { return hex.EncodeToString(n[:4]) }

func (n NodeID) IsZero() bool { return n == NodeID{} }

// Bytes returns a copy of the underlying 32 bytes.
func (n NodeID) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, n[:])
	return b
}

// NodeIDFromBytes builds a NodeID from a 32-byte slice.
func NodeIDFromBytes(b []byte) (NodeID, bool) {
	var id NodeID
	if len(b) != 32 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}
