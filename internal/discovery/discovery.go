// Package discovery implements peer discovery (C3): UDP multicast
// announce/listen on the LAN as the primary mechanism, with an optional
// libp2p mDNS backend for WAN-ish coverage layered on top of the same
// event stream.
package discovery

import (
	"crypto/ed25519"
	"encoding/binary"
	"net"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
)

const (
	MulticastAddr = "239.255.70.77"
	MulticastPort = 7077

	magic         = "CORTEX"
	packetMinSize = len(magic) + 32 + ed25519.PublicKeySize + 2
)

// Event is emitted whenever a backend observes a new or refreshed peer.
type Event struct {
	NodeID  identity.NodeID
	PubKey  ed25519.PublicKey
	Address net.Addr
}

// Backend is the common shape of every discovery mechanism (LAN multicast,
// libp2p mDNS/WAN). §4.3: "A secondary backend... MAY be layered for WAN
// coverage; it exposes the same DiscoveryEvent stream."
type Backend interface {
	Start() error
	Stop() error
	Events() <-chan Event
}

// buildAnnouncePacket lays out the fixed 72-byte packet: 6-byte magic,
// 32-byte NodeId, 32-byte pubkey, 2-byte big-endian port (§6).
func buildAnnouncePacket(nodeID identity.NodeID, pub ed25519.PublicKey, port uint16) []byte {
	buf := make([]byte, 0, packetMinSize)
	buf = append(buf, magic...)
	buf = append(buf, nodeID[:]...)
	buf = append(buf, pub...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	buf = append(buf, portBuf...)
	return buf
}

// parseAnnouncePacket reverses buildAnnouncePacket, validating length and
// magic.
func parseAnnouncePacket(data []byte) (identity.NodeID, ed25519.PublicKey, uint16, error) {
	if len(data) < packetMinSize {
		return identity.NodeID{}, nil, 0, grid.Protocol("discovery packet too short", nil)
	}
	if string(data[:len(magic)]) != magic {
		return identity.NodeID{}, nil, 0, grid.Protocol("discovery packet bad magic", nil)
	}
	off := len(magic)
	nodeID, ok := identity.NodeIDFromBytes(data[off : off+32])
	if !ok {
		return identity.NodeID{}, nil, 0, grid.Protocol("discovery packet bad node id", nil)
	}
	off += 32
	pub := append(ed25519.PublicKey(nil), data[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	port := binary.BigEndian.Uint16(data[off : off+2])
	return nodeID, pub, port, nil
}
