package discovery

import (
	"net"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"lukechampine.com/blake3"

	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
)

const mdnsServiceTag = "cortex-grid-mdns"

// WAN is the secondary discovery backend §4.3 allows: a libp2p host doing
// mDNS peer discovery, bridged onto the same Event stream the LAN backend
// produces. It does not replace the handshake; it only widens how peers
// are first found.
type WAN struct {
	log *logging.Logger

	h       host.Host
	mdnsSvc mdns.Service
	events  chan Event
}

// NewWAN constructs (but does not start) the libp2p-backed discovery
// service on an ephemeral libp2p identity — this backend's job is only to
// surface addresses; the grid's own Ed25519 handshake is what authenticates
// a peer once contacted.
func NewWAN(log *logging.Logger) (*WAN, error) {
	h, err := libp2p.New()
	if err != nil {
		return nil, err
	}
	w := &WAN{log: log.Named("discovery.wan"), h: h, events: make(chan Event, 32)}
	w.mdnsSvc = mdns.NewMdnsService(h, mdnsServiceTag, w)
	return w, nil
}

func (w *WAN) Events() <-chan Event { return w.events }

func (w *WAN) Start() error { return w.mdnsSvc.Start() }

func (w *WAN) Stop() error {
	_ = w.mdnsSvc.Close()
	return w.h.Close()
}

// HandlePeerFound implements mdns.Notifee. A libp2p peer.ID has no relation
// to this grid's NodeId space, so we derive a provisional NodeID the same
// way the reference implementation's Kademlia backend did: BLAKE3 over the
// raw peer id bytes. It is only provisional until the grid handshake
// completes and installs the peer's real, key-derived NodeID.
func (w *WAN) HandlePeerFound(pi peer.AddrInfo) {
	sum := blake3.Sum256([]byte(pi.ID))
	var nodeID identity.NodeID
	copy(nodeID[:], sum[:])

	var addr net.Addr
	if len(pi.Addrs) > 0 {
		addr = &maAddr{pi.Addrs[0].String()}
	}
	select {
	case w.events <- Event{NodeID: nodeID, Address: addr}:
	default:
		w.log.Warn("wan discovery event channel full, dropping")
	}
}

// AddBootstrapPeer connects the WAN host to a known peer given as a
// multiaddr string, e.g. "/ip4/1.2.3.4/tcp/4001/p2p/Qm...".
func (w *WAN) AddBootstrapPeer(addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	w.h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	return nil
}

// maAddr adapts a multiaddr string to net.Addr without importing the
// multiaddr-to-net conversion helpers for this narrow use.
type maAddr struct{ s string }

func (a *maAddr) Network() string { return "multiaddr" }
func (a *maAddr) String() string  { return a.s }
