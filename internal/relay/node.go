package relay

import (
	"context"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/logging"
)

// Neighbor is a relay-capable peer this node can forward beacons to.
type Neighbor struct {
	Address string
	PubKey  [32]byte
}

// Sender delivers an encoded beacon to a relay neighbor; wired to the wire
// codec transport by the caller (kept abstract so this package does not
// need to know about net.Conn lifecycles).
type Sender interface {
	SendBeacon(ctx context.Context, addr string, b Beacon) error
}

// Node wires a RotatingIdentity and a beacon Store into a forwarding loop.
type Node struct {
	identity *RotatingIdentity
	store    *Store
	sender   Sender
	log      *logging.Logger
}

func NewNode(identity *RotatingIdentity, store *Store, sender Sender, log *logging.Logger) *Node {
	return &Node{identity: identity, store: store, sender: sender, log: log.Named("relay")}
}

// HandleBeacon evaluates an inbound beacon and forwards it to neighbors if
// the policy says to.
func (n *Node) HandleBeacon(ctx context.Context, b Beacon, neighbors []Neighbor) {
	switch n.store.Evaluate(b, n.identity) {
	case DecisionDeliverLocal:
		n.log.Debug("beacon delivered to local pickup buffer")
	case DecisionForward:
		next, err := NextHop(b)
		if err != nil {
			n.log.Warn("failed to build next hop", logging.Err(err))
			return
		}
		for _, nb := range neighbors {
			if err := n.sender.SendBeacon(ctx, nb.Address, next); err != nil {
				n.log.Warn("beacon forward failed", logging.String("addr", nb.Address), logging.Err(err))
			}
		}
	case DecisionDrop:
	}
}

// Send builds and delivers a fresh beacon addressed to recipientHash,
// encrypted for recipientPub, with the given ttl.
func (n *Node) Send(ctx context.Context, addr string, recipientPub [32]byte, recipientHash PubKeyHash, payload []byte, ttl uint8) error {
	enc, err := Seal(recipientPub, payload)
	if err != nil {
		return err
	}
	b := Beacon{
		RecipientHash: recipientHash,
		TTL:           ttl,
		HopCount:      0,
		Payload:       enc,
		CreatedAt:     time.Now(),
	}
	return n.sender.SendBeacon(ctx, addr, b)
}

// RunMaintenance periodically rotates the identity and prunes expired
// suppression-cache entries until ctx is cancelled.
func (n *Node) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.identity.MaybeRotate(); err != nil {
				n.log.Warn("identity rotation failed", logging.Err(err))
			}
			n.store.PruneExpired()
		}
	}
}
