package core

import (
	"time"

	"github.com/nmxmxh/cortex-grid/internal/status"
)

// snapshot builds the current status.ViewModel from live component state.
// It is the only place internal/status's view-model touches the rest of
// the tree, per §9's "keep a single serializable view-model" design note.
func (c *Core) snapshot() status.ViewModel {
	peers := c.dir.ListActive()
	views := make([]status.PeerView, 0, len(peers))
	for _, p := range peers {
		addrs := make([]string, 0, len(p.Addresses))
		for _, a := range p.Addresses {
			addrs = append(addrs, a.String())
		}
		trust := float32(c.trust.GetTrust(p.NodeID))
		views = append(views, status.PeerView{
			NodeID:     p.NodeID.String(),
			Addresses:  addrs,
			LatencyMs:  p.LatencyMs,
			Reputation: &trust,
			Skills:     p.Capabilities.Skills,
		})
	}

	qs := c.queue.Stats()
	return status.ViewModel{
		NodeID: c.self.NodeID.String(),
		Peers:  views,
		Queue: status.QueueView{
			Low:      qs.Low,
			Normal:   qs.Normal,
			High:     qs.High,
			Critical: qs.Critical,
			InFlight: qs.InFlight,
		},
		Timestamp: time.Now(),
	}
}
