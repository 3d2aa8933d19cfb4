package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/directory"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/reputation"
)

type zeroLoad struct{}

func (zeroLoad) InFlight(identity.NodeID) int { return 0 }
func (zeroLoad) Capacity(identity.NodeID) int { return 10 }

func nid(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

// TestRouteUnderTrustPressure mirrors scenario S2 of the design: Bob is
// pre-trusted and well rated, Dave has mixed ratings; Bob should win and
// Dave should appear as an alternative.
func TestRouteUnderTrustPressure(t *testing.T) {
	self := nid(0)
	alice, bob, dave := nid(1), nid(2), nid(4)

	dir := directory.New(5 * time.Minute)
	dir.Upsert(directory.PeerInfo{NodeID: bob})
	dir.Upsert(directory.PeerInfo{NodeID: dave})

	trust, err := reputation.NewGraph(self, nil, logging.Nop())
	require.NoError(t, err)
	trust.AddPreTrusted(bob)
	require.NoError(t, trust.Rate(alice, bob, "translate.spanish", 1))
	require.NoError(t, trust.Rate(alice, bob, "translate.spanish", 1))
	require.NoError(t, trust.Rate(alice, bob, "translate.spanish", 1))
	require.NoError(t, trust.Rate(alice, dave, "translate.spanish", 1))
	require.NoError(t, trust.Rate(bob, dave, "translate.spanish", -1))
	trust.Recompute()

	index := NewIndex()
	index.Advertise(bob, "translate.spanish")
	index.Advertise(dave, "translate.spanish")

	r := New(self, dir, trust, index, zeroLoad{})
	decision, err := r.Route("translate.spanish")
	require.NoError(t, err)
	require.Equal(t, bob, decision.Winner)
	require.Contains(t, decision.Alternatives, dave)
}

func TestRouteNoPeersAvailable(t *testing.T) {
	self := nid(0)
	dir := directory.New(time.Minute)
	trust, err := reputation.NewGraph(self, nil, logging.Nop())
	require.NoError(t, err)
	index := NewIndex()

	r := New(self, dir, trust, index, zeroLoad{})
	_, err = r.Route("unknown.skill")
	require.Error(t, err)
}
