package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
)

func nodeID(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

func TestSelfRatingRejected(t *testing.T) {
	g, err := NewGraph(nodeID(0), nil, logging.Nop())
	require.NoError(t, err)

	alice := nodeID(1)
	err = g.Rate(alice, alice, "llm.completion", 1)
	require.Error(t, err)
}

func TestTopNodesForSkillPrefersMorePositiveRatings(t *testing.T) {
	g, err := NewGraph(nodeID(0), nil, logging.Nop())
	require.NoError(t, err)

	alice, bob, carol := nodeID(1), nodeID(2), nodeID(3)
	nodeA, nodeB := nodeID(10), nodeID(11)

	require.NoError(t, g.Rate(alice, nodeA, "translate.spanish", 1))
	require.NoError(t, g.Rate(bob, nodeA, "translate.spanish", 1))
	require.NoError(t, g.Rate(carol, nodeA, "translate.spanish", 1))

	require.NoError(t, g.Rate(alice, nodeB, "translate.spanish", 1))
	require.NoError(t, g.Rate(bob, nodeB, "translate.spanish", -1))
	require.NoError(t, g.Rate(carol, nodeB, "translate.spanish", -1))

	top := g.TopNodesForSkill("translate.spanish", 2)
	require.Equal(t, nodeA, top[0])
}

func TestEigenTrustPreTrustedClampedHigh(t *testing.T) {
	g, err := NewGraph(nodeID(0), nil, logging.Nop())
	require.NoError(t, err)

	bob := nodeID(2)
	g.AddPreTrusted(bob)

	alice, dave := nodeID(1), nodeID(4)
	require.NoError(t, g.Rate(alice, bob, "translate.spanish", 1))
	require.NoError(t, g.Rate(alice, dave, "translate.spanish", 1))
	require.NoError(t, g.Rate(bob, dave, "translate.spanish", -1))

	g.Recompute()
	require.True(t, g.GetTrust(bob) >= 0.9)
}

func TestEigenTrustIdempotent(t *testing.T) {
	g, err := NewGraph(nodeID(0), nil, logging.Nop())
	require.NoError(t, err)

	alice, bob, carol := nodeID(1), nodeID(2), nodeID(3)
	require.NoError(t, g.Rate(alice, bob, "math.compute", 1))
	require.NoError(t, g.Rate(bob, carol, "math.compute", 1))
	require.NoError(t, g.Rate(carol, alice, "math.compute", 1))

	g.Recompute()
	first := g.GetTrust(bob)
	g.Recompute()
	second := g.GetTrust(bob)
	require.InDelta(t, float32(first), float32(second), 1e-4)
}

func TestFileRatingStoreReplay(t *testing.T) {
	dir := t.TempDir()
	store := NewFileRatingStore(dir + "/ratings.log")

	alice, bob := nodeID(1), nodeID(2)
	require.NoError(t, store.Append(RatingRecord{Rater: alice, Ratee: bob, Skill: "llm.completion", Value: 1}))
	require.NoError(t, store.Append(RatingRecord{Rater: bob, Ratee: alice, Skill: "llm.completion", Value: -1}))

	g, err := NewGraph(nodeID(0), store, logging.Nop())
	require.NoError(t, err)
	require.Equal(t, 1.0/2.0, g.SkillScore(bob, "llm.completion"))
}
