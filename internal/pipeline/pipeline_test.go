package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/executor"
	"github.com/nmxmxh/cortex-grid/internal/identity"
)

func nodeID(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

// TestBuildThreeWaySplit mirrors scenario S3: capacities {10,30,60},
// max_layers {20,50,80}, total_layers=24.
func TestBuildThreeWaySplit(t *testing.T) {
	candidates := []Candidate{
		{NodeID: nodeID(1), CapacityScore: 10, MaxLayers: 20},
		{NodeID: nodeID(2), CapacityScore: 30, MaxLayers: 50},
		{NodeID: nodeID(3), CapacityScore: 60, MaxLayers: 80},
	}
	a, err := Build(candidates, 24)
	require.NoError(t, err)
	require.Len(t, a.Hops, 3)

	var sum uint32
	for i, h := range a.Hops {
		sum += h.EndLayer - h.StartLayer
		if i > 0 {
			require.Equal(t, a.Hops[i-1].EndLayer, h.StartLayer)
		}
	}
	require.EqualValues(t, 24, sum)
	require.Equal(t, executor.RoleHead, a.Hops[0].Role)
	require.Equal(t, executor.RoleMiddle, a.Hops[1].Role)
	require.Equal(t, executor.RoleTail, a.Hops[2].Role)
	require.EqualValues(t, 0, a.Hops[0].StartLayer)
}

func TestBuildSinglePeer(t *testing.T) {
	candidates := []Candidate{{NodeID: nodeID(1), CapacityScore: 50, MaxLayers: 100}}
	a, err := Build(candidates, 32)
	require.NoError(t, err)
	require.Len(t, a.Hops, 1)
	require.Equal(t, executor.RoleSingle, a.Hops[0].Role)
	require.EqualValues(t, 0, a.Hops[0].StartLayer)
	require.EqualValues(t, 32, a.Hops[0].EndLayer)
}

func TestBuildNoCandidates(t *testing.T) {
	_, err := Build(nil, 10)
	require.Error(t, err)
}

func TestCoordinatorStatusNonBlocking(t *testing.T) {
	c := New(1.5)
	candidates := []Candidate{
		{NodeID: nodeID(1), CapacityScore: 10, MaxLayers: 20},
		{NodeID: nodeID(2), CapacityScore: 20, MaxLayers: 40},
	}
	a, err := Build(candidates, 10)
	require.NoError(t, err)
	c.Assign(a)

	status := c.Status()
	require.Len(t, status.HopLatencies, 2)
	require.EqualValues(t, 10, status.Assignment.TotalLayers)
	require.Equal(t, 15.0, status.EquivalentModelSize)
}
