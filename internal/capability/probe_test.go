package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalProbeReturnsPositiveScore(t *testing.T) {
	p := NewLocalProbe()
	report, err := p.Probe()
	require.NoError(t, err)
	require.Greater(t, report.Cores, 0)
	require.Greater(t, report.CapacityScore, 0)
	require.LessOrEqual(t, report.CapacityScore, 100)
	require.Greater(t, report.MaxLayers, uint32(0))
}

func TestCapacityScoreMonotonic(t *testing.T) {
	require.Less(t, capacityScore(1, 512), capacityScore(8, 16384))
}
