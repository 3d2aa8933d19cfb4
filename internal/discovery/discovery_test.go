package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/identity"
)

func TestAnnouncePacketRoundTrip(t *testing.T) {
	kp, err := identity.NewKeyPair()
	require.NoError(t, err)

	packet := buildAnnouncePacket(kp.NodeID, kp.Public, 7654)
	require.Len(t, packet, packetMinSize)

	nodeID, pub, port, err := parseAnnouncePacket(packet)
	require.NoError(t, err)
	require.Equal(t, kp.NodeID, nodeID)
	require.Equal(t, kp.Public, pub)
	require.EqualValues(t, 7654, port)
}

func TestParseAnnouncePacketRejectsBadMagic(t *testing.T) {
	kp, err := identity.NewKeyPair()
	require.NoError(t, err)
	packet := buildAnnouncePacket(kp.NodeID, kp.Public, 1)
	packet[0] = 'X'
	_, _, _, err = parseAnnouncePacket(packet)
	require.Error(t, err)
}

func TestParseAnnouncePacketRejectsShort(t *testing.T) {
	_, _, _, err := parseAnnouncePacket([]byte("short"))
	require.Error(t, err)
}
