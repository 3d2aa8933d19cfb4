package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cortex-grid/internal/wire"
)

func TestHandshakeFlow(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)
	b, err := NewKeyPair()
	require.NoError(t, err)

	initiator := NewInitiator(a, Capabilities{CanCompute: true, Skills: []string{"llm.completion"}})
	responder := NewResponder(b, Capabilities{CanCompute: true})

	hello, err := initiator.Start()
	require.NoError(t, err)
	require.Equal(t, wire.TagHello, hello.Tag)

	challenge, completed, err := responder.Process(hello)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, wire.TagChallenge, challenge.Tag)
	require.Equal(t, a.NodeID, responder.RemoteNodeID())

	prove, completed, err := initiator.Process(*challenge)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, wire.TagProve, prove.Tag)

	welcome, completed, err := responder.Process(*prove)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, wire.TagWelcome, welcome.Tag)
	require.Equal(t, StateCompleted, responder.State())

	out, completed, err := initiator.Process(*welcome)
	require.NoError(t, err)
	require.True(t, completed)
	require.Nil(t, out)
	require.Equal(t, StateCompleted, initiator.State())
	require.Equal(t, responder.SessionID(), initiator.SessionID())
}

func TestHandshakeRejectsOutOfOrder(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)

	responder := NewResponder(a, Capabilities{})
	_, _, err = responder.Process(wire.Frame{Tag: wire.TagWelcome})
	require.Error(t, err)
	require.Equal(t, StateFailed, responder.State())
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)
	b, err := NewKeyPair()
	require.NoError(t, err)

	initiator := NewInitiator(a, Capabilities{})
	responder := NewResponder(b, Capabilities{})

	hello, err := initiator.Start()
	require.NoError(t, err)
	hello.Body[len(hello.Body)-1] ^= 0xFF // corrupt signature

	_, _, err = responder.Process(hello)
	require.Error(t, err)
	require.Equal(t, StateFailed, responder.State())
}
