package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	ri, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)

	plaintext := []byte("the beacon's secret contents")
	enc, err := Seal(ri.PublicKey(), plaintext)
	require.NoError(t, err)

	decoded, err := Open(ri.PrivateKey(), enc)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	ri, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	other, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)

	enc, err := Seal(ri.PublicKey(), []byte("hello"))
	require.NoError(t, err)

	_, err = Open(other.PrivateKey(), enc)
	require.Error(t, err)
}

func TestEvaluateDeliversLocal(t *testing.T) {
	ri, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	store := NewStore(0)

	enc, err := Seal(ri.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	b := Beacon{RecipientHash: ri.Hash(), TTL: 5, HopCount: 0, Payload: enc, CreatedAt: time.Now()}

	decision := store.Evaluate(b, ri)
	require.Equal(t, DecisionDeliverLocal, decision)
	require.Len(t, store.Pickup(), 1)
}

func TestEvaluateForwardsAndSuppressesLoop(t *testing.T) {
	recipient, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	relayIdentity, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	store := NewStore(0)

	enc, err := Seal(recipient.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	b := Beacon{RecipientHash: recipient.Hash(), TTL: 5, HopCount: 0, Payload: enc, CreatedAt: time.Now()}

	first := store.Evaluate(b, relayIdentity)
	require.Equal(t, DecisionForward, first)

	second := store.Evaluate(b, relayIdentity)
	require.Equal(t, DecisionDrop, second)
}

func TestEvaluateDropsAtMaxHops(t *testing.T) {
	recipient, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	relayIdentity, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	store := NewStore(0)

	enc, err := Seal(recipient.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	b := Beacon{RecipientHash: recipient.Hash(), TTL: 1, HopCount: MaxHops, Payload: enc, CreatedAt: time.Now()}

	require.Equal(t, DecisionDrop, store.Evaluate(b, relayIdentity))
}

func TestEvaluateDropsExpiredBeacon(t *testing.T) {
	recipient, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	relayIdentity, err := NewRotatingIdentity(RotatingIdentityInterval)
	require.NoError(t, err)
	store := NewStore(0)

	enc, err := Seal(recipient.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	b := Beacon{RecipientHash: recipient.Hash(), TTL: 5, HopCount: 0, Payload: enc, CreatedAt: time.Now().Add(-2 * BeaconExpiry)}

	require.Equal(t, DecisionDrop, store.Evaluate(b, relayIdentity))
}

func TestNextHopDecrementsTTLIncrementsHopCount(t *testing.T) {
	b := Beacon{TTL: 5, HopCount: 2}
	next, err := NextHop(b)
	require.NoError(t, err)
	require.EqualValues(t, 4, next.TTL)
	require.EqualValues(t, 3, next.HopCount)
}

func TestNextHopRejectsZeroTTL(t *testing.T) {
	_, err := NextHop(Beacon{TTL: 0})
	require.Error(t, err)
}

func TestIdentityRotationChangesHash(t *testing.T) {
	ri, err := NewRotatingIdentity(time.Millisecond)
	require.NoError(t, err)
	before := ri.Hash()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ri.MaybeRotate())
	after := ri.Hash()
	require.NotEqual(t, before, after)
}
