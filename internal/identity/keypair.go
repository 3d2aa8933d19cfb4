package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
)

// KeyPair is a peer's long-term Ed25519 signing key, with the derived NodeID
// cached alongside it.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	NodeID  NodeID
}

// NewKeyPair generates a fresh Ed25519 key pair.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub, NodeID: DeriveNodeID(pub)}, nil
}

// persistedKey is the on-disk JSON representation, matching the teacher's
// own SaveIdentity/LoadIdentity shape (PersistentIdentity{PrivKey, PeerID}).
type persistedKey struct {
	PrivateKey []byte `json:"private_key"`
}

// LoadOrCreate loads an Ed25519 key from path if present, else generates one
// and persists it with 0600 permissions ("the long-term Ed25519 signing key,
// stored in a platform-appropriate secret location").
func LoadOrCreate(path string) (*KeyPair, error) {
	if data, err := os.ReadFile(path); err == nil {
		var pk persistedKey
		if err := json.Unmarshal(data, &pk); err != nil {
			return nil, err
		}
		priv := ed25519.PrivateKey(pk.PrivateKey)
		pub := priv.Public().(ed25519.PublicKey)
		return &KeyPair{Private: priv, Public: pub, NodeID: DeriveNodeID(pub)}, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(persistedKey{PrivateKey: kp.Private})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return kp, nil
}

// Sign signs data with the long-term private key.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.Private, data)
}
