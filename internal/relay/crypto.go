package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

const keyDomainSeparator = "cortex-grid/relay/beacon-key/v1"

// Encrypted is an onion-sealed beacon payload: the ephemeral sender public
// key (so the recipient can reproduce the shared secret), the AEAD nonce,
// and the ciphertext.
type Encrypted struct {
	EphemeralPub [32]byte
	Nonce        [chacha20poly1305.NonceSize]byte
	Ciphertext   []byte
}

// Seal encrypts plaintext for recipientPub: ephemeral X25519 key generation
// (a), ECDH with the recipient's long-term key (b), BLAKE3 domain-separated
// key derivation with an HKDF confirmation pass (c), ChaCha20-Poly1305
// encryption with a random nonce (d), per §4.12.
func Seal(recipientPub [32]byte, plaintext []byte) (Encrypted, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return Encrypted{}, grid.Relay("generate ephemeral key", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return Encrypted{}, grid.Relay("derive ephemeral public key", err)
	}
	shared, err := curve25519.X25519(ephemeralPriv[:], recipientPub[:])
	if err != nil {
		return Encrypted{}, grid.Relay("ECDH failed", err)
	}

	key, err := deriveKey(shared)
	if err != nil {
		return Encrypted{}, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Encrypted{}, grid.Relay("build AEAD cipher", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Encrypted{}, grid.Relay("generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)

	var out Encrypted
	copy(out.EphemeralPub[:], ephemeralPub)
	out.Nonce = nonce
	out.Ciphertext = ciphertext
	return out, nil
}

// Open reverses Seal given the recipient's long-term private key.
func Open(recipientPriv [32]byte, enc Encrypted) ([]byte, error) {
	shared, err := curve25519.X25519(recipientPriv[:], enc.EphemeralPub[:])
	if err != nil {
		return nil, grid.Relay("ECDH failed", err)
	}
	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, grid.Relay("build AEAD cipher", err)
	}
	plaintext, err := aead.Open(nil, enc.Nonce[:], enc.Ciphertext, nil)
	if err != nil {
		return nil, grid.ErrDecryptionFailure
	}
	return plaintext, nil
}

// deriveKey produces the 32-byte ChaCha20-Poly1305 key from an ECDH shared
// secret: a BLAKE3 domain-separated digest, run through an HKDF expansion
// as a belt-and-suspenders confirmation pass before use.
func deriveKey(sharedSecret []byte) ([32]byte, error) {
	blake3Key := blake3.Sum256(append([]byte(keyDomainSeparator), sharedSecret...))

	reader := hkdf.New(sha256.New, blake3Key[:], nil, []byte(keyDomainSeparator))
	var final [32]byte
	if _, err := io.ReadFull(reader, final[:]); err != nil {
		return [32]byte{}, grid.Relay("hkdf expand failed", err)
	}
	return final, nil
}
