package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// State is one node of the handshake finite state machine (§4.2).
type State int

const (
	StateInitial State = iota
	StateHelloSent
	StateChallengeReceived
	StateProveSent
	StateChallengeSent
	StateWelcomeSent
	StateCompleted
	StateFailed
)

// HelloMsg is the initiator's opening message.
type HelloMsg struct {
	ProtocolVersion uint32
	NodeID          NodeID
	PubKey          ed25519.PublicKey
	Capabilities    Capabilities
	Signature       []byte
}

func signData(version uint32, nodeID NodeID, pub ed25519.PublicKey, caps Capabilities) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, version)
	buf = append(buf, nodeID[:]...)
	buf = append(buf, pub...)
	buf = append(buf, caps.Encode()...)
	return buf
}

func (h HelloMsg) Marshal() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, h.ProtocolVersion)
	body = append(body, h.NodeID[:]...)
	body = append(body, h.PubKey...)
	capsEnc := h.Capabilities.Encode()
	capsLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(capsLen, uint32(len(capsEnc)))
	body = append(body, capsLen...)
	body = append(body, capsEnc...)
	body = append(body, h.Signature...)
	return body
}

func UnmarshalHello(buf []byte) (HelloMsg, error) {
	var h HelloMsg
	if len(buf) < 4+32+ed25519.PublicKeySize+4 {
		return h, grid.Protocol("hello: truncated", nil)
	}
	off := 0
	h.ProtocolVersion = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	copy(h.NodeID[:], buf[off:off+32])
	off += 32
	h.PubKey = append(ed25519.PublicKey(nil), buf[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	capsLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+capsLen > len(buf) {
		return h, grid.Protocol("hello: truncated capabilities", nil)
	}
	caps, err := DecodeCapabilities(buf[off : off+capsLen])
	if err != nil {
		return h, err
	}
	h.Capabilities = caps
	off += capsLen
	h.Signature = append([]byte(nil), buf[off:]...)
	return h, nil
}

// ChallengeMsg is the responder's 32-byte random nonce.
type ChallengeMsg struct {
	Nonce [32]byte
}

func (c ChallengeMsg) Marshal() []byte { return append([]byte(nil), c.Nonce[:]...) }

func UnmarshalChallenge(buf []byte) (ChallengeMsg, error) {
	var c ChallengeMsg
	if len(buf) != 32 {
		return c, grid.Protocol("challenge: wrong length", nil)
	}
	copy(c.Nonce[:], buf)
	return c, nil
}

// ProveMsg is the initiator's signature over the challenge nonce.
type ProveMsg struct {
	Signature []byte
}

func (p ProveMsg) Marshal() []byte { return append([]byte(nil), p.Signature...) }

func UnmarshalProve(buf []byte) (ProveMsg, error) {
	if len(buf) != ed25519.SignatureSize {
		return ProveMsg{}, grid.Protocol("prove: wrong signature length", nil)
	}
	return ProveMsg{Signature: append([]byte(nil), buf...)}, nil
}

// WelcomeMsg closes the handshake with a session id and session parameters.
type WelcomeMsg struct {
	SessionID         [16]byte
	HeartbeatInterval uint32 // milliseconds, default 30000
	MaxMessageSize    uint32 // default 16 MiB
}

func (w WelcomeMsg) Marshal() []byte {
	buf := append([]byte(nil), w.SessionID[:]...)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint32(tail[0:4], w.HeartbeatInterval)
	binary.LittleEndian.PutUint32(tail[4:8], w.MaxMessageSize)
	return append(buf, tail...)
}

func UnmarshalWelcome(buf []byte) (WelcomeMsg, error) {
	var w WelcomeMsg
	if len(buf) != 16+8 {
		return w, grid.Protocol("welcome: wrong length", nil)
	}
	copy(w.SessionID[:], buf[:16])
	w.HeartbeatInterval = binary.LittleEndian.Uint32(buf[16:20])
	w.MaxMessageSize = binary.LittleEndian.Uint32(buf[20:24])
	return w, nil
}

// Handshaker drives one side of the four-message exchange. Any message
// received out of the expected order is fatal: state becomes StateFailed
// and the connection must be closed by the caller.
type Handshaker struct {
	isInitiator bool
	state       State

	local  *KeyPair
	caps   Capabilities

	remoteNodeID NodeID
	remotePubKey ed25519.PublicKey
	nonce        [32]byte
	sessionID    [16]byte
}

func NewInitiator(local *KeyPair, caps Capabilities) *Handshaker {
	return &Handshaker{isInitiator: true, state: StateInitial, local: local, caps: caps}
}

func NewResponder(local *KeyPair, caps Capabilities) *Handshaker {
	return &Handshaker{isInitiator: false, state: StateInitial, local: local, caps: caps}
}

func (h *Handshaker) State() State { return h.state }

func (h *Handshaker) RemoteNodeID() NodeID { return h.remoteNodeID }

func (h *Handshaker) SessionID() [16]byte { return h.sessionID }

func (h *Handshaker) fail(err error) error {
	h.state = StateFailed
	return err
}

// Start produces the initiator's first frame (Hello). Only valid from
// StateInitial on the initiator side.
func (h *Handshaker) Start() (wire.Frame, error) {
	if !h.isInitiator || h.state != StateInitial {
		return wire.Frame{}, h.fail(grid.ErrOutOfOrder)
	}
	sig := h.local.Sign(signData(wire.ProtocolVersion, h.local.NodeID, h.local.Public, h.caps))
	hello := HelloMsg{
		ProtocolVersion: wire.ProtocolVersion,
		NodeID:          h.local.NodeID,
		PubKey:          h.local.Public,
		Capabilities:    h.caps,
		Signature:       sig,
	}
	h.state = StateHelloSent
	return wire.Frame{Tag: wire.TagHello, Body: hello.Marshal()}, nil
}

// Process advances the state machine on an inbound frame, returning the
// next frame to send (if any) and whether the handshake completed.
func (h *Handshaker) Process(in wire.Frame) (out *wire.Frame, completed bool, err error) {
	switch {
	case !h.isInitiator && h.state == StateInitial && in.Tag == wire.TagHello:
		return h.onHello(in.Body)
	case h.isInitiator && h.state == StateHelloSent && in.Tag == wire.TagChallenge:
		return h.onChallenge(in.Body)
	case !h.isInitiator && h.state == StateChallengeSent && in.Tag == wire.TagProve:
		return h.onProve(in.Body)
	case h.isInitiator && h.state == StateProveSent && in.Tag == wire.TagWelcome:
		return h.onWelcome(in.Body)
	default:
		return nil, false, h.fail(grid.ErrOutOfOrder.WithContext("state", h.state).WithContext("tag", in.Tag))
	}
}

func (h *Handshaker) onHello(body []byte) (*wire.Frame, bool, error) {
	hello, err := UnmarshalHello(body)
	if err != nil {
		return nil, false, h.fail(err)
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		return nil, false, h.fail(grid.ErrVersionMismatch)
	}
	if DeriveNodeID(hello.PubKey) != hello.NodeID {
		return nil, false, h.fail(grid.ErrNodeIDMismatch)
	}
	expected := signData(hello.ProtocolVersion, hello.NodeID, hello.PubKey, hello.Capabilities)
	if !ed25519.Verify(hello.PubKey, expected, hello.Signature) {
		return nil, false, h.fail(grid.ErrBadSignature)
	}
	h.remoteNodeID = hello.NodeID
	h.remotePubKey = hello.PubKey

	if _, err := rand.Read(h.nonce[:]); err != nil {
		return nil, false, h.fail(grid.Protocol("generate challenge nonce", err))
	}
	h.state = StateChallengeSent
	out := wire.Frame{Tag: wire.TagChallenge, Body: ChallengeMsg{Nonce: h.nonce}.Marshal()}
	return &out, false, nil
}

func (h *Handshaker) onChallenge(body []byte) (*wire.Frame, bool, error) {
	chal, err := UnmarshalChallenge(body)
	if err != nil {
		return nil, false, h.fail(err)
	}
	sig := h.local.Sign(chal.Nonce[:])
	h.state = StateProveSent
	out := wire.Frame{Tag: wire.TagProve, Body: ProveMsg{Signature: sig}.Marshal()}
	return &out, false, nil
}

func (h *Handshaker) onProve(body []byte) (*wire.Frame, bool, error) {
	prove, err := UnmarshalProve(body)
	if err != nil {
		return nil, false, h.fail(err)
	}
	if !ed25519.Verify(h.remotePubKey, h.nonce[:], prove.Signature) {
		return nil, false, h.fail(grid.ErrBadSignature)
	}
	var sessionID [16]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		return nil, false, h.fail(grid.Protocol("generate session id", err))
	}
	h.sessionID = sessionID
	welcome := WelcomeMsg{
		SessionID:         sessionID,
		HeartbeatInterval: 30000,
		MaxMessageSize:    wire.DefaultMaxFrameSize,
	}
	h.state = StateCompleted
	out := wire.Frame{Tag: wire.TagWelcome, Body: welcome.Marshal()}
	return &out, true, nil
}

func (h *Handshaker) onWelcome(body []byte) (*wire.Frame, bool, error) {
	welcome, err := UnmarshalWelcome(body)
	if err != nil {
		return nil, false, h.fail(err)
	}
	h.sessionID = welcome.SessionID
	h.state = StateCompleted
	return nil, true, nil
}
