package core

import (
	"context"
	"net"
	"sync"

	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/orchestrator"
	"github.com/nmxmxh/cortex-grid/internal/relay"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// Session is one authenticated control-plane connection to a peer, shared
// by everything that needs to push a frame at that peer: the orchestrator
// (TaskRequest/TaskAck) and capability advertisement. Relay beacons do not
// use it; SendBeacon dials a fresh connection per beacon.
type Session struct {
	peerID identity.NodeID
	conn   net.Conn

	writeMu sync.Mutex
	writer  *wire.Writer
}

func (s *Session) writeFrame(tag wire.Tag, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WriteFrame(tag, body)
}

func (s *Session) Close() error { return s.conn.Close() }

// dispatchFunc handles one post-handshake inbound frame from a given peer.
type dispatchFunc func(peerID identity.NodeID, frame wire.Frame)

// SessionManager owns every outbound/inbound authenticated session, keyed
// by peer NodeID, and dials+handshakes lazily on first use.
type SessionManager struct {
	local *identity.KeyPair
	caps  identity.Capabilities
	log   *logging.Logger

	dispatch    dispatchFunc
	onClosed    func(peerID identity.NodeID)
	resolveAddr func(identity.NodeID) (string, bool)

	// localNodeID/localExecute let SendTaskRequest short-circuit a
	// self-targeted delegation (router.Decision.Local) into an in-process
	// skill call instead of dialing back into its own listener.
	localNodeID identity.NodeID
	localExecute func(ctx context.Context, req orchestrator.TaskRequest) error

	mu       sync.Mutex
	sessions map[identity.NodeID]*Session
}

func newSessionManager(local *identity.KeyPair, caps identity.Capabilities, log *logging.Logger) *SessionManager {
	return &SessionManager{
		local:    local,
		caps:     caps,
		log:      log.Named("session"),
		sessions: make(map[identity.NodeID]*Session),
	}
}

// adopt installs a session whose handshake already completed (inbound side,
// handled by the control-plane listener) and starts its read-dispatch loop.
func (m *SessionManager) adopt(peerID identity.NodeID, conn net.Conn) *Session {
	s := &Session{peerID: peerID, conn: conn, writer: wire.NewWriter(conn)}
	m.mu.Lock()
	if old, ok := m.sessions[peerID]; ok {
		old.Close()
	}
	m.sessions[peerID] = s
	m.mu.Unlock()
	go m.readLoop(s)
	return s
}

func (m *SessionManager) readLoop(s *Session) {
	defer func() {
		s.Close()
		m.mu.Lock()
		if m.sessions[s.peerID] == s {
			delete(m.sessions, s.peerID)
		}
		m.mu.Unlock()
		if m.onClosed != nil {
			m.onClosed(s.peerID)
		}
	}()

	r := wire.NewReader(s.conn)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		if m.dispatch != nil {
			m.dispatch(s.peerID, frame)
		}
	}
}

// dial opens a new TCP connection to addr and runs the handshake as
// initiator, adopting the resulting session on success.
func (m *SessionManager) dial(ctx context.Context, addr string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, grid.Protocol("dial peer failed", err)
	}

	peerID, err := runInitiatorHandshake(conn, m.local, m.caps)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m.adopt(peerID, conn), nil
}

// getOrDial returns the existing session for peerID, or dials addr to
// establish one.
func (m *SessionManager) getOrDial(ctx context.Context, peerID identity.NodeID, addr string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	return m.dial(ctx, addr)
}

func (m *SessionManager) get(peerID identity.NodeID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// runInitiatorHandshake drives the four-message handshake as the dialing
// side, returning the verified remote NodeID on success.
func runInitiatorHandshake(conn net.Conn, local *identity.KeyPair, caps identity.Capabilities) (identity.NodeID, error) {
	h := identity.NewInitiator(local, caps)
	w := wire.NewWriter(conn)
	r := wire.NewReader(conn)

	first, err := h.Start()
	if err != nil {
		return identity.NodeID{}, err
	}
	if err := w.WriteFrame(first.Tag, first.Body); err != nil {
		return identity.NodeID{}, err
	}

	for {
		in, err := r.ReadFrame()
		if err != nil {
			return identity.NodeID{}, grid.Protocol("handshake read failed", err)
		}
		out, completed, err := h.Process(in)
		if err != nil {
			return identity.NodeID{}, err
		}
		if out != nil {
			if err := w.WriteFrame(out.Tag, out.Body); err != nil {
				return identity.NodeID{}, err
			}
		}
		if completed {
			return h.RemoteNodeID(), nil
		}
	}
}

// runResponderHandshake drives the handshake as the accepting side given the
// already-read Hello frame, returning the verified remote NodeID. The
// caller parses hello's Capabilities itself (the handshaker only keeps them
// long enough to verify the Hello signature) since the listener needs them
// for the directory upsert it makes once the handshake succeeds.
func runResponderHandshake(conn net.Conn, local *identity.KeyPair, caps identity.Capabilities, hello wire.Frame) (identity.NodeID, error) {
	h := identity.NewResponder(local, caps)
	w := wire.NewWriter(conn)
	r := wire.NewReader(conn)

	out, completed, err := h.Process(hello)
	if err != nil {
		return identity.NodeID{}, err
	}
	if out == nil || completed {
		return identity.NodeID{}, grid.ErrOutOfOrder
	}
	if err := w.WriteFrame(out.Tag, out.Body); err != nil {
		return identity.NodeID{}, err
	}

	for {
		in, err := r.ReadFrame()
		if err != nil {
			return identity.NodeID{}, grid.Protocol("handshake read failed", err)
		}
		out, completed, err := h.Process(in)
		if err != nil {
			return identity.NodeID{}, err
		}
		if out != nil {
			if err := w.WriteFrame(out.Tag, out.Body); err != nil {
				return identity.NodeID{}, err
			}
		}
		if completed {
			return h.RemoteNodeID(), nil
		}
	}
}

// SendTaskRequest implements orchestrator.Transport.
func (m *SessionManager) SendTaskRequest(ctx context.Context, target identity.NodeID, req orchestrator.TaskRequest) error {
	if m.localExecute != nil && target == m.localNodeID {
		return m.localExecute(ctx, req)
	}
	addr, ok := m.resolveAddr(target)
	if !ok {
		return grid.Routing("no known address for task target", nil).WithContext("node", target.String())
	}
	s, err := m.getOrDial(ctx, target, addr)
	if err != nil {
		return err
	}
	if err := s.writeFrame(wire.TagTaskRequest, req.Marshal()); err != nil {
		m.mu.Lock()
		delete(m.sessions, target)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *SessionManager) sendTaskAck(peerID identity.NodeID, ack orchestrator.TaskAck) error {
	s, ok := m.get(peerID)
	if !ok {
		return grid.Routing("no session to ack task to", nil)
	}
	return s.writeFrame(wire.TagTaskAck, ack.Marshal())
}

// SendBeacon implements relay.Sender: deliver a beacon to addr, dialing and
// handshaking a fresh connection each time. Relay beacons travel between
// peers that may never otherwise exchange a TaskRequest and whose
// short-lived rotating identity makes a persistent session not worth
// keeping, so this dials by address directly rather than reusing the
// control-plane session pool.
func (m *SessionManager) SendBeacon(ctx context.Context, addr string, b relay.Beacon) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return grid.Relay("dial relay neighbor failed", err)
	}
	defer conn.Close()

	if _, err := runInitiatorHandshake(conn, m.local, m.caps); err != nil {
		return err
	}
	return wire.NewWriter(conn).WriteFrame(wire.TagRelayBeacon, b.Marshal())
}

func (m *SessionManager) sendCapabilityAdvert(peerID identity.NodeID, caps identity.Capabilities) error {
	s, ok := m.get(peerID)
	if !ok {
		return grid.Routing("no session to advertise capabilities to", nil)
	}
	return s.writeFrame(wire.TagCapabilityAdvert, caps.Encode())
}
