package core

import (
	"context"
	"net"

	"github.com/nmxmxh/cortex-grid/internal/directory"
	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/wire"
)

// controlListener accepts inbound control-plane connections, handshakes as
// responder, registers the peer, and hands the session to the
// SessionManager's shared read-dispatch loop.
type controlListener struct {
	log  *logging.Logger
	self *identity.KeyPair
	caps identity.Capabilities

	sessions *SessionManager
	dir      *directory.Store
	onPeer   func(identity.NodeID, identity.Capabilities)

	ln net.Listener
}

func newControlListener(log *logging.Logger, self *identity.KeyPair, caps identity.Capabilities, sessions *SessionManager, dir *directory.Store, onPeer func(identity.NodeID, identity.Capabilities)) *controlListener {
	return &controlListener{
		log:      log.Named("listener"),
		self:     self,
		caps:     caps,
		sessions: sessions,
		dir:      dir,
		onPeer:   onPeer,
	}
}

func (l *controlListener) Serve(ctx context.Context, listenAddr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return grid.Protocol("control plane listen failed", err)
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return grid.Protocol("control plane accept failed", err)
			}
		}
		go l.handleInbound(conn)
	}
}

func (l *controlListener) handleInbound(conn net.Conn) {
	r := wire.NewReader(conn)
	first, err := r.ReadFrame()
	if err != nil || first.Tag != wire.TagHello {
		conn.Close()
		return
	}

	hello, err := identity.UnmarshalHello(first.Body)
	if err != nil {
		l.log.Warn("malformed hello", logging.Err(err))
		conn.Close()
		return
	}

	peerID, err := runResponderHandshake(conn, l.self, l.caps, first)
	if err != nil {
		l.log.Warn("handshake failed", logging.Err(err))
		conn.Close()
		return
	}

	l.dir.Upsert(directory.PeerInfo{
		NodeID:       peerID,
		PubKey:       hello.PubKey,
		Addresses:    []net.Addr{conn.RemoteAddr()},
		Capabilities: hello.Capabilities,
	})
	if l.onPeer != nil {
		l.onPeer(peerID, hello.Capabilities)
	}

	l.sessions.adopt(peerID, conn)
}
