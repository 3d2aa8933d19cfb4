package discovery

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
)

// LAN implements Backend over UDP multicast announce/listen.
type LAN struct {
	log      *logging.Logger
	nodeID   identity.NodeID
	pubKey   ed25519.PublicKey
	port     uint16
	interval time.Duration

	conn   *net.UDPConn
	events chan Event
	cancel context.CancelFunc
}

// NewLAN builds a LAN discovery backend that announces this node's identity
// and listening port every interval.
func NewLAN(log *logging.Logger, nodeID identity.NodeID, pubKey ed25519.PublicKey, listenPort uint16, interval time.Duration) *LAN {
	return &LAN{
		log:      log.Named("discovery.lan"),
		nodeID:   nodeID,
		pubKey:   pubKey,
		port:     listenPort,
		interval: interval,
		events:   make(chan Event, 32),
	}
}

func (l *LAN) Events() <-chan Event { return l.events }

// Start opens the multicast socket and spawns the announcer and listener
// loops. It returns once the socket is bound; the loops run until Stop.
func (l *LAN) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: MulticastPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return err
	}
	l.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go l.runAnnouncer(ctx, addr)
	go l.runListener(ctx)
	return nil
}

func (l *LAN) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *LAN) runAnnouncer(ctx context.Context, addr *net.UDPAddr) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	packet := buildAnnouncePacket(l.nodeID, l.pubKey, l.port)
	send := func() {
		if _, err := l.conn.WriteToUDP(packet, addr); err != nil {
			l.log.Warn("announce send failed", logging.Err(err))
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (l *LAN) runListener(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// A 1s read deadline keeps the loop responsive to cancellation
		// without busy-polling (§5).
		_ = l.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				l.log.Warn("announce recv failed", logging.Err(err))
				continue
			}
		}

		nodeID, pub, port, perr := parseAnnouncePacket(buf[:n])
		if perr != nil {
			continue
		}
		if nodeID == l.nodeID {
			continue // drop our own announcement
		}

		addr := &net.TCPAddr{IP: src.IP, Port: int(port)}
		select {
		case l.events <- Event{NodeID: nodeID, PubKey: pub, Address: addr}:
		default:
			l.log.Warn("discovery event channel full, dropping")
		}
	}
}
