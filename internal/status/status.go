// Package status implements the read-only websocket introspection
// endpoint: a single serializable view-model distinct from the internal
// model (§9 design note — "keep a single serializable view-model; UI reads
// the view-model only").
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/cortex-grid/internal/logging"
)

// PeerView is the UI-facing projection of one directory entry.
type PeerView struct {
	NodeID     string   `json:"node_id"`
	Addresses  []string `json:"addresses"`
	LatencyMs  *uint32  `json:"latency_ms,omitempty"`
	Reputation *float32 `json:"reputation,omitempty"`
	Skills     []string `json:"skills"`
}

// QueueView mirrors queue.Stats without importing the queue package's
// internal Task type.
type QueueView struct {
	Low, Normal, High, Critical int
	InFlight                    int
}

// ViewModel is the complete snapshot pushed to every connected client.
type ViewModel struct {
	NodeID    string     `json:"node_id"`
	Peers     []PeerView `json:"peers"`
	Queue     QueueView  `json:"queue"`
	Timestamp time.Time  `json:"timestamp"`
}

// Snapshot builds the current ViewModel. Supplied by the caller (internal
// wiring lives in internal/core, which has access to the live directory,
// queue, and pipeline state this package must not import directly).
type Snapshot func() ViewModel

// Server serves the websocket introspection endpoint, broadcasting the
// current Snapshot to all connected clients on an interval.
type Server struct {
	log      *logging.Logger
	snapshot Snapshot
	upgrader websocket.Upgrader
	interval time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewServer(log *logging.Logger, snapshot Snapshot, broadcastInterval time.Duration) *Server {
	if broadcastInterval <= 0 {
		broadcastInterval = time.Second
	}
	return &Server{
		log:      log.Named("status"),
		snapshot: snapshot,
		interval: broadcastInterval,
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler upgrades a connection and registers it for broadcast pushes.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", logging.Err(err))
			return
		}
		s.register(conn)

		if err := s.push(conn, s.snapshot()); err != nil {
			s.unregister(conn)
			return
		}

		go s.readLoop(conn)
	}
}

// readLoop drains and discards client frames (this endpoint is read-only
// from the UI's perspective) so the connection's read deadline/pong
// machinery keeps functioning, and unregisters on close.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) register(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Server) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
	conn.Close()
}

func (s *Server) push(conn *websocket.Conn, vm ViewModel) error {
	body, err := json.Marshal(vm)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, body)
}

// Run periodically broadcasts the snapshot to every connected client until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vm := s.snapshot()
			s.mu.Lock()
			for conn := range s.clients {
				if err := s.push(conn, vm); err != nil {
					delete(s.clients, conn)
					conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}
