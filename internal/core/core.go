// Package core wires every grid component into one running node: config,
// identity, discovery, the peer directory, reputation, the router, the
// task queue and orchestrator, the tensor transport and executor, the
// pipeline coordinator, the relay node, the event bus, and the status
// server. It replaces the teacher's global-mutable-state startup sequence
// with a Core value constructed once and threaded explicitly: New builds
// every substrate, Start spawns its background loops, Shutdown cancels and
// joins them (§9 design note).
package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/nmxmxh/cortex-grid/internal/capability"
	"github.com/nmxmxh/cortex-grid/internal/config"
	"github.com/nmxmxh/cortex-grid/internal/directory"
	"github.com/nmxmxh/cortex-grid/internal/discovery"
	"github.com/nmxmxh/cortex-grid/internal/eventbus"
	"github.com/nmxmxh/cortex-grid/internal/executor"
	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/identity"
	"github.com/nmxmxh/cortex-grid/internal/logging"
	"github.com/nmxmxh/cortex-grid/internal/orchestrator"
	"github.com/nmxmxh/cortex-grid/internal/pipeline"
	"github.com/nmxmxh/cortex-grid/internal/queue"
	"github.com/nmxmxh/cortex-grid/internal/relay"
	"github.com/nmxmxh/cortex-grid/internal/reputation"
	"github.com/nmxmxh/cortex-grid/internal/router"
	"github.com/nmxmxh/cortex-grid/internal/skill"
	"github.com/nmxmxh/cortex-grid/internal/status"
	"github.com/nmxmxh/cortex-grid/internal/tensor"
	"github.com/nmxmxh/cortex-grid/internal/wire"
	"go.uber.org/zap/zapcore"
)

// Core owns every live component of one grid node.
type Core struct {
	cfg *config.Config
	log *logging.Logger
	self *identity.KeyPair
	caps identity.Capabilities

	dir   *directory.Store
	trust *reputation.Graph
	index *router.Index
	rtr   *router.Router
	load  *loadProvider

	queue        *queue.Queue
	bus          *eventbus.Bus
	orchestrator *orchestrator.Orchestrator

	sessions *SessionManager
	listener *controlListener

	tensorTransport *tensor.Transport
	executor        *executor.Executor
	placements      *taskPlacements
	pipeline        *pipeline.Coordinator

	skills       *skill.Registry
	capProbe     capability.Probe
	lastReport   capability.Report

	relayIdentity *relay.RotatingIdentity
	relayStore    *relay.Store
	relayNode     *relay.Node
	neighbors     []relay.Neighbor

	lan discovery.Backend
	wan discovery.Backend

	statusServer *status.Server
}

// New constructs every substrate but starts nothing; Start spawns the
// background loops.
func New(cfg *config.Config) (*Core, error) {
	level := zapcore.InfoLevel
	log := logging.New(cfg.Development, level)

	self, err := identity.LoadOrCreate(cfg.IdentityKeyPath)
	if err != nil {
		return nil, grid.Storage("load or create identity", err)
	}

	caps := identity.Capabilities{
		CanCompute: cfg.EnableCompute,
		CanRelay:   cfg.EnableRelay,
		Skills:     cfg.Skills,
	}

	dir := directory.New(cfg.PeerTTL())

	ratingStore := reputation.NewFileRatingStore(cfg.RatingLogPath)
	trust, err := reputation.NewGraph(self.NodeID, ratingStore, log)
	if err != nil {
		return nil, err
	}
	for _, hexID := range cfg.PreTrusted {
		id, ok := parseHexNodeID(hexID)
		if ok {
			trust.AddPreTrusted(id)
		}
	}

	index := router.NewIndex()
	q := queue.New(cfg.QueueCapacity)
	load := newLoadProvider(q)
	rtr := router.New(self.NodeID, dir, trust, index, load)

	reg := prometheus.NewRegistry()
	bus := eventbus.New(eventbus.NewMetrics(reg))

	sessions := newSessionManager(self, caps, log)

	orch := orchestrator.New(self.NodeID, q, rtr, sessions, bus, log, cfg.MaxRetries, cfg.TaskTimeout())

	tensorTransport := tensor.NewTransport(log)
	placements := newTaskPlacements()

	skills := skill.NewRegistry()
	if cfg.SkillWasmPath != "" {
		wasmBytes, rerr := os.ReadFile(cfg.SkillWasmPath)
		if rerr != nil {
			return nil, grid.Storage("read skill wasm module", rerr)
		}
		wasmExec, werr := skill.NewWasmExecutor(wasmBytes)
		if werr != nil {
			return nil, werr
		}
		skills.Register(cfg.DefaultSkillID, wasmExec)
	} else {
		skills.Register(cfg.DefaultSkillID, skill.FuncExecutor(passthroughSkill))
	}

	var exec *executor.Executor
	if cfg.EnableCompute {
		shard := newSkillShard(skills, cfg.DefaultSkillID, 1)
		exec = executor.New(log, shard, tensorTransport, placements)
	}

	pipe := pipeline.New(cfg.ParamDensityPerLayer)

	relayIdentity, err := relay.NewRotatingIdentity(cfg.RotatingIdentityInterval())
	if err != nil {
		return nil, err
	}
	relayStore := relay.NewStore(10000)
	var relayNode *relay.Node
	if cfg.EnableRelay {
		relayNode = relay.NewNode(relayIdentity, relayStore, sessions, log)
	}

	c := &Core{
		cfg:             cfg,
		log:             log,
		self:            self,
		caps:            caps,
		dir:             dir,
		trust:           trust,
		index:           index,
		rtr:             rtr,
		load:            load,
		queue:           q,
		bus:             bus,
		orchestrator:    orch,
		sessions:        sessions,
		tensorTransport: tensorTransport,
		executor:        exec,
		placements:      placements,
		pipeline:        pipe,
		skills:          skills,
		capProbe:        capability.NewLocalProbe(),
		relayIdentity:   relayIdentity,
		relayStore:      relayStore,
		relayNode:       relayNode,
	}

	sessions.resolveAddr = c.resolveControlAddr
	sessions.dispatch = c.dispatchFrame
	sessions.onClosed = c.handlePeerDisconnect
	sessions.localNodeID = self.NodeID
	sessions.localExecute = c.executeLocalTask

	c.listener = newControlListener(log, self, caps, sessions, dir, c.handlePeerSeen)
	c.statusServer = status.NewServer(log, c.snapshot, time.Second)

	c.lan = discovery.NewLAN(log, self.NodeID, self.Public, cfg.ListenPort, cfg.AnnounceInterval())
	if cfg.EnableWANDiscovery {
		wan, werr := discovery.NewWAN(log)
		if werr != nil {
			log.Warn("wan discovery disabled: failed to start", logging.Err(werr))
		} else {
			c.wan = wan
		}
	}

	return c, nil
}

// resolveControlAddr answers the SessionManager's question of where to dial
// a NodeID it has no open session to, from the directory's preferred
// address.
func (c *Core) resolveControlAddr(id identity.NodeID) (string, bool) {
	p, ok := c.dir.Get(id)
	if !ok {
		return "", false
	}
	addr, ok := p.PreferredAddress()
	if !ok {
		return "", false
	}
	return addr.String(), true
}

// handlePeerSeen records a peer's skill advertisements into the router index
// whenever its Capabilities become known, whether via the initial handshake
// or a later CapabilityAdvert. Capabilities carry no capacity figure, so the
// load cache is not touched here.
func (c *Core) handlePeerSeen(id identity.NodeID, caps identity.Capabilities) {
	for _, s := range caps.Skills {
		c.index.Advertise(id, s)
	}
}

func (c *Core) handlePeerDisconnect(id identity.NodeID) {
	c.orchestrator.HandlePeerDisconnect(id)
}

// dispatchFrame handles one post-handshake frame arriving on an
// authenticated session, from either direction.
func (c *Core) dispatchFrame(peerID identity.NodeID, frame wire.Frame) {
	switch frame.Tag {
	case wire.TagTaskRequest:
		c.handleTaskRequest(peerID, frame.Body)
	case wire.TagTaskAck:
		ack, err := orchestrator.UnmarshalTaskAck(frame.Body)
		if err != nil {
			c.log.Warn("malformed task ack", logging.Err(err))
			return
		}
		c.orchestrator.HandleAck(ack)
	case wire.TagCapabilityAdvert:
		caps, err := identity.DecodeCapabilities(frame.Body)
		if err != nil {
			c.log.Warn("malformed capability advert", logging.Err(err))
			return
		}
		if p, ok := c.dir.Get(peerID); ok {
			p.Capabilities = caps
			c.dir.Upsert(p)
		}
		c.handlePeerSeen(peerID, caps)
	case wire.TagRelayBeacon:
		if c.relayNode == nil {
			return
		}
		b, err := relay.UnmarshalBeacon(frame.Body)
		if err != nil {
			c.log.Warn("malformed relay beacon", logging.Err(err))
			return
		}
		c.relayNode.HandleBeacon(context.Background(), b, c.neighbors)
	default:
		c.log.Debug("unhandled frame tag on control session", logging.Any("tag", frame.Tag))
	}
}

// handleTaskRequest answers a TaskRequest a peer routed to this node: a
// remote delegation has already chosen this node as the winner, so the
// skill runs immediately rather than re-entering this node's own queue
// (which holds tasks awaiting an outbound routing decision, not work
// already assigned here).
func (c *Core) handleTaskRequest(peerID identity.NodeID, body []byte) {
	req, err := orchestrator.UnmarshalTaskRequest(body)
	if err != nil {
		c.log.Warn("malformed task request", logging.Err(err))
		return
	}
	if err := c.sessions.sendTaskAck(peerID, orchestrator.TaskAck{TaskID: req.TaskID, Status: orchestrator.StatusAccepted}); err != nil {
		c.log.Warn("failed to ack task request", logging.Err(err))
	}
	go c.runRemoteTask(peerID, req)
}

func (c *Core) runRemoteTask(peerID identity.NodeID, req orchestrator.TaskRequest) {
	ackStatus := orchestrator.StatusCompleted
	if _, err := c.skills.Execute(context.Background(), c.cfg.DefaultSkillID, req.Payload); err != nil {
		c.log.Warn("remote task execution failed", logging.Err(err))
		ackStatus = orchestrator.StatusFailed
	}
	if err := c.sessions.sendTaskAck(peerID, orchestrator.TaskAck{TaskID: req.TaskID, Status: ackStatus}); err != nil {
		c.log.Warn("failed to send terminal task ack", logging.Err(err))
	}
}

// executeLocalTask implements the Transport short-circuit for a
// self-targeted delegation, without a network hop. A compute-enabled node
// drives the task through the same pipeline.Coordinator/executor/
// taskPlacements machinery a multi-hop run uses; a node with no executor
// just runs the skill directly.
func (c *Core) executeLocalTask(ctx context.Context, req orchestrator.TaskRequest) error {
	if c.executor == nil {
		return c.runLocalSkill(ctx, req)
	}
	return c.runLocalPipeline(ctx, req)
}

func (c *Core) runLocalSkill(ctx context.Context, req orchestrator.TaskRequest) error {
	ackStatus := orchestrator.StatusCompleted
	if _, err := c.skills.Execute(ctx, c.cfg.DefaultSkillID, req.Payload); err != nil {
		c.log.Warn("local task execution failed", logging.Err(err))
		ackStatus = orchestrator.StatusFailed
	}
	c.orchestrator.HandleAck(orchestrator.TaskAck{TaskID: req.TaskID, Status: ackStatus})
	return nil
}

// runLocalPipeline builds a single-candidate Assignment for this node,
// records it on the pipeline coordinator, populates this task's placement
// so executor.handleHiddenState's Lookup can resolve it, and drives the
// run through RunHead — exactly the path placements.go documents as
// "single-node runs work end to end".
func (c *Core) runLocalPipeline(ctx context.Context, req orchestrator.TaskRequest) error {
	ownAddr := fmt.Sprintf("127.0.0.1:%d", c.cfg.TensorPort)
	assignment, err := pipeline.Build([]pipeline.Candidate{{
		NodeID:        c.self.NodeID,
		Address:       ownAddr,
		CapacityScore: c.lastReport.CapacityScore,
		MaxLayers:     c.lastReport.MaxLayers,
	}}, 1)
	if err != nil {
		c.log.Warn("local pipeline build failed", logging.Err(err))
		c.orchestrator.HandleAck(orchestrator.TaskAck{TaskID: req.TaskID, Status: orchestrator.StatusFailed})
		return nil
	}
	c.pipeline.Assign(assignment)

	hop := assignment.Hops[0]
	c.placements.Set(req.TaskID, executor.HopInfo{
		Role:       hop.Role,
		StartLayer: hop.StartLayer,
		EndLayer:   hop.EndLayer,
	})
	defer c.placements.Clear(req.TaskID)

	frame, err := frameFromPayload(req.Payload)
	ackStatus := orchestrator.StatusCompleted
	if err != nil {
		c.log.Warn("local pipeline frame build failed", logging.Err(err))
		ackStatus = orchestrator.StatusFailed
	} else if _, err := c.executor.RunHead(ctx, req.TaskID, ownAddr, ownAddr, frame, c.cfg.TensorTimeout()); err != nil {
		c.log.Warn("local pipeline run failed", logging.Err(err))
		ackStatus = orchestrator.StatusFailed
	}
	c.orchestrator.HandleAck(orchestrator.TaskAck{TaskID: req.TaskID, Status: ackStatus})
	return nil
}

// frameFromPayload wraps raw skill payload bytes as a flat F32 Frame, the
// same bridging convention skillShard.Forward uses for its own output
// (§6's abstract Model shard has no raw-byte dtype, so the bridge rounds
// down to a whole number of F32 elements).
func frameFromPayload(payload []byte) (tensor.Frame, error) {
	n := len(payload) / 4
	return tensor.NewFrame([]uint64{uint64(n)}, tensor.F32, payload[:n*4])
}

// SubmitTask originates a task from this node rather than reacting to a
// peer's TaskRequest: it builds a content-addressed Task, enqueues it, and
// delegates it immediately rather than waiting on the orchestrator's drain
// ticker. This is the Go analogue of the original's send_task/infer
// (crates/node/src/task_server.rs, crates/grid/src/pipeline.rs), which also
// had no notion of a caller-originated task separate from one run directly.
func (c *Core) SubmitTask(ctx context.Context, skillID string, payload []byte, priority queue.Priority) (queue.TaskID, error) {
	taskID := queue.TaskID(blake3.Sum256(payload))
	task := &queue.Task{TaskID: taskID, Skill: skillID, Payload: payload, Priority: priority}
	if err := c.queue.Enqueue(task); err != nil {
		return taskID, err
	}
	dequeued, ok := c.queue.Dequeue()
	if !ok {
		return taskID, grid.Queue("submitted task vanished before its own dequeue", nil)
	}
	c.orchestrator.Delegate(ctx, dequeued)
	return taskID, nil
}

// Start spawns every background loop and blocks until ctx is cancelled or a
// component returns a terminal error.
func (c *Core) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.listener.Serve(ctx, fmt.Sprintf(":%d", c.cfg.ListenPort))
	})

	if c.executor != nil {
		g.Go(func() error {
			return c.executor.ListenAndServe(ctx, fmt.Sprintf(":%d", c.cfg.TensorPort))
		})
	}

	g.Go(func() error {
		return c.orchestrator.Run(ctx)
	})

	if c.relayNode != nil {
		g.Go(func() error {
			c.relayNode.RunMaintenance(ctx, time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		c.statusServer.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return c.runDiscovery(ctx, c.lan)
	})
	if c.wan != nil {
		g.Go(func() error {
			return c.runDiscovery(ctx, c.wan)
		})
	}

	g.Go(func() error {
		c.runMaintenance(ctx)
		return nil
	})

	return g.Wait()
}

// runDiscovery starts backend and forwards its events into a dial+handshake
// attempt and a directory upsert.
func (c *Core) runDiscovery(ctx context.Context, backend discovery.Backend) error {
	if backend == nil {
		return nil
	}
	if err := backend.Start(); err != nil {
		return grid.Protocol("discovery backend start failed", err)
	}
	go func() {
		<-ctx.Done()
		_ = backend.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-backend.Events():
			if !ok {
				return nil
			}
			c.handleDiscoveryEvent(ctx, ev)
		}
	}
}

func (c *Core) handleDiscoveryEvent(ctx context.Context, ev discovery.Event) {
	if ev.NodeID == c.self.NodeID {
		return
	}
	if _, ok := c.dir.Get(ev.NodeID); ok {
		c.dir.Touch(ev.NodeID)
		return
	}
	if ev.Address == nil {
		return
	}
	addr := ev.Address.String()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.sessions.getOrDial(dialCtx, ev.NodeID, addr); err != nil {
		c.log.Debug("discovery dial failed", logging.String("addr", addr), logging.Err(err))
		return
	}
	c.dir.Upsert(directory.PeerInfo{NodeID: ev.NodeID, Addresses: []net.Addr{ev.Address}})
}

// runMaintenance runs the periodic, non-event-driven upkeep tasks: trust
// recomputation, directory pruning, and a fresh capability probe pushed
// into the router's load cache.
func (c *Core) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.trust.Recompute()
			c.dir.PruneExpired()
			if report, err := c.capProbe.Probe(); err == nil {
				c.lastReport = report
				c.load.setCapacity(c.self.NodeID, report.CapacityScore)
			}
		}
	}
}

// Shutdown flushes the logger. Loop teardown itself is driven by cancelling
// the context passed to Start; Shutdown only releases resources Start does
// not own a context-bound goroutine for.
func (c *Core) Shutdown() {
	_ = c.log.Sync()
}

func parseHexNodeID(s string) (identity.NodeID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return identity.NodeID{}, false
	}
	return identity.NodeIDFromBytes(b)
}

func passthroughSkill(_ context.Context, input []byte) ([]byte, error) {
	return input, nil
}
