package node

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshworks/overmesh/src/config"
	"github.com/meshworks/overmesh/src/diagram"
	"github.com/meshworks/overmesh/src/graph"
	"github.com/meshworks/overmesh/src/peers"
	"github.com/meshworks/overmesh/src/wire"
)

// eventInboxSize bounds the controller inbox. A full inbox blocks the
// producing session, which is the intended backpressure.
const eventInboxSize = 256

// commandInboxSize bounds each session's command inbox.
const commandInboxSize = 16

// peerRecord is the controller-side view of one session. The state
// field mirrors what the session last reported; the session itself is
// authoritative.
type peerRecord struct {
	id         peers.PeerID
	direction  peers.Direction
	remote     peers.NodeInfo
	state      peers.PeerState
	cmdCh      chan command
	abort      func()
	remoteAddr string
	lastRTT    time.Duration
	hasRTT     bool
	startedAt  time.Time
}

// Controller is the per-node coordinator. It owns the peer registry,
// the target list, and the merged network graph, and it drives the
// listen loop, the dial monitor, the status monitor, and the discovery
// loop.
//
// All of that state is owned by the Run loop: sessions, the accept
// loop, and the tickers communicate with it exclusively through the
// event inbox, so none of the collections need locks.
type Controller struct {
	conf   *config.Config
	logger *logrus.Entry

	identity peers.NodeInfo
	stream   *wire.StreamLayer
	targets  *peers.TargetStore
	renderer diagram.Renderer

	evtCh  chan event
	stopCh chan struct{}

	peersByID  map[peers.PeerID]*peerRecord
	byNode     map[peers.NodeID]peers.PeerID
	attempts   map[string]int
	g          *graph.Graph
	nextPeerID peers.PeerID

	statusCh   chan statusSnapshot
	statusMu   sync.RWMutex
	lastStatus statusSnapshot

	start        time.Time
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewController returns an uninitialised controller. Call Init before
// Run.
func NewController(conf *config.Config) *Controller {
	return &Controller{
		conf:      conf,
		logger:    conf.Logger().WithField("prefix", "controller"),
		evtCh:     make(chan event, eventInboxSize),
		stopCh:    make(chan struct{}),
		peersByID: make(map[peers.PeerID]*peerRecord),
		byNode:    make(map[peers.NodeID]peers.PeerID),
		attempts:  make(map[string]int),
		g:         graph.New(),
		statusCh:  make(chan statusSnapshot, 1),
		renderer:  diagram.D2{},
	}
}

// Init resolves the node's identity, binds the listen socket, and
// loads the target list. Errors here are fatal; nothing has been
// spawned yet.
func (c *Controller) Init() error {
	var id peers.NodeID
	var err error
	if c.conf.NodeID != "" {
		id, err = peers.ParseNodeID(c.conf.NodeID)
	} else {
		id, err = peers.NewNodeID()
	}
	if err != nil {
		return err
	}

	c.stream, err = wire.Listen(c.conf.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", c.conf.BindAddr, err)
	}

	listenAddr, err := peers.NormalizeAddr(c.stream.Addr().String())
	if err != nil {
		return err
	}

	c.identity = peers.NodeInfo{ID: id, Label: c.conf.Label, NetAddr: listenAddr}
	c.logger = c.logger.WithField("this_id", id.Short())

	c.targets = peers.NewTargetStore(c.conf.TargetPath, c.conf.Logger())
	if err := c.targets.Load(); err != nil {
		c.stream.Close()
		return err
	}
	if c.conf.WatchTargets {
		if err := c.targets.Watch(); err != nil {
			c.logger.WithError(err).Warn("Target file watching disabled")
		}
	}

	c.g.AddNode(c.identity)
	c.start = time.Now()
	c.publishStatus(c.snapshot())

	c.logger.WithFields(logrus.Fields{
		"label":   c.identity.Label,
		"listen":  c.identity.NetAddr,
		"targets": len(c.targets.Targets()),
	}).Info("Controller initialised")

	return nil
}

// ID returns the controller's NodeID.
func (c *Controller) ID() peers.NodeID {
	return c.identity.ID
}

// ListenAddr returns the bound listen address.
func (c *Controller) ListenAddr() string {
	return c.identity.NetAddr
}

// RunAsync calls Run on a separate goroutine.
func (c *Controller) RunAsync() {
	go c.Run()
}

// Run starts the background loops and then consumes the event inbox
// until shutdown completes.
func (c *Controller) Run() {
	c.wg.Add(1)
	go c.acceptLoop()

	c.runTicker(c.conf.DialInterval, tickDial)
	c.runTicker(c.conf.StatusInterval, tickStatus)
	c.runTicker(c.conf.DiscoveryInterval, tickDiscovery)

	c.wg.Add(1)
	go c.statusWriter()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.logger.WithField("signal", sig).Debug("Reacting to signal")
			c.Shutdown()
		case <-c.stopCh:
		}
	}()

	for {
		evt := <-c.evtCh
		if _, ok := evt.(shutdownRequest); ok {
			c.drain()
			return
		}
		c.handleEvent(evt)
	}
}

// Shutdown asks the Run loop to drain and exit. It is safe to call
// from any goroutine, more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.evtCh <- shutdownRequest{}
	})
}

func (c *Controller) handleEvent(evt event) {
	switch e := evt.(type) {
	case peerAccepted:
		c.handleAccepted(e.conn)
	case peerReady:
		c.handlePeerReady(e)
	case peerRTT:
		c.handlePeerRTT(e)
	case peerFailed:
		c.removePeer(e.id, e.reason)
	case peerClosed:
		c.removePeer(e.id, "closed")
	case peerContactsRequest:
		c.mergeView(e.g)
		if rec, ok := c.peersByID[e.id]; ok {
			c.sendCommand(rec, sendContactsResponse{g: c.g.Wire()})
		}
	case peerContactsResponse:
		c.mergeView(e.g)
	case tick:
		switch e.kind {
		case tickDial:
			c.handleDialTick()
		case tickStatus:
			c.handleStatusTick()
		case tickDiscovery:
			c.handleDiscoveryTick()
		}
	}
}

// acceptLoop hands inbound sockets to the Run loop. Registration
// happens there, not here, so the registry keeps a single writer.
func (c *Controller) acceptLoop() {
	defer c.wg.Done()

	c.logger.WithField("listen", c.identity.NetAddr).Info("Listening")

	for {
		conn, err := c.stream.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.WithError(err).Error("Accepting connection")
			continue
		}
		select {
		case c.evtCh <- peerAccepted{conn: conn}:
		case <-c.stopCh:
			conn.Close()
			return
		}
	}
}

func (c *Controller) runTicker(interval time.Duration, kind tickKind) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case c.evtCh <- tick{kind: kind}:
				case <-c.stopCh:
					return
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// newSession creates a record and its session. The record is in the
// registry before the session runs, so a dial tick never admits the
// same address twice.
func (c *Controller) newSession(direction peers.Direction, remoteAddr string, attempt int) (*peerRecord, *session) {
	c.nextPeerID++
	id := c.nextPeerID

	cmdCh := make(chan command, commandInboxSize)

	sess := &session{
		id:         id,
		direction:  direction,
		identity:   c.identity,
		conf:       c.conf,
		remoteAddr: remoteAddr,
		attempt:    attempt,
		dial:       c.stream.Dial,
		cmdCh:      cmdCh,
		evtCh:      c.evtCh,
		state:      peers.Initial,
		pending:    make(map[uint64]*probe),
		msgCh:      make(chan wire.Message),
		readErrCh:  make(chan error, 1),
		timeoutCh:  make(chan uint64, 8),
		doneCh:     make(chan struct{}),
		logger: c.logger.WithFields(logrus.Fields{
			"prefix": "peer",
			"peer":   id,
			"dir":    direction.String(),
		}),
	}

	rec := &peerRecord{
		id:         id,
		direction:  direction,
		state:      peers.Handshaking,
		cmdCh:      cmdCh,
		abort:      sess.abort,
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
	}
	c.peersByID[id] = rec

	return rec, sess
}

func (c *Controller) handleAccepted(conn net.Conn) {
	if c.countDirection(peers.Inbound) >= c.conf.MaxIncoming {
		c.logger.WithField("remote", conn.RemoteAddr()).Warn("Too many inbound connections")
		conn.Close()
		return
	}

	rec, sess := c.newSession(peers.Inbound, "", 0)
	rec.remoteAddr = conn.RemoteAddr().String()
	sess.adopt(conn)

	c.logger.WithFields(logrus.Fields{
		"peer":   rec.id,
		"remote": rec.remoteAddr,
	}).Debug("Inbound connection")

	go sess.run()
}

// handleDialTick admits outbound sessions for target addresses that no
// live record represents. Records enter the registry before their
// session runs, which makes the tick idempotent.
func (c *Controller) handleDialTick() {
	outbound := c.countDirection(peers.Outbound)

	for _, addr := range c.targets.Targets() {
		if outbound >= c.conf.MaxOutgoing {
			break
		}
		if addr == c.identity.NetAddr {
			continue
		}
		if c.represented(addr) {
			continue
		}

		c.attempts[addr]++
		rec, sess := c.newSession(peers.Outbound, addr, c.attempts[addr])

		c.logger.WithFields(logrus.Fields{
			"peer":    rec.id,
			"addr":    addr,
			"attempt": c.attempts[addr],
		}).Debug("Admitting outbound session")

		go sess.run()
		outbound++
	}
}

// represented reports whether any live record covers the address,
// either as a dial target or as a remote's advertised listen address.
func (c *Controller) represented(addr string) bool {
	for _, rec := range c.peersByID {
		if rec.direction == peers.Outbound && rec.remoteAddr == addr {
			return true
		}
		if !rec.remote.ID.IsZero() && rec.remote.NetAddr == addr {
			return true
		}
	}
	return false
}

func (c *Controller) countDirection(d peers.Direction) int {
	n := 0
	for _, rec := range c.peersByID {
		if rec.direction == d {
			n++
		}
	}
	return n
}

func (c *Controller) handlePeerReady(e peerReady) {
	rec, ok := c.peersByID[e.id]
	if !ok {
		return
	}

	if e.remote.ID == c.identity.ID {
		c.closePeer(rec, "connected to self")
		return
	}

	if addr, err := peers.NormalizeAddr(e.remote.NetAddr); err == nil {
		e.remote.NetAddr = addr
	}

	if existingID, ok := c.byNode[e.remote.ID]; ok && existingID != e.id {
		existing := c.peersByID[existingID]
		surviving := c.survivingDirection(e.remote.ID)
		if rec.direction == surviving && existing.direction != surviving {
			c.logger.WithFields(logrus.Fields{
				"node":   e.remote.ID.Short(),
				"winner": rec.id,
				"loser":  existing.id,
			}).Debug("Resolving duplicate connection")
			delete(c.byNode, e.remote.ID)
			c.closePeer(existing, "duplicate connection")
		} else {
			c.closePeer(rec, "duplicate connection")
			return
		}
	}

	rec.state = peers.Ready
	rec.remote = e.remote
	c.byNode[e.remote.ID] = e.id

	if rec.direction == peers.Outbound {
		delete(c.attempts, rec.remoteAddr)
	}

	c.g.AddNode(e.remote)
	if rec.direction == peers.Outbound {
		c.g.AddEdge(c.identity.ID, e.remote.ID, nil)
	}

	c.logger.WithFields(logrus.Fields{
		"peer":   rec.id,
		"dir":    rec.direction.String(),
		"remote": e.remote.String(),
	}).Info("Peer ready")
}

// survivingDirection applies the duplicate tie-break: the node with
// the smaller NodeID accepts, so both sides keep the same TCP
// connection.
func (c *Controller) survivingDirection(remote peers.NodeID) peers.Direction {
	if c.identity.ID.Less(remote) {
		return peers.Inbound
	}
	return peers.Outbound
}

func (c *Controller) handlePeerRTT(e peerRTT) {
	rec, ok := c.peersByID[e.id]
	if !ok {
		return
	}
	rec.lastRTT = e.rtt
	rec.hasRTT = true
	if rec.direction == peers.Outbound && !rec.remote.ID.IsZero() {
		c.g.SetEdgeRTT(c.identity.ID, rec.remote.ID, e.rtt.Microseconds())
	}
}

// removePeer drops a record and everything that depended on the
// session's liveness: the dedup index entry and the locally-owned
// outgoing edge. The reverse edge, if any, ages out via gossip.
func (c *Controller) removePeer(id peers.PeerID, reason string) {
	rec, ok := c.peersByID[id]
	if !ok {
		return
	}
	delete(c.peersByID, id)

	if !rec.remote.ID.IsZero() && c.byNode[rec.remote.ID] == id {
		delete(c.byNode, rec.remote.ID)
	}
	if rec.direction == peers.Outbound && !rec.remote.ID.IsZero() {
		c.g.RemoveEdge(c.identity.ID, rec.remote.ID)
	}

	c.logger.WithFields(logrus.Fields{
		"peer":   id,
		"dir":    rec.direction.String(),
		"reason": reason,
	}).Info("Peer removed")
}

// closePeer asks a session to shut down. The record stays registered
// until the session reports back.
func (c *Controller) closePeer(rec *peerRecord, reason string) {
	rec.state = peers.Closing
	c.sendCommand(rec, shutdown{reason: reason})
}

// sendCommand delivers a command with a short timeout. A session whose
// inbox stays full is treated as failed and aborted.
func (c *Controller) sendCommand(rec *peerRecord, cmd command) {
	select {
	case rec.cmdCh <- cmd:
		return
	default:
	}

	timer := time.NewTimer(c.conf.CommandTimeout)
	defer timer.Stop()
	select {
	case rec.cmdCh <- cmd:
	case <-timer.C:
		c.logger.WithField("peer", rec.id).Warn("Command inbox full")
		c.removePeer(rec.id, "command timeout")
		rec.abort()
	}
}

// mergeView folds a received graph into the local one, prunes edges
// the local node is authoritative about, and applies the size cap.
func (c *Controller) mergeView(g *graph.Graph) {
	liveOut := make(map[peers.NodeID]bool)
	liveIn := make(map[peers.NodeID]bool)
	for _, rec := range c.peersByID {
		if rec.state != peers.Ready || rec.remote.ID.IsZero() {
			continue
		}
		if rec.direction == peers.Outbound {
			liveOut[rec.remote.ID] = true
		} else {
			liveIn[rec.remote.ID] = true
		}
	}

	c.g.Merge(g)
	c.g.PruneSelf(c.identity.ID, liveOut, liveIn)
	c.g.Compact(c.identity.ID, c.conf.MaxNodes)
}

// handleDiscoveryTick opens a gossip round with every ready peer.
func (c *Controller) handleDiscoveryTick() {
	var w *graph.Wire
	for _, rec := range c.peersByID {
		if rec.state != peers.Ready {
			continue
		}
		if w == nil {
			snapshot := c.g.Wire()
			w = &snapshot
		}
		c.sendCommand(rec, sendContactsRequest{g: *w})
	}
}

func (c *Controller) handleStatusTick() {
	snap := c.snapshot()
	c.publishStatus(snap)

	// The writer goroutine does the file I/O; a busy writer just
	// skips this tick.
	select {
	case c.statusCh <- snap:
	default:
	}
}

// drain runs the shutdown sequence: stop the background loops, ask
// every session to close, and wait for them up to the drain deadline.
// Stragglers are aborted.
func (c *Controller) drain() {
	c.logger.Debug("Shutdown")

	close(c.stopCh)
	c.stream.Close()
	c.targets.Close()

	for _, rec := range c.peersByID {
		c.closePeer(rec, "node shutting down")
	}

	deadline := time.NewTimer(c.conf.DrainTimeout)
	defer deadline.Stop()

	for len(c.peersByID) > 0 {
		select {
		case evt := <-c.evtCh:
			switch e := evt.(type) {
			case peerFailed:
				c.removePeer(e.id, e.reason)
			case peerClosed:
				c.removePeer(e.id, "closed")
			case peerAccepted:
				e.conn.Close()
			default:
			}
		case <-deadline.C:
			c.logger.WithField("stragglers", len(c.peersByID)).Warn("Drain deadline reached")
			for id, rec := range c.peersByID {
				rec.abort()
				delete(c.peersByID, id)
			}
		}
	}

	c.wg.Wait()

	// final state on disk
	snap := c.snapshot()
	c.publishStatus(snap)
	c.writeStatus(snap)

	c.logger.Info("Controller stopped")
}
