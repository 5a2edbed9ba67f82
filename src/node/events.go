package node

import (
	"net"
	"time"

	"github.com/meshworks/overmesh/src/graph"
	"github.com/meshworks/overmesh/src/peers"
)

// event is a message into the controller's inbox. Peer sessions, the
// accept loop, and the periodic tickers all post events; the
// controller's main loop is the only consumer, so all registry and
// graph mutation is serialized through it.
type event interface {
	isEvent()
}

// peerAccepted carries a socket from the accept loop. The controller,
// not the accept goroutine, registers the record and spawns the
// session.
type peerAccepted struct {
	conn net.Conn
}

// peerReady reports a completed handshake.
type peerReady struct {
	id     peers.PeerID
	remote peers.NodeInfo
}

// peerFailed reports any session-fatal error: dial failure, read
// error, protocol violation, heartbeat timeout. The session is gone
// once this is emitted.
type peerFailed struct {
	id     peers.PeerID
	reason string
}

// peerClosed reports a clean session exit.
type peerClosed struct {
	id peers.PeerID
}

// peerRTT reports a heartbeat round-trip measurement.
type peerRTT struct {
	id  peers.PeerID
	rtt time.Duration
}

// peerContactsRequest forwards a gossip request; the controller merges
// the graph and answers through a sendContactsResponse command.
type peerContactsRequest struct {
	id peers.PeerID
	g  *graph.Graph
}

// peerContactsResponse forwards a gossip response for merging.
type peerContactsResponse struct {
	id peers.PeerID
	g  *graph.Graph
}

type tickKind int

const (
	tickDial tickKind = iota
	tickStatus
	tickDiscovery
)

// tick is posted by the periodic loops. Driving the monitors through
// the inbox keeps the single-writer discipline intact.
type tick struct {
	kind tickKind
}

// shutdownRequest asks the controller to drain and exit.
type shutdownRequest struct{}

func (peerAccepted) isEvent()         {}
func (peerReady) isEvent()            {}
func (peerFailed) isEvent()           {}
func (peerClosed) isEvent()           {}
func (peerRTT) isEvent()              {}
func (peerContactsRequest) isEvent()  {}
func (peerContactsResponse) isEvent() {}
func (tick) isEvent()                 {}
func (shutdownRequest) isEvent()      {}
