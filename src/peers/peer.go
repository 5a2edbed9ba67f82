package peers

import (
	"fmt"
	"net/netip"
)

// NodeInfo is the identity a node publishes during the handshake.
type NodeInfo struct {
	ID      NodeID `codec:"id" json:"id"`
	Label   string `codec:"label" json:"label"`
	NetAddr string `codec:"addr" json:"addr"`
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s(%s@%s)", n.Label, n.ID.Short(), n.NetAddr)
}

// NormalizeAddr parses an address of the form host:port, where host is
// an IPv4 or IPv6 literal, and returns its canonical string form. IPv6
// addresses are bracketed, eg "[::1]:8090".
func NormalizeAddr(addr string) (string, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid network address %q: %w", addr, err)
	}
	return ap.String(), nil
}

// Direction distinguishes sessions we dialed from sessions we accepted.
type Direction int

const (
	// Inbound sessions were accepted by the listen loop.
	Inbound Direction = iota
	// Outbound sessions were dialed by the dial monitor.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// PeerState is the lifecycle of a peer session. It is authoritative
// inside the session; the controller holds a mirror updated by events.
type PeerState uint32

const (
	// Initial is the state before the session's main loop starts.
	Initial PeerState = iota
	// Handshaking means the connection is established and the session
	// is waiting for the remote Handshake message.
	Handshaking
	// Ready means the handshake completed and heartbeats are running.
	Ready
	// Closing means the session is flushing a Goodbye before exit.
	Closing
	// Closed means the session has exited.
	Closed
)

func (s PeerState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
