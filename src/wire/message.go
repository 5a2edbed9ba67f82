// Package wire defines the messages peers exchange and the framing
// that carries them: length-prefixed frames with a tag byte and a
// msgpack body.
package wire

import (
	"github.com/meshworks/overmesh/src/graph"
	"github.com/meshworks/overmesh/src/peers"
)

// ProtocolVersion is carried in the Handshake. Peers speaking a
// different version are disconnected during the handshake.
const ProtocolVersion uint32 = 1

// Kind discriminates message types on the wire.
type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindHeartbeatRequest
	KindHeartbeatResponse
	KindContactsRequest
	KindContactsResponse
	KindGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHeartbeatRequest:
		return "heartbeat-request"
	case KindHeartbeatResponse:
		return "heartbeat-response"
	case KindContactsRequest:
		return "contacts-request"
	case KindContactsResponse:
		return "contacts-response"
	case KindGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// Message is a typed envelope on the wire.
type Message interface {
	Kind() Kind
}

// Handshake is the first message on every connection, in both
// directions. It identifies the sending node.
type Handshake struct {
	Version uint32         `codec:"version"`
	Node    peers.NodeInfo `codec:"node"`
}

func (Handshake) Kind() Kind { return KindHandshake }

// HeartbeatRequest probes liveness and RTT. Nonces are session-local
// and monotonically increasing. SentAt is wall-clock microseconds and
// is informational; the sender measures RTT against its own clock.
type HeartbeatRequest struct {
	Nonce  uint64 `codec:"nonce"`
	SentAt int64  `codec:"sent_at"`
}

func (HeartbeatRequest) Kind() Kind { return KindHeartbeatRequest }

// HeartbeatResponse echoes the request's nonce.
type HeartbeatResponse struct {
	Nonce uint64 `codec:"nonce"`
}

func (HeartbeatResponse) Kind() Kind { return KindHeartbeatResponse }

// ContactsRequest opens a gossip round, carrying the sender's view of
// the network.
type ContactsRequest struct {
	Graph graph.Wire `codec:"graph"`
}

func (ContactsRequest) Kind() Kind { return KindContactsRequest }

// ContactsResponse answers a ContactsRequest with the responder's
// post-merge view.
type ContactsResponse struct {
	Graph graph.Wire `codec:"graph"`
}

func (ContactsResponse) Kind() Kind { return KindContactsResponse }

// Goodbye is a polite close with a reason.
type Goodbye struct {
	Reason string `codec:"reason"`
}

func (Goodbye) Kind() Kind { return KindGoodbye }
