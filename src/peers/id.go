package peers

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NodeID is the process-wide unique identifier of a controller. It is
// generated once at startup and published to remote nodes during the
// handshake.
type NodeID [16]byte

// NewNodeID returns a random NodeID.
func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("generating node id: %w", err)
	}
	return id, nil
}

// ParseNodeID decodes a 32-character hex string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parsing node id %q: expected %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id NodeID) Short() string {
	return id.String()[:8]
}

// Less orders NodeIDs lexicographically. It decides which side of a
// duplicate connection survives.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether the id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// MarshalText implements encoding.TextMarshaler so that NodeID can key
// JSON maps.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PeerID identifies one session in the controller's registry. It is
// local to the process; remote nodes never see it.
type PeerID uint64

func (p PeerID) String() string {
	return fmt.Sprintf("peer-%d", uint64(p))
}
