// Package graph holds the node's view of the overlay: who is out
// there, which directed connections exist, and the best observed
// round-trip time per connection. Views from remote nodes are merged
// in during contact exchanges, so all nodes converge on an
// approximate shared picture of the network.
package graph

import (
	"sort"

	"github.com/meshworks/overmesh/src/peers"
)

// Edge is a directed connection in the overlay. From is the dialer, To
// is the acceptor. RTT, when present, is the best observed round-trip
// time in microseconds.
type Edge struct {
	From peers.NodeID `codec:"from" json:"from"`
	To   peers.NodeID `codec:"to" json:"to"`
	RTT  *int64       `codec:"rtt" json:"rtt_us,omitempty"`
}

// EdgeKey identifies an edge by its ordered endpoints. There is at
// most one edge per ordered pair.
type EdgeKey struct {
	From peers.NodeID
	To   peers.NodeID
}

// Graph is an indexed representation of the overlay: a node table and
// an edge set keyed by ordered endpoint pairs. The overlay is cyclic,
// so all references between nodes are NodeIDs, never pointers.
//
// Invariant: both endpoints of every edge are keys of Nodes.
type Graph struct {
	Nodes map[peers.NodeID]peers.NodeInfo
	Edges map[EdgeKey]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		Nodes: make(map[peers.NodeID]peers.NodeInfo),
		Edges: make(map[EdgeKey]Edge),
	}
}

// AddNode inserts or replaces a node entry.
func (g *Graph) AddNode(info peers.NodeInfo) {
	g.Nodes[info.ID] = info
}

// AddEdge inserts an edge. Both endpoints must already be present in
// the node table; the call is a no-op otherwise.
func (g *Graph) AddEdge(from, to peers.NodeID, rtt *int64) {
	if _, ok := g.Nodes[from]; !ok {
		return
	}
	if _, ok := g.Nodes[to]; !ok {
		return
	}
	g.Edges[EdgeKey{From: from, To: to}] = Edge{From: from, To: to, RTT: cloneRTT(rtt)}
}

// SetEdgeRTT updates the RTT of an existing edge.
func (g *Graph) SetEdgeRTT(from, to peers.NodeID, rtt int64) {
	k := EdgeKey{From: from, To: to}
	if e, ok := g.Edges[k]; ok {
		v := rtt
		e.RTT = &v
		g.Edges[k] = e
	}
}

// RemoveEdge deletes the edge (from, to) if present.
func (g *Graph) RemoveEdge(from, to peers.NodeID) {
	delete(g.Edges, EdgeKey{From: from, To: to})
}

// Clone returns a deep copy. Snapshots handed to other goroutines are
// always clones, never the live maps.
func (g *Graph) Clone() *Graph {
	c := New()
	for id, info := range g.Nodes {
		c.Nodes[id] = info
	}
	for k, e := range g.Edges {
		e.RTT = cloneRTT(e.RTT)
		c.Edges[k] = e
	}
	return c
}

// Merge folds a remote view into the local one:
//
//   - nodes absent locally are inserted; for nodes present on both
//     sides the local entry wins, since local observations are
//     considered no less recent;
//   - edges are unioned; when both sides carry an RTT for the same
//     edge, the smaller one is kept.
//
// Edges whose endpoints appear in neither node table are dropped, so
// the endpoint invariant holds after every merge.
func (g *Graph) Merge(other *Graph) {
	for id, info := range other.Nodes {
		if _, ok := g.Nodes[id]; !ok {
			g.Nodes[id] = info
		}
	}

	for k, e := range other.Edges {
		if _, ok := g.Nodes[k.From]; !ok {
			continue
		}
		if _, ok := g.Nodes[k.To]; !ok {
			continue
		}
		local, ok := g.Edges[k]
		if !ok {
			e.RTT = cloneRTT(e.RTT)
			g.Edges[k] = e
			continue
		}
		local.RTT = minRTT(local.RTT, e.RTT)
		g.Edges[k] = local
	}
}

// PruneSelf removes edges incident to self that no live session backs:
// an edge self->X needs a live outbound session to X, and an edge
// X->self needs a live inbound session from X. The local node is
// authoritative about its own connections; gossip cannot resurrect
// them.
func (g *Graph) PruneSelf(self peers.NodeID, liveOut, liveIn map[peers.NodeID]bool) {
	for k := range g.Edges {
		if k.From == self && !liveOut[k.To] {
			delete(g.Edges, k)
		} else if k.To == self && !liveIn[k.From] {
			delete(g.Edges, k)
		}
	}
}

// Compact bounds the graph: isolated nodes other than self are
// dropped, then, while the node table exceeds maxNodes, the node with
// the fewest incident edges is dropped along with its edges, ties
// broken by largest NodeID. A maxNodes of zero or less means no cap.
func (g *Graph) Compact(self peers.NodeID, maxNodes int) {
	degree := func() map[peers.NodeID]int {
		d := make(map[peers.NodeID]int, len(g.Nodes))
		for k := range g.Edges {
			d[k.From]++
			d[k.To]++
		}
		return d
	}

	deg := degree()
	for id := range g.Nodes {
		if id != self && deg[id] == 0 {
			delete(g.Nodes, id)
		}
	}

	if maxNodes <= 0 {
		return
	}

	for len(g.Nodes) > maxNodes {
		deg = degree()
		var victim peers.NodeID
		found := false
		for id := range g.Nodes {
			if id == self {
				continue
			}
			if !found {
				victim, found = id, true
				continue
			}
			if deg[id] < deg[victim] || (deg[id] == deg[victim] && victim.Less(id)) {
				victim = id
			}
		}
		if !found {
			return
		}
		g.removeNode(victim)
	}
}

func (g *Graph) removeNode(id peers.NodeID) {
	delete(g.Nodes, id)
	for k := range g.Edges {
		if k.From == id || k.To == id {
			delete(g.Edges, k)
		}
	}
}

// Wire is the list form of a graph, used on the wire and in JSON
// outputs. Entries are sorted so that encodings are deterministic.
type Wire struct {
	Nodes []peers.NodeInfo `codec:"nodes" json:"nodes"`
	Edges []Edge           `codec:"edges" json:"edges"`
}

// Wire converts the graph to its list form.
func (g *Graph) Wire() Wire {
	w := Wire{
		Nodes: make([]peers.NodeInfo, 0, len(g.Nodes)),
		Edges: make([]Edge, 0, len(g.Edges)),
	}
	for _, info := range g.Nodes {
		w.Nodes = append(w.Nodes, info)
	}
	for _, e := range g.Edges {
		e.RTT = cloneRTT(e.RTT)
		w.Edges = append(w.Edges, e)
	}
	sort.Slice(w.Nodes, func(i, j int) bool { return w.Nodes[i].ID.Less(w.Nodes[j].ID) })
	sort.Slice(w.Edges, func(i, j int) bool {
		if w.Edges[i].From != w.Edges[j].From {
			return w.Edges[i].From.Less(w.Edges[j].From)
		}
		return w.Edges[i].To.Less(w.Edges[j].To)
	})
	return w
}

// FromWire rebuilds a graph from its list form. Edges referencing
// nodes absent from the node list are dropped.
func FromWire(w Wire) *Graph {
	g := New()
	for _, info := range w.Nodes {
		g.Nodes[info.ID] = info
	}
	for _, e := range w.Edges {
		g.AddEdge(e.From, e.To, e.RTT)
	}
	return g
}

func cloneRTT(rtt *int64) *int64 {
	if rtt == nil {
		return nil
	}
	v := *rtt
	return &v
}

func minRTT(a, b *int64) *int64 {
	switch {
	case a == nil:
		return cloneRTT(b)
	case b == nil:
		return a
	case *b < *a:
		return cloneRTT(b)
	default:
		return a
	}
}
