package graph

import (
	"testing"

	"github.com/meshworks/overmesh/src/peers"
)

func nid(b byte) peers.NodeID {
	var id peers.NodeID
	id[0] = b
	return id
}

func info(b byte, label string) peers.NodeInfo {
	return peers.NodeInfo{ID: nid(b), Label: label, NetAddr: "[::1]:8090"}
}

func rtt(us int64) *int64 {
	return &us
}

func buildGraph(t *testing.T, nodes []peers.NodeInfo, edges []Edge) *Graph {
	t.Helper()
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		g.AddEdge(e.From, e.To, e.RTT)
	}
	return g
}

func assertSameGraph(t *testing.T, want, got *Graph) {
	t.Helper()
	if len(want.Nodes) != len(got.Nodes) {
		t.Fatalf("node count: want %d, got %d", len(want.Nodes), len(got.Nodes))
	}
	for id, n := range want.Nodes {
		if got.Nodes[id] != n {
			t.Fatalf("node %s: want %v, got %v", id.Short(), n, got.Nodes[id])
		}
	}
	if len(want.Edges) != len(got.Edges) {
		t.Fatalf("edge count: want %d, got %d", len(want.Edges), len(got.Edges))
	}
	for k, e := range want.Edges {
		o, ok := got.Edges[k]
		if !ok {
			t.Fatalf("missing edge %s->%s", k.From.Short(), k.To.Short())
		}
		switch {
		case e.RTT == nil && o.RTT == nil:
		case e.RTT == nil || o.RTT == nil:
			t.Fatalf("edge %s->%s: rtt want %v, got %v", k.From.Short(), k.To.Short(), e.RTT, o.RTT)
		case *e.RTT != *o.RTT:
			t.Fatalf("edge %s->%s: rtt want %d, got %d", k.From.Short(), k.To.Short(), *e.RTT, *o.RTT)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(1500)}},
	)

	merged := g.Clone()
	merged.Merge(g.Clone())

	assertSameGraph(t, g, merged)
}

func TestMergeInsertsUnknownNodes(t *testing.T) {
	g := buildGraph(t, []peers.NodeInfo{info(1, "a")}, nil)
	other := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b"), info(3, "c")},
		[]Edge{{From: nid(2), To: nid(3), RTT: nil}},
	)

	g.Merge(other)

	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(g.Nodes))
	}
	if _, ok := g.Edges[EdgeKey{From: nid(2), To: nid(3)}]; !ok {
		t.Fatal("expected edge 02->03")
	}
}

func TestMergeLocalNodeWins(t *testing.T) {
	g := buildGraph(t, []peers.NodeInfo{info(1, "local")}, nil)
	other := buildGraph(t, []peers.NodeInfo{info(1, "remote")}, nil)

	g.Merge(other)

	if g.Nodes[nid(1)].Label != "local" {
		t.Fatalf("local entry should win, got %q", g.Nodes[nid(1)].Label)
	}
}

func TestMergeKeepsSmallerRTT(t *testing.T) {
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(2000)}},
	)
	other := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(800)}},
	)

	g.Merge(other)

	e := g.Edges[EdgeKey{From: nid(1), To: nid(2)}]
	if e.RTT == nil || *e.RTT != 800 {
		t.Fatalf("expected rtt 800, got %v", e.RTT)
	}

	// and the other way round: a larger incoming value is ignored
	g.Merge(buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(5000)}},
	))

	e = g.Edges[EdgeKey{From: nid(1), To: nid(2)}]
	if e.RTT == nil || *e.RTT != 800 {
		t.Fatalf("expected rtt to stay 800, got %v", e.RTT)
	}
}

func TestMergeAssociativeModuloRTTMin(t *testing.T) {
	a := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(3000)}},
	)
	b := buildGraph(t,
		[]peers.NodeInfo{info(2, "b"), info(3, "c")},
		[]Edge{{From: nid(2), To: nid(3), RTT: rtt(900)}},
	)
	c := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b"), info(3, "c")},
		[]Edge{
			{From: nid(1), To: nid(2), RTT: rtt(1200)},
			{From: nid(3), To: nid(1), RTT: nil},
		},
	)

	left := a.Clone()
	left.Merge(b.Clone())
	left.Merge(c.Clone())

	bc := b.Clone()
	bc.Merge(c.Clone())
	right := a.Clone()
	right.Merge(bc)

	assertSameGraph(t, left, right)

	e := left.Edges[EdgeKey{From: nid(1), To: nid(2)}]
	if e.RTT == nil || *e.RTT != 1200 {
		t.Fatalf("expected min rtt 1200, got %v", e.RTT)
	}
}

func TestMergeDropsDanglingEdges(t *testing.T) {
	g := buildGraph(t, []peers.NodeInfo{info(1, "a")}, nil)

	other := New()
	other.Nodes[nid(1)] = info(1, "a")
	// edge to a node that appears in neither node table
	other.Edges[EdgeKey{From: nid(1), To: nid(9)}] = Edge{From: nid(1), To: nid(9)}

	g.Merge(other)

	if len(g.Edges) != 0 {
		t.Fatalf("expected dangling edge to be dropped, got %d edges", len(g.Edges))
	}
	for k := range g.Edges {
		if _, ok := g.Nodes[k.From]; !ok {
			t.Fatalf("edge endpoint %s missing from node table", k.From.Short())
		}
		if _, ok := g.Nodes[k.To]; !ok {
			t.Fatalf("edge endpoint %s missing from node table", k.To.Short())
		}
	}
}

func TestPruneSelf(t *testing.T) {
	self := nid(1)
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "self"), info(2, "b"), info(3, "c")},
		[]Edge{
			{From: self, To: nid(2)},   // backed by live outbound
			{From: self, To: nid(3)},   // no live session
			{From: nid(2), To: self},   // no live inbound
			{From: nid(2), To: nid(3)}, // not ours to prune
		},
	)

	g.PruneSelf(self, map[peers.NodeID]bool{nid(2): true}, nil)

	if _, ok := g.Edges[EdgeKey{From: self, To: nid(2)}]; !ok {
		t.Fatal("live outgoing edge should survive")
	}
	if _, ok := g.Edges[EdgeKey{From: self, To: nid(3)}]; ok {
		t.Fatal("unbacked outgoing edge should be pruned")
	}
	if _, ok := g.Edges[EdgeKey{From: nid(2), To: self}]; ok {
		t.Fatal("unbacked incoming edge should be pruned")
	}
	if _, ok := g.Edges[EdgeKey{From: nid(2), To: nid(3)}]; !ok {
		t.Fatal("remote edge should survive")
	}
}

func TestCompactDropsIsolatedNodes(t *testing.T) {
	self := nid(1)
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "self"), info(2, "b"), info(3, "isolated")},
		[]Edge{{From: self, To: nid(2)}},
	)

	g.Compact(self, 0)

	if _, ok := g.Nodes[nid(3)]; ok {
		t.Fatal("isolated node should be dropped")
	}
	if _, ok := g.Nodes[self]; !ok {
		t.Fatal("self survives even when isolated")
	}
}

func TestCompactCapPrefersFewestEdgesThenLargestID(t *testing.T) {
	self := nid(1)
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "self"), info(2, "b"), info(3, "c"), info(4, "d")},
		[]Edge{
			{From: self, To: nid(2)},
			{From: nid(2), To: nid(3)},
			{From: nid(3), To: self},
			{From: nid(2), To: nid(4)},
		},
	)
	// degrees: 01=2, 02=3, 03=2, 04=1

	g.Compact(self, 3)

	if _, ok := g.Nodes[nid(4)]; ok {
		t.Fatal("lowest-degree node should be dropped first")
	}
	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(g.Nodes))
	}
	for k := range g.Edges {
		if k.From == nid(4) || k.To == nid(4) {
			t.Fatal("edges incident to a dropped node must go with it")
		}
	}

	// tie between 02 and 03 once 04 is gone: the larger id loses
	g.Compact(self, 2)
	if _, ok := g.Nodes[nid(3)]; ok {
		t.Fatal("tie should drop the larger NodeID")
	}
}

func TestWireRoundTrip(t *testing.T) {
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b"), info(3, "c")},
		[]Edge{
			{From: nid(1), To: nid(2), RTT: rtt(42)},
			{From: nid(2), To: nid(3)},
		},
	)

	back := FromWire(g.Wire())
	assertSameGraph(t, g, back)
}

func TestCloneIsDeep(t *testing.T) {
	g := buildGraph(t,
		[]peers.NodeInfo{info(1, "a"), info(2, "b")},
		[]Edge{{From: nid(1), To: nid(2), RTT: rtt(100)}},
	)

	c := g.Clone()
	c.SetEdgeRTT(nid(1), nid(2), 999)
	c.AddNode(info(3, "c"))

	if *g.Edges[EdgeKey{From: nid(1), To: nid(2)}].RTT != 100 {
		t.Fatal("clone shares edge rtt with original")
	}
	if _, ok := g.Nodes[nid(3)]; ok {
		t.Fatal("clone shares node table with original")
	}
}
