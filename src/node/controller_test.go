package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshworks/overmesh/src/config"
	"github.com/meshworks/overmesh/src/peers"
)

type testNode struct {
	conf    *config.Config
	ctrl    *Controller
	stopped chan struct{}
}

func writeTargets(t *testing.T, path string, targets []string) {
	t.Helper()
	buf, err := json.Marshal(targets)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
}

func startNode(t *testing.T, label string, targets []string) *testNode {
	t.Helper()

	dir := t.TempDir()
	conf := config.NewTestConfig(t)
	conf.Label = label
	conf.TargetPath = filepath.Join(dir, "targets.json")
	conf.StatusPath = filepath.Join(dir, "peers.json")
	conf.DiagramEnabled = true
	conf.DiagramPath = filepath.Join(dir, "peers.d2")
	conf.WatchTargets = true

	writeTargets(t, conf.TargetPath, targets)

	ctrl := NewController(conf)
	if err := ctrl.Init(); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		ctrl.Run()
		close(stopped)
	}()

	t.Cleanup(ctrl.Shutdown)

	return &testNode{conf: conf, ctrl: ctrl, stopped: stopped}
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func readyPeers(n *testNode) []PeerStatus {
	var out []PeerStatus
	for _, p := range n.ctrl.PeerStatuses() {
		if p.State == peers.Ready.String() {
			out = append(out, p)
		}
	}
	return out
}

func readyWith(n *testNode, label, direction string) bool {
	for _, p := range readyPeers(n) {
		if p.Label == label && p.Direction == direction {
			return true
		}
	}
	return false
}

func TestTwoNodeHandshake(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	waitFor(t, 5*time.Second, "alice should have an outbound ready peer", func() bool {
		return readyWith(alice, "bob", "out")
	})
	waitFor(t, 5*time.Second, "bob should have an inbound ready peer", func() bool {
		return readyWith(bob, "alice", "in")
	})

	waitFor(t, 5*time.Second, "alice's graph should contain the edge alice->bob", func() bool {
		w := alice.ctrl.GraphSnapshot()
		if len(w.Nodes) != 2 {
			return false
		}
		for _, e := range w.Edges {
			if e.From == alice.ctrl.ID() && e.To == bob.ctrl.ID() {
				return true
			}
		}
		return false
	})

	// the dial monitor keeps ticking; it must not admit a second
	// session to an address that is already represented
	time.Sleep(5 * alice.conf.DialInterval)
	if n := len(alice.ctrl.PeerStatuses()); n != 1 {
		t.Fatalf("dial monitor duplicated a live session: %d records", n)
	}
}

func TestHeartbeatRTTRecorded(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	waitFor(t, 5*time.Second, "rtt should be measured on the ready peer", func() bool {
		for _, p := range readyPeers(alice) {
			if p.RTTMicros != nil && *p.RTTMicros >= 0 {
				return true
			}
		}
		return false
	})
}

func TestMutualDialDedup(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	// close the loop: bob starts dialing alice too, via target-file
	// hot re-read
	writeTargets(t, bob.conf.TargetPath, []string{alice.ctrl.ListenAddr()})

	// the node with the smaller id accepts; the other dials
	aliceDir, bobDir := "out", "in"
	if alice.ctrl.ID().Less(bob.ctrl.ID()) {
		aliceDir, bobDir = "in", "out"
	}

	waitFor(t, 10*time.Second, "both sides should settle on exactly one session", func() bool {
		ap, bp := alice.ctrl.PeerStatuses(), bob.ctrl.PeerStatuses()
		return len(ap) == 1 && len(bp) == 1 &&
			ap[0].State == "ready" && bp[0].State == "ready" &&
			ap[0].Direction == aliceDir && bp[0].Direction == bobDir
	})

	// and it stays settled
	time.Sleep(5 * alice.conf.DialInterval)
	if n := len(alice.ctrl.PeerStatuses()); n != 1 {
		t.Fatalf("duplicate sessions crept back in: %d records", n)
	}
}

func TestGossipConvergence(t *testing.T) {
	carol := startNode(t, "carol", nil)
	bob := startNode(t, "bob", []string{carol.ctrl.ListenAddr()})
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	nodes := []*testNode{alice, bob, carol}
	for _, n := range nodes {
		n := n
		waitFor(t, 10*time.Second, fmt.Sprintf("%s should converge on 3 nodes and 2 edges", n.conf.Label), func() bool {
			w := n.ctrl.GraphSnapshot()
			return len(w.Nodes) == 3 && len(w.Edges) == 2
		})
	}

	// every node agrees on the edge set
	a := alice.ctrl.GraphSnapshot()
	for _, n := range []*testNode{bob, carol} {
		w := n.ctrl.GraphSnapshot()
		for i, e := range w.Edges {
			if e.From != a.Edges[i].From || e.To != a.Edges[i].To {
				t.Fatalf("%s disagrees on edge %d", n.conf.Label, i)
			}
		}
	}
}

func TestPeersJSONWrittenAtomically(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	waitFor(t, 5*time.Second, "alice should connect", func() bool {
		return len(readyPeers(alice)) == 1
	})

	waitFor(t, 5*time.Second, "peers.json should appear", func() bool {
		_, err := os.Stat(alice.conf.StatusPath)
		return err == nil
	})

	// every observation of the file must be valid JSON with complete
	// entries
	deadline := time.Now().Add(3 * alice.conf.StatusInterval)
	for time.Now().Before(deadline) {
		buf, err := os.ReadFile(alice.conf.StatusPath)
		if err != nil {
			t.Fatal(err)
		}
		var entries []PeerStatus
		if err := json.Unmarshal(buf, &entries); err != nil {
			t.Fatalf("partial or invalid peers.json observed: %v", err)
		}
		for _, e := range entries {
			if e.Direction != "in" && e.Direction != "out" {
				t.Fatalf("bad direction %q", e.Direction)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, "diagram file should appear", func() bool {
		buf, err := os.ReadFile(alice.conf.DiagramPath)
		return err == nil && len(buf) > 0
	})
}

func TestGracefulShutdown(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	waitFor(t, 5*time.Second, "nodes should connect", func() bool {
		return len(readyPeers(alice)) == 1 && len(readyPeers(bob)) == 1
	})

	alice.ctrl.Shutdown()

	select {
	case <-alice.stopped:
	case <-time.After(alice.conf.DrainTimeout + 2*time.Second):
		t.Fatal("shutdown did not complete within the drain deadline")
	}

	// bob heard the goodbye and dropped the session
	waitFor(t, 5*time.Second, "bob should drop alice", func() bool {
		return len(bob.ctrl.PeerStatuses()) == 0
	})

	// final status is on disk
	waitFor(t, 2*time.Second, "final peers.json should be on disk", func() bool {
		buf, err := os.ReadFile(alice.conf.StatusPath)
		if err != nil {
			return false
		}
		var entries []PeerStatus
		return json.Unmarshal(buf, &entries) == nil && len(entries) == 0
	})
}

func TestRestartReusesListenPort(t *testing.T) {
	bob := startNode(t, "bob", nil)
	alice := startNode(t, "alice", []string{bob.ctrl.ListenAddr()})

	waitFor(t, 5*time.Second, "nodes should connect", func() bool {
		return len(readyPeers(alice)) == 1
	})

	addr := bob.ctrl.ListenAddr()
	bob.ctrl.Shutdown()

	waitFor(t, 5*time.Second, "alice should drop bob", func() bool {
		return len(alice.ctrl.PeerStatuses()) == 0
	})

	// a new node takes over the same port; alice re-dials it
	conf := config.NewTestConfig(t)
	conf.Label = "bob2"
	conf.BindAddr = addr
	dir := t.TempDir()
	conf.TargetPath = filepath.Join(dir, "targets.json")
	conf.StatusPath = filepath.Join(dir, "peers.json")
	writeTargets(t, conf.TargetPath, nil)

	ctrl := NewController(conf)
	if err := ctrl.Init(); err != nil {
		t.Fatalf("rebinding %s: %v", addr, err)
	}
	ctrl.RunAsync()
	t.Cleanup(ctrl.Shutdown)

	waitFor(t, 10*time.Second, "alice should re-establish to the new node", func() bool {
		return readyWith(alice, "bob2", "out")
	})
}
