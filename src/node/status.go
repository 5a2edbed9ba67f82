package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshworks/overmesh/src/graph"
	"github.com/meshworks/overmesh/src/peers"
)

// PeerStatus is one row of the status report and one entry of
// peers.json.
type PeerStatus struct {
	Label     string `json:"label"`
	Remote    string `json:"remote"`
	Direction string `json:"direction"`
	RTTMicros *int64 `json:"rtt_us"`
	State     string `json:"state"`
}

// statusSnapshot is a deep copy of the reportable controller state.
// Handing copies to the writer goroutine keeps reporting off the main
// loop.
type statusSnapshot struct {
	taken    time.Time
	identity peers.NodeInfo
	peers    []PeerStatus
	graph    *graph.Graph
}

// snapshot is called from the Run loop only.
func (c *Controller) snapshot() statusSnapshot {
	ps := make([]PeerStatus, 0, len(c.peersByID))
	for _, rec := range c.peersByID {
		var rtt *int64
		if rec.hasRTT {
			v := rec.lastRTT.Microseconds()
			rtt = &v
		}
		remote := rec.remote.NetAddr
		if remote == "" {
			remote = rec.remoteAddr
		}
		ps = append(ps, PeerStatus{
			Label:     rec.remote.Label,
			Remote:    remote,
			Direction: rec.direction.String(),
			RTTMicros: rtt,
			State:     rec.state.String(),
		})
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Remote != ps[j].Remote {
			return ps[i].Remote < ps[j].Remote
		}
		return ps[i].Direction < ps[j].Direction
	})

	return statusSnapshot{
		taken:    time.Now(),
		identity: c.identity,
		peers:    ps,
		graph:    c.g.Clone(),
	}
}

func (c *Controller) publishStatus(snap statusSnapshot) {
	c.statusMu.Lock()
	c.lastStatus = snap
	c.statusMu.Unlock()
}

// statusWriter consumes snapshots and does the file I/O off the main
// loop.
func (c *Controller) statusWriter() {
	defer c.wg.Done()
	for {
		select {
		case snap := <-c.statusCh:
			c.writeStatus(snap)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) writeStatus(snap statusSnapshot) {
	byState := map[string]int{}
	for _, p := range snap.peers {
		byState[p.State]++
	}
	c.logger.WithFields(logrus.Fields{
		"peers":       len(snap.peers),
		"ready":       byState[peers.Ready.String()],
		"handshaking": byState[peers.Handshaking.String()],
		"closing":     byState[peers.Closing.String()],
		"nodes":       len(snap.graph.Nodes),
		"edges":       len(snap.graph.Edges),
	}).Info("Status")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap.peers); err != nil {
		c.logger.WithError(err).Error("Encoding peer status")
		return
	}
	if err := writeFileAtomic(c.conf.StatusPath, buf.Bytes()); err != nil {
		c.logger.WithError(err).Error("Writing peer status")
	}

	if c.conf.DiagramEnabled && c.renderer != nil {
		var d bytes.Buffer
		if err := c.renderer.Render(&d, snap.graph); err != nil {
			c.logger.WithError(err).Error("Rendering diagram")
			return
		}
		if err := writeFileAtomic(c.conf.DiagramPath, d.Bytes()); err != nil {
			c.logger.WithError(err).Error("Writing diagram")
		}
	}
}

// writeFileAtomic writes to a temp file in the target directory and
// renames it into place, so a concurrent reader never observes partial
// content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// PeerStatuses returns the peer table from the last published
// snapshot.
func (c *Controller) PeerStatuses() []PeerStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	out := make([]PeerStatus, len(c.lastStatus.peers))
	copy(out, c.lastStatus.peers)
	return out
}

// GraphSnapshot returns the network graph from the last published
// snapshot, in list form.
func (c *Controller) GraphSnapshot() graph.Wire {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	if c.lastStatus.graph == nil {
		return graph.Wire{}
	}
	return c.lastStatus.graph.Wire()
}

// Stats returns summary statistics for the inspection API.
func (c *Controller) Stats() map[string]string {
	c.statusMu.RLock()
	snap := c.lastStatus
	c.statusMu.RUnlock()

	ready := 0
	for _, p := range snap.peers {
		if p.State == peers.Ready.String() {
			ready++
		}
	}

	stats := map[string]string{
		"id":          c.identity.ID.String(),
		"label":       c.identity.Label,
		"listen":      c.identity.NetAddr,
		"num_peers":   strconv.Itoa(len(snap.peers)),
		"ready_peers": strconv.Itoa(ready),
		"uptime":      fmt.Sprint(time.Since(c.start).Round(time.Second)),
	}
	if snap.graph != nil {
		stats["graph_nodes"] = strconv.Itoa(len(snap.graph.Nodes))
		stats["graph_edges"] = strconv.Itoa(len(snap.graph.Edges))
	}
	return stats
}
