// Package diagram renders the network graph to a textual description
// for an external diagram tool. The format is pluggable; the status
// monitor only depends on the Renderer interface.
package diagram

import (
	"fmt"
	"io"
	"time"

	"github.com/meshworks/overmesh/src/graph"
)

// Renderer writes a drawable description of a graph.
type Renderer interface {
	Render(w io.Writer, g *graph.Graph) error
}

// D2 renders the graph in D2 syntax: one shape per node, keyed by the
// short node id and labelled with the node's label and address, and
// one connection per directed edge, labelled with the best observed
// RTT.
type D2 struct{}

// Render implements Renderer.
func (D2) Render(w io.Writer, g *graph.Graph) error {
	wireForm := g.Wire()

	for _, n := range wireForm.Nodes {
		if _, err := fmt.Fprintf(w, "%s: %s\\n%s\n", n.ID.Short(), n.Label, n.NetAddr); err != nil {
			return err
		}
	}
	for _, e := range wireForm.Edges {
		if e.RTT != nil {
			rtt := time.Duration(*e.RTT) * time.Microsecond
			if _, err := fmt.Fprintf(w, "%s -> %s: %s\n", e.From.Short(), e.To.Short(), rtt); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s -> %s\n", e.From.Short(), e.To.Short()); err != nil {
			return err
		}
	}
	return nil
}
