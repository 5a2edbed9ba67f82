package node

import (
	"github.com/meshworks/overmesh/src/graph"
)

// command is an instruction from the controller to one peer session.
// Commands to a given session are delivered in order through its
// bounded inbox.
type command interface {
	isCommand()
}

// sendContactsRequest makes the session open a gossip round with the
// controller's current view.
type sendContactsRequest struct {
	g graph.Wire
}

// sendContactsResponse answers a gossip request with the post-merge
// view.
type sendContactsResponse struct {
	g graph.Wire
}

// shutdown makes the session send a Goodbye and close.
type shutdown struct {
	reason string
}

func (sendContactsRequest) isCommand()  {}
func (sendContactsResponse) isCommand() {}
func (shutdown) isCommand()             {}
