// Package overmesh assembles a node from its parts: configuration,
// controller, and the optional inspection service.
package overmesh

import (
	"github.com/meshworks/overmesh/src/config"
	"github.com/meshworks/overmesh/src/node"
	"github.com/meshworks/overmesh/src/service"
)

// Overmesh is the top-level engine.
type Overmesh struct {
	Config     *config.Config
	Controller *node.Controller
	Service    *service.Service
}

// NewOvermesh returns an engine for the given configuration.
func NewOvermesh(conf *config.Config) *Overmesh {
	return &Overmesh{
		Config: conf,
	}
}

// Init validates the configuration and initialises the controller.
// Errors here are fatal startup errors: bad config values, an
// unbindable listen address, or an unreadable target file.
func (o *Overmesh) Init() error {
	if err := o.Config.Validate(); err != nil {
		return err
	}

	o.Controller = node.NewController(o.Config)
	if err := o.Controller.Init(); err != nil {
		return err
	}

	if !o.Config.NoService {
		o.Service = service.NewService(o.Config.ServiceAddr, o.Controller, o.Config.Logger())
	}

	return nil
}

// Run starts the service, then blocks in the controller's main loop
// until shutdown.
func (o *Overmesh) Run() {
	if o.Service != nil {
		go o.Service.Serve()
	}

	o.Controller.Run()
}
