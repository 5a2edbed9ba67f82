package service

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/meshworks/overmesh/src/node"
)

// Service exposes a read-only HTTP API over the controller's last
// published snapshot.
type Service struct {
	bindAddress string
	controller  *node.Controller
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, c *node.Controller, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		controller:  c,
		logger:      logger.WithField("prefix", "service"),
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux
// of the http package.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/graph", s.makeHandler(s.GetGraph))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.controller.Stats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.controller.PeerStatuses())
}

// GetGraph ...
func (s *Service) GetGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.controller.GraphSnapshot())
}
