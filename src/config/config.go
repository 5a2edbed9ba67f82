// Package config defines the resolved configuration record consumed by
// the controller, along with defaults and the logger factory. Layered
// loading (defaults, profile file, key=value overrides) happens in the
// command package; the core only ever sees a Config.
package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/meshworks/overmesh/src/common"
	"github.com/meshworks/overmesh/src/peers"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:1337"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultTargetPath        = "targets.json"
	DefaultStatusPath        = "peers.json"
	DefaultDiagramPath       = "peers.d2"
	DefaultHeartbeatInterval = 1000 * time.Millisecond
	DefaultHeartbeatTimeout  = 5000 * time.Millisecond
	DefaultHandshakeTimeout  = 3000 * time.Millisecond
	DefaultDialInterval      = 1000 * time.Millisecond
	DefaultStatusInterval    = 5000 * time.Millisecond
	DefaultDiscoveryInterval = 2000 * time.Millisecond
	DefaultCommandTimeout    = 500 * time.Millisecond
	DefaultDrainTimeout      = 3000 * time.Millisecond
	DefaultDialTimeout       = 1000 * time.Millisecond
	DefaultMaxOutgoing       = 16
	DefaultMaxIncoming       = 64
	DefaultMaxNodes          = 128
)

// Config contains all the configuration properties of an overmesh
// node.
type Config struct {
	// Label is the friendly name of this node. It is best-effort
	// unique and appears in logs, status output, and diagrams.
	Label string `mapstructure:"label"`

	// NodeID optionally pins the node's 128-bit identifier, as a hex
	// string. When empty, a fresh one is generated at startup.
	NodeID string `mapstructure:"node-id"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output to a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port this node listens on for
	// connections from other nodes.
	BindAddr string `mapstructure:"listen"`

	// TargetPath is a file containing a JSON array of addresses the
	// dial monitor connects to.
	TargetPath string `mapstructure:"targets"`

	// WatchTargets re-reads the target file when it changes.
	WatchTargets bool `mapstructure:"watch-targets"`

	// HeartbeatInterval is the period between heartbeat probes on a
	// ready session.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// HeartbeatTimeout is how long a session waits for a heartbeat
	// response before declaring the remote dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`

	// HandshakeTimeout bounds the wait for the remote Handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// DialInterval is the period of the dial monitor.
	DialInterval time.Duration `mapstructure:"dial-interval"`

	// StatusInterval is the period of the status monitor.
	StatusInterval time.Duration `mapstructure:"status-interval"`

	// DiscoveryInterval is the period of the contact-exchange loop.
	DiscoveryInterval time.Duration `mapstructure:"discovery-interval"`

	// CommandTimeout bounds command delivery to a peer session. A
	// session whose inbox stays full past it is considered failed.
	CommandTimeout time.Duration `mapstructure:"command-timeout"`

	// DrainTimeout is how long shutdown waits for sessions to close
	// politely before abandoning them.
	DrainTimeout time.Duration `mapstructure:"drain-timeout"`

	// DialTimeout bounds outbound TCP connection establishment.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// MaxOutgoing caps concurrent outbound sessions.
	MaxOutgoing int `mapstructure:"max-outgoing"`

	// MaxIncoming caps concurrent inbound sessions.
	MaxIncoming int `mapstructure:"max-incoming"`

	// MaxNodes caps the size of the merged network graph.
	MaxNodes int `mapstructure:"max-nodes"`

	// StatusPath is where the status monitor writes peers.json.
	StatusPath string `mapstructure:"status-path"`

	// DiagramEnabled turns on diagram-file rendering of the graph.
	DiagramEnabled bool `mapstructure:"diagram"`

	// DiagramPath is where the diagram file is written.
	DiagramPath string `mapstructure:"diagram-path"`

	// NoService disables the HTTP inspection API.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP inspection API.
	ServiceAddr string `mapstructure:"service-listen"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Label:             "overmesh",
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		TargetPath:        DefaultTargetPath,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		DialInterval:      DefaultDialInterval,
		StatusInterval:    DefaultStatusInterval,
		DiscoveryInterval: DefaultDiscoveryInterval,
		CommandTimeout:    DefaultCommandTimeout,
		DrainTimeout:      DefaultDrainTimeout,
		DialTimeout:       DefaultDialTimeout,
		MaxOutgoing:       DefaultMaxOutgoing,
		MaxIncoming:       DefaultMaxIncoming,
		MaxNodes:          DefaultMaxNodes,
		StatusPath:        DefaultStatusPath,
		DiagramPath:       DefaultDiagramPath,
		ServiceAddr:       DefaultServiceAddr,
	}
}

// NewTestConfig returns a config object with default values, short
// timers, and a logger that routes through the test runner.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.BindAddr = "127.0.0.1:0"
	config.HeartbeatInterval = 50 * time.Millisecond
	config.HeartbeatTimeout = 250 * time.Millisecond
	config.HandshakeTimeout = 500 * time.Millisecond
	config.DialInterval = 50 * time.Millisecond
	config.StatusInterval = 100 * time.Millisecond
	config.DiscoveryInterval = 100 * time.Millisecond
	config.DrainTimeout = 1 * time.Second
	config.NoService = true
	config.logger = common.NewTestLogger(t)
	return config
}

// Validate reports invalid configuration. Failures here are fatal at
// startup only.
func (c *Config) Validate() error {
	if _, err := peers.NormalizeAddr(c.BindAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.NodeID != "" {
		if _, err := peers.ParseNodeID(c.NodeID); err != nil {
			return err
		}
	}
	for name, d := range map[string]time.Duration{
		"heartbeat":          c.HeartbeatInterval,
		"heartbeat-timeout":  c.HeartbeatTimeout,
		"handshake-timeout":  c.HandshakeTimeout,
		"dial-interval":      c.DialInterval,
		"status-interval":    c.StatusInterval,
		"discovery-interval": c.DiscoveryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat-timeout (%s) must exceed heartbeat (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxOutgoing <= 0 {
		return fmt.Errorf("max-outgoing must be positive")
	}
	return nil
}

// Logger returns a formatted logrus Entry, with prefix set to
// "overmesh". When LogFile is set, output is duplicated to it through
// a file hook.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, new(prefixed.TextFormatter)))
		}
	}
	return c.logger.WithField("prefix", "overmesh")
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
