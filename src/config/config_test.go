package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"bad listen addr":          func(c *Config) { c.BindAddr = "localhost:1337" },
		"bad node id":              func(c *Config) { c.NodeID = "not-hex" },
		"zero heartbeat":           func(c *Config) { c.HeartbeatInterval = 0 },
		"timeout below heartbeat":  func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval / 2 },
		"non-positive maxoutgoing": func(c *Config) { c.MaxOutgoing = 0 },
		"negative dial interval":   func(c *Config) { c.DialInterval = -time.Second },
	}

	for name, mutate := range cases {
		c := NewDefaultConfig()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestLogLevelFallsBackToDebug(t *testing.T) {
	if LogLevel("nonsense") != LogLevel("debug") {
		t.Fatal("unknown levels should fall back to debug")
	}
}
