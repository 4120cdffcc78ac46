// Package config holds the client configuration, loaded from the
// environment with sane defaults for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores all parameters for one client session. ICE servers are
// supplied here rather than hardcoded so deployments can bring their own
// STUN/TURN infrastructure.
type Config struct {
	// Identity shown to other peers.
	DisplayName string `env:"NETPLAY_DISPLAY_NAME" envDefault:"anonymous"`

	// Signaling.
	SignalURL         string        `env:"NETPLAY_SIGNAL_URL" envDefault:"ws://127.0.0.1:8090/ws"`
	Room              string        `env:"NETPLAY_ROOM" envDefault:"lobby"`
	ReconnectAttempts int           `env:"NETPLAY_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBase     time.Duration `env:"NETPLAY_RECONNECT_BASE" envDefault:"1s"`
	PollInterval      time.Duration `env:"NETPLAY_POLL_INTERVAL" envDefault:"500ms"`

	// ICE.
	STUNServers []string `env:"NETPLAY_STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	TURNServers []string `env:"NETPLAY_TURN_SERVERS" envSeparator:","`

	// Protocol.
	HeartbeatInterval time.Duration `env:"NETPLAY_HEARTBEAT_INTERVAL" envDefault:"2s"`

	// Match sessions.
	JoinTimeout  time.Duration `env:"NETPLAY_JOIN_TIMEOUT" envDefault:"10s"`
	DirectoryDSN string        `env:"NETPLAY_DIRECTORY_DSN" envDefault:"file:netplay.db"`

	Debug bool `env:"NETPLAY_DEBUG"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.ReconnectAttempts < 1 {
		return Config{}, fmt.Errorf("reconnect attempts must be at least 1, got %d", cfg.ReconnectAttempts)
	}
	return cfg, nil
}
