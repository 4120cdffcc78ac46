package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "lobby", cfg.Room)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.JoinTimeout)
	assert.Len(t, cfg.STUNServers, 2)
	assert.Empty(t, cfg.TURNServers)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NETPLAY_ROOM", "arena-7")
	t.Setenv("NETPLAY_STUN_SERVERS", "stun:a:3478,stun:b:3478,stun:c:3478")
	t.Setenv("NETPLAY_JOIN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "arena-7", cfg.Room)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478", "stun:c:3478"}, cfg.STUNServers)
	assert.Equal(t, 3*time.Second, cfg.JoinTimeout)
}

func TestLoadRejectsZeroReconnectAttempts(t *testing.T) {
	t.Setenv("NETPLAY_RECONNECT_ATTEMPTS", "0")

	_, err := Load()
	assert.Error(t, err)
}
