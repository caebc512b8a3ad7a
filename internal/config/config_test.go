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

	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "pebble", cfg.Store.Driver)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 1500*time.Millisecond, cfg.Typing.TTL)
	assert.Equal(t, 10*time.Second, cfg.Notify.Throttle)
	assert.Equal(t, 3, cfg.Presence.HeartbeatMisses)
	assert.Equal(t, time.Minute, cfg.Presence.IdleAfter)
	assert.False(t, cfg.Registry.Enabled)
	assert.Equal(t, 16384, cfg.Chat.MaxBodyBytes)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("BROKER_DRIVER", "kafka")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "kafka", cfg.Broker.Driver)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
}
