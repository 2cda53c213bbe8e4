package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("PULSE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("PULSE_PRESENCE_TYPING_TTL", "3s")
	t.Setenv("PULSE_AUTH_ADMINS", "root,ops")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"root", "ops"}, cfg.Auth.Admins)
	assert.Equal(t, 3*time.Second, cfg.Presence.TypingTTL)
	assert.Equal(t, 2*time.Second, cfg.Presence.Debounce)
	assert.Equal(t, 24*time.Hour, cfg.Presence.Retention)
	assert.Equal(t, DriverMemory, cfg.Bridge.Driver)
	assert.Equal(t, 90*time.Second, cfg.Cluster.PeerTimeout())
	assert.Equal(t, 50, cfg.Limits.EventsPerSecond)
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("PULSE_AUTH_JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "auth.jwt_secret")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:      8080,
			Transport: TransportConfig{SendBuffer: 1, InboundQueue: 1, SendTimeout: time.Second},
			Presence:  PresenceConfig{IdleTimeout: time.Minute, TypingTTL: time.Second},
			Cluster:   ClusterConfig{ReconcileInterval: time.Second, DedupWindow: time.Second, PeerTimeoutFactor: 3},
			Bridge:    BridgeConfig{Driver: DriverMemory},
			Auth:      AuthConfig{JWTSecret: "x"},
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "port"},
		{"redis without url", func(c *Config) { c.Bridge.Driver = DriverRedis }, "bridge.url"},
		{"unknown driver", func(c *Config) { c.Bridge.Driver = "kafka" }, "unknown bridge.driver"},
		{"peer factor", func(c *Config) { c.Cluster.PeerTimeoutFactor = 1 }, "peer_timeout_factor"},
		{"jitter", func(c *Config) { c.Bridge.BackoffJitter = 1 }, "backoff_jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg = valid()
	cfg.Port = -1
	cfg.Auth.JWTSecret = ""
	err := cfg.Validate()
	assert.ErrorContains(t, err, "port")
	assert.ErrorContains(t, err, "jwt_secret")
}
