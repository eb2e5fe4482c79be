package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		MaxConnections:            10000,
		MaxSubscriptionsPerClient: 100,
		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          60 * time.Second,
		ServiceDiscoveryBackend:   "none",
		LoadBalancingStrategy:     "round_robin",
		MinInstances:              1,
		MaxInstances:              10,
		LogLevel:                  "info",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroMaxConnections(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsHeartbeatTimeoutNotExceedingInterval(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDiscoveryBackend(t *testing.T) {
	cfg := validConfig()
	cfg.ServiceDiscoveryBackend = "zookeeper"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLoadBalancingStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.LoadBalancingStrategy = "random"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsAuthEnabledWithoutToken(t *testing.T) {
	cfg := validConfig()
	cfg.EnableAuth = true
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsSSLEnabledWithoutPaths(t *testing.T) {
	cfg := validConfig()
	cfg.SSLEnabled = true
	assert.Error(t, cfg.Validate())
}

func TestAddrCombinesHostAndPort(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocketHost = "127.0.0.1"
	cfg.WebSocketPort = 8080
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
}
