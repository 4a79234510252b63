package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 10*time.Second, cfg.Polling.MaxInterval)
	assert.Equal(t, 5, cfg.Channel.MaxRetries)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "BaseURL"},
		{"non-http base url", func(c *Config) { c.Server.BaseURL = "ftp://example.com" }, "BaseURL"},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }, "Level"},
		{"unknown profile", func(c *Config) { c.Logging.Profile = "qa" }, "Profile"},
		{"static auth without token", func(c *Config) { c.Auth = AuthConfig{Type: AuthTypeStatic} }, "Token"},
		{"max below interval", func(c *Config) { c.Polling.MaxInterval = time.Second }, "MaxInterval"},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry = TelemetryConfig{Enabled: true}
		}, "Endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
