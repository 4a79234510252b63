package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthType enumerates the supported credential sources.
type AuthType string

const (
	// AuthTypeStatic uses the token given in the configuration.
	AuthTypeStatic AuthType = "static"
	// AuthTypeEnv reads the token from an environment variable.
	AuthTypeEnv AuthType = "env"
)

// Config represents the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Channel   ChannelConfig   `yaml:"channel" mapstructure:"channel"`
	Polling   PollingConfig   `yaml:"polling" mapstructure:"polling"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig locates the analytics service.
type ServerConfig struct {
	// BaseURL is the http(s) address; the push channel endpoint is derived
	// from it.
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url" validate:"required,url,startswith=http"`
	RequestTimeout    time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// AuthConfig represents an authentication configuration.
type AuthConfig struct {
	Type     AuthType `yaml:"type" mapstructure:"type" validate:"oneof=static env"`
	Token    string   `yaml:"token" mapstructure:"token" validate:"required_if=Type static"`
	TokenEnv string   `yaml:"token_env" mapstructure:"token_env" validate:"required_if=Type env"`
}

// LoggingConfig configures the structured logger and its sinks.
type LoggingConfig struct {
	Level          string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Profile        string `yaml:"profile" mapstructure:"profile" validate:"oneof=development staging production"`
	Remote         bool   `yaml:"remote" mapstructure:"remote"`
	LocalBuffer    bool   `yaml:"local_buffer" mapstructure:"local_buffer"`
	BufferCapacity int    `yaml:"buffer_capacity" mapstructure:"buffer_capacity" validate:"gte=0"`
}

// ChannelConfig tunes the push channel's handshake and reconnect policy.
type ChannelConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout" validate:"gte=0"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay" validate:"gte=0"`
}

// PollingConfig sets the adaptive poller's cadence.
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	MaxInterval time.Duration `yaml:"max_interval" mapstructure:"max_interval" validate:"gtefield=Interval"`
}

// TelemetryConfig enables OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Enabled true"`
}

// Default returns the configuration used when no file or override sets a
// value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{Type: AuthTypeEnv, TokenEnv: "LIVESYNC_TOKEN"},
		Logging: LoggingConfig{
			Level:          "info",
			Profile:        "development",
			LocalBuffer:    true,
			BufferCapacity: 100,
		},
		Channel: ChannelConfig{
			ConnectionTimeout: 10 * time.Second,
			MaxRetries:        5,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
		},
		Polling: PollingConfig{
			Interval:    3 * time.Second,
			MaxInterval: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4317"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns one error naming every
// offending field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
