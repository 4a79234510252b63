// Package loaders layers environment variables and command line flags over a
// base configuration source.
package loaders

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/livesync/internal/config"
)

// EnvPrefix prefixes every environment override, for example
// LIVESYNC_SERVER_BASE_URL.
const EnvPrefix = "LIVESYNC"

// ViperLoader overlays viper-managed sources onto a base configuration.
// Precedence, highest first: explicitly changed flags bound to v,
// environment variables, the base loader, config.Default.
type ViperLoader struct {
	v    *viper.Viper
	base config.Loader
}

var _ config.Loader = (*ViperLoader)(nil)

// NewViperLoader configures v for LIVESYNC_* environment lookups. base may be
// nil, in which case config.Default seeds the overlay.
func NewViperLoader(v *viper.Viper, base config.Loader) *ViperLoader {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &ViperLoader{v: v, base: base}
}

// Load resolves and validates the layered configuration.
func (l *ViperLoader) Load(ctx context.Context) (*config.Config, error) {
	cfg := config.Default()
	if l.base != nil {
		loaded, err := l.base.Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	// Round-tripping through YAML registers every key with viper so
	// AutomaticEnv can resolve overrides for keys the file never set.
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base config: %w", err)
	}
	var settings map[string]any
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode base config: %w", err)
	}
	if err := l.v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("failed to merge base config: %w", err)
	}

	var out config.Config
	if err := l.v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
