// Package credentials supplies the bearer token presented on every push
// channel handshake and repository request.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ahrav/livesync/internal/config"
)

// ErrNoToken is returned when no credential is available.
var ErrNoToken = errors.New("no credential available")

// Source yields the current bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

// Token returns the token, or ErrNoToken if it is blank.
func (s Static) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// Env reads the token from an environment variable on every call so a
// rotated value is picked up by the next handshake.
type Env struct {
	Name string
}

// Token returns the variable's value.
func (e Env) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(e.Name))
	if v == "" {
		return "", fmt.Errorf("%w: %s is unset", ErrNoToken, e.Name)
	}
	return v, nil
}

// Holder is a mutable Source. The session manager sets it when an identity
// signs in and clears it on sign out.
type Holder struct {
	mu    sync.RWMutex
	token string
}

// Set replaces the held token.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

// Clear drops the held token.
func (h *Holder) Clear() { h.Set("") }

// Token returns the held token, or ErrNoToken when cleared.
func (h *Holder) Token(context.Context) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.token == "" {
		return "", ErrNoToken
	}
	return h.token, nil
}

// FromConfig builds the Source described by cfg.
func FromConfig(cfg config.AuthConfig) (Source, error) {
	switch cfg.Type {
	case config.AuthTypeStatic:
		return Static(cfg.Token), nil
	case config.AuthTypeEnv:
		return Env{Name: cfg.TokenEnv}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}
