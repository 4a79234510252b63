package session

import (
	"context"
	"sync"

	"github.com/ahrav/livesync/internal/config/credentials"
	"github.com/ahrav/livesync/pkg/common/logger"
)

// Factory builds a session for identity. tokens yields identity's credential
// for as long as that session is current.
type Factory func(identity Identity, tokens credentials.Source) (*Session, error)

// Manager keeps at most one session alive and swaps it when the signed-in
// identity changes.
type Manager struct {
	factory Factory
	tokens  *credentials.Holder

	mu      sync.Mutex
	current *Session

	logger *logger.Logger
}

// NewManager creates a Manager with no session.
func NewManager(factory Factory, logger *logger.Logger) *Manager {
	return &Manager{
		factory: factory,
		tokens:  new(credentials.Holder),
		logger:  logger.With("component", "session_manager"),
	}
}

// SetIdentity makes id the active identity. A nil id signs out: the current
// session is closed and none replaces it. Setting the identity that is
// already active is a no-op. The new session is started before SetIdentity
// returns; a start failure is returned but the session stays current since
// its channel keeps retrying.
func (m *Manager) SetIdentity(ctx context.Context, id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != nil && m.current != nil && m.current.Identity() == *id {
		return nil
	}

	if m.current != nil {
		m.current.Close()
		m.current = nil
		m.logger.Info(ctx, "Signed out previous identity")
	}

	if id == nil {
		m.tokens.Clear()
		return nil
	}

	m.tokens.Set(id.Token)
	s, err := m.factory(*id, m.tokens)
	if err != nil {
		m.tokens.Clear()
		return err
	}
	m.current = s
	m.logger.Info(ctx, "Session created", "user_id", id.UserID, "tenant_id", id.TenantID)

	return s.Start(ctx)
}

// Current returns the active session, or nil when signed out.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close signs out and closes the active session.
func (m *Manager) Close(ctx context.Context) {
	_ = m.SetIdentity(ctx, nil)
}
