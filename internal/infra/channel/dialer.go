package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Conn is one established push connection. Callers must not issue
// concurrent writes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// TokenSource supplies the bearer credential presented on each connection
// attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer returns a Dialer using websocket.DefaultDialer settings.
func NewWebsocketDialer() *WebsocketDialer {
	d := *websocket.DefaultDialer
	return &WebsocketDialer{Dialer: &d}
}

// Dial opens a websocket connection. An HTTP response that refuses the
// upgrade is reported with its status code.
func (d *WebsocketDialer) Dial(ctx context.Context, u string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// isServerClose reports whether err is a close frame the server sent
// deliberately. Such closes end the session without a reconnect.
func isServerClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.ClosePolicyViolation
}

// ChannelURL derives the websocket endpoint from the server base address:
// http becomes ws, https becomes wss, and /ws is appended to the path.
func ChannelURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid base address %q: %w", base, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in base address", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base address %q has no host", base)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
