package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/livesync/internal/domain/events"
	"github.com/ahrav/livesync/internal/domain/realtime"
	"github.com/ahrav/livesync/pkg/common/logger"
	"github.com/ahrav/livesync/pkg/common/timeutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// pushServer is a websocket endpoint that confirms sessions the way the
// analytics server does.
type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	reject  atomic.Int32 // HTTP status to refuse upgrades with; 0 accepts.
	silent  atomic.Bool  // Upgrade but never confirm.
	holding atomic.Bool  // Delay confirmation until hold is closed.
	hold    chan struct{}
	dials   atomic.Int32
	authMu  sync.Mutex
	auth    []string
	conns   chan *websocket.Conn
	current atomic.Pointer[websocket.Conn]
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{conns: make(chan *websocket.Conn, 16), hold: make(chan struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	s.authMu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.authMu.Unlock()

	if code := s.reject.Load(); code != 0 {
		http.Error(w, "unauthorized", int(code))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.holding.Load() {
		<-s.hold
	}
	if !s.silent.Load() {
		_ = conn.WriteJSON(map[string]any{
			"type": "connection_confirmed",
			"data": map[string]any{"sessionId": "session-1", "userId": "user-1"},
		})
	}
	s.current.Store(conn)
	s.conns <- conn
}

func (s *pushServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *pushServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("server did not receive a connection")
		return nil
	}
}

func (s *pushServer) send(t *testing.T, v any) {
	t.Helper()
	conn := s.current.Load()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(v))
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type recorder struct {
	mu   sync.Mutex
	envs []events.EventEnvelope
}

func (r *recorder) Dispatch(_ context.Context, evt events.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, evt)
	return nil
}

func (r *recorder) snapshot() []events.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EventEnvelope(nil), r.envs...)
}

type transitions struct {
	mu  sync.Mutex
	got []stateChange
}

func (tr *transitions) record(from, to realtime.ConnectionState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, stateChange{from: from, to: to})
}

func (tr *transitions) snapshot() []stateChange {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]stateChange(nil), tr.got...)
}

func newTestClient(t *testing.T, url string, clock timeutil.Provider, cfg ClientConfig) (*Client, *recorder) {
	t.Helper()

	metrics, err := NewMetrics(noopmetric.NewMeterProvider())
	require.NoError(t, err)

	cfg.URL = url
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = waitFor
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = waitFor
	}

	rec := new(recorder)
	c, err := NewClient(cfg, staticToken("secret-token"), rec, logger.Noop(), metrics,
		noop.NewTracerProvider().Tracer("test"), WithTimeProvider(clock))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, rec
}

func TestNewClientValidation(t *testing.T) {
	metrics, err := NewMetrics(noopmetric.NewMeterProvider())
	require.NoError(t, err)
	tr := noop.NewTracerProvider().Tracer("test")

	_, err = NewClient(ClientConfig{}, staticToken("x"), new(recorder), logger.Noop(), metrics, tr)
	assert.Error(t, err, "URL is required")

	_, err = NewClient(ClientConfig{URL: "ws://x/ws"}, nil, new(recorder), logger.Noop(), metrics, tr)
	assert.Error(t, err, "token source is required")

	_, err = NewClient(ClientConfig{URL: "ws://x/ws"}, staticToken("x"), nil, logger.Noop(), metrics, tr)
	assert.Error(t, err, "dispatcher is required")
}

func TestConnectConfirmsSession(t *testing.T) {
	srv := newPushServer(t)
	clock := timeutil.NewMock(time.Now())
	client, rec := newTestClient(t, srv.url(), clock, ClientConfig{})

	tr := new(transitions)
	client.OnStateChange(tr.record)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, realtime.ConnectionStateConnected, client.State())
	assert.Equal(t, 0, client.Attempts())
	assert.NoError(t, client.LastError())

	session, connected := client.Session()
	assert.True(t, connected)
	assert.Equal(t, "session-1", session.SessionID)

	srv.authMu.Lock()
	assert.Equal(t, []string{"Bearer secret-token"}, srv.auth)
	srv.authMu.Unlock()

	assert.Eventually(t, func() bool {
		envs := rec.snapshot()
		return len(envs) == 1 && envs[0].Type == realtime.EventTypeConnectionConfirmed
	}, waitFor, tick, "confirmation should be dispatched once")

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]stateChange{
			{from: realtime.ConnectionStateDisconnected, to: realtime.ConnectionStateConnecting},
			{from: realtime.ConnectionStateConnecting, to: realtime.ConnectionStateConnected},
		}, tr.snapshot())
	}, waitFor, tick)

	// A second Connect while connected is a no-op.
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, int32(1), srv.dials.Load())
}

func TestHandshakeFailuresBackOffThenFail(t *testing.T) {
	srv := newPushServer(t)
	srv.reject.Store(http.StatusUnauthorized)

	clock := timeutil.NewMock(time.Now())
	client, _ := newTestClient(t, srv.url(), clock, ClientConfig{})

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, client.LastError(), ErrConnection)

	// After k failures the next attempt waits min(1s * 2^k, 30s).
	for k := 1; k < DefaultMaxRetries; k++ {
		want := min(DefaultRetryBaseDelay<<k, DefaultRetryMaxDelay)
		assert.Equal(t, k, client.Attempts())
		assert.Equal(t, realtime.ConnectionStateReconnecting, client.State())
		require.Equal(t, []time.Duration{want}, clock.Pending(), "delay after %d failures", k)

		clock.Advance(want)
	}

	assert.Equal(t, DefaultMaxRetries, client.Attempts())
	assert.Equal(t, realtime.ConnectionStateFailed, client.State())
	assert.Empty(t, clock.Pending(), "no reconnect is scheduled once failed")
	assert.Equal(t, int32(DefaultMaxRetries), srv.dials.Load())

	clock.Advance(time.Hour)
	assert.Equal(t, int32(DefaultMaxRetries), srv.dials.Load(), "no sixth automatic attempt")

	// An explicit reconnect is the way out of failed.
	srv.reject.Store(0)
	require.NoError(t, client.Reconnect(context.Background()))
	assert.Equal(t, realtime.ConnectionStateConnected, client.State())
	assert.Equal(t, 0, client.Attempts())
}

func TestConnectWaitsForInflightAttempt(t *testing.T) {
	srv := newPushServer(t)
	srv.holding.Store(true)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	first := make(chan error, 1)
	go func() { first <- client.Connect(context.Background()) }()
	require.Eventually(t, func() bool {
		return srv.dials.Load() == 1 && client.State() == realtime.ConnectionStateConnecting
	}, waitFor, tick)

	second := make(chan error, 1)
	go func() { second <- client.Connect(context.Background()) }()

	select {
	case err := <-second:
		t.Fatalf("Connect returned before the server confirmed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(srv.hold)
	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Connect did not return after confirmation")
		}
	}
	assert.Equal(t, realtime.ConnectionStateConnected, client.State())
	assert.Equal(t, int32(1), srv.dials.Load(), "the waiting call does not dial again")
}

func TestConnectReportsInflightFailure(t *testing.T) {
	srv := newPushServer(t)
	srv.silent.Store(true)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()),
		ClientConfig{ConnectionTimeout: 300 * time.Millisecond})

	first := make(chan error, 1)
	go func() { first <- client.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return srv.dials.Load() == 1 }, waitFor, tick)

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, <-first, ErrConnection)
	assert.Equal(t, int32(1), srv.dials.Load())
}

func TestTransportDropReconnectsAfterInitialDelay(t *testing.T) {
	srv := newPushServer(t)
	clock := timeutil.NewMock(time.Now())
	client, _ := newTestClient(t, srv.url(), clock, ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))
	serverConn := srv.next(t)

	// Drop the TCP connection without a close frame.
	require.NoError(t, serverConn.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return client.State() == realtime.ConnectionStateReconnecting
	}, waitFor, tick)
	assert.Equal(t, []time.Duration{time.Second}, clock.Pending())
	assert.Equal(t, 0, client.Attempts())
	assert.ErrorIs(t, client.LastError(), ErrConnection)

	clock.Advance(time.Second)
	assert.Equal(t, realtime.ConnectionStateConnected, client.State())
	assert.Equal(t, int32(2), srv.dials.Load())
}

func TestServerCloseIsTerminal(t *testing.T) {
	for _, code := range []int{websocket.CloseNormalClosure, websocket.ClosePolicyViolation} {
		srv := newPushServer(t)
		clock := timeutil.NewMock(time.Now())
		client, _ := newTestClient(t, srv.url(), clock, ClientConfig{})

		require.NoError(t, client.Connect(context.Background()))
		serverConn := srv.next(t)
		require.NoError(t, serverConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "bye")))

		require.Eventually(t, func() bool {
			return client.State() == realtime.ConnectionStateDisconnected
		}, waitFor, tick, "close code %d", code)
		assert.Empty(t, clock.Pending(), "server close is not retried")

		clock.Advance(time.Minute)
		assert.Equal(t, int32(1), srv.dials.Load())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newPushServer(t)
	clock := timeutil.NewMock(time.Now())
	client, _ := newTestClient(t, srv.url(), clock, ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))

	client.Disconnect(context.Background())
	stateOnce, attemptsOnce := client.State(), client.Attempts()
	client.Disconnect(context.Background())

	assert.Equal(t, realtime.ConnectionStateDisconnected, stateOnce)
	assert.Equal(t, stateOnce, client.State())
	assert.Equal(t, 0, attemptsOnce)
	assert.Equal(t, attemptsOnce, client.Attempts())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newPushServer(t)
	srv.reject.Store(http.StatusServiceUnavailable)
	clock := timeutil.NewMock(time.Now())
	client, _ := newTestClient(t, srv.url(), clock, ClientConfig{})

	_ = client.Connect(context.Background())
	require.Len(t, clock.Pending(), 1)

	client.Disconnect(context.Background())
	assert.Empty(t, clock.Pending())
	assert.Equal(t, 0, client.Attempts())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.Equal(t, realtime.ConnectionStateDisconnected, client.State())
}

func TestConfirmationTimeout(t *testing.T) {
	srv := newPushServer(t)
	srv.silent.Store(true)
	clock := timeutil.NewMock(time.Now())
	client, _ := newTestClient(t, srv.url(), clock, ClientConfig{ConnectionTimeout: 50 * time.Millisecond})

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, realtime.ConnectionStateReconnecting, client.State())
	assert.Equal(t, 1, client.Attempts())
}

func TestInboundEventsDispatchedInOrder(t *testing.T) {
	srv := newPushServer(t)
	clock := timeutil.NewMock(time.Now())
	client, rec := newTestClient(t, srv.url(), clock, ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))
	srv.next(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		srv.send(t, map[string]any{
			"type": "alert_triggered",
			"id":   "evt-" + id,
			"data": map[string]any{"alertId": id, "severity": "high"},
		})
	}
	srv.send(t, map[string]any{"type": "nonsense"})
	srv.send(t, map[string]any{"type": "system_status_update", "data": map[string]any{"status": "healthy"}})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 }, waitFor, tick)

	envs := rec.snapshot()
	assert.Equal(t, realtime.EventTypeConnectionConfirmed, envs[0].Type)
	assert.Equal(t, "a1", envs[1].Key)
	assert.Equal(t, "a2", envs[2].Key)
	assert.Equal(t, "a3", envs[3].Key)
	assert.Equal(t, realtime.EventTypeSystemStatus, envs[4].Type)
}

func TestSendRequiresConnection(t *testing.T) {
	srv := newPushServer(t)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	err := client.Send(context.Background(), MessageSubscribeMetrics, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendWritesFrame(t *testing.T) {
	srv := newPushServer(t)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))
	serverConn := srv.next(t)

	filter := realtime.AlertFilter{ProductIDs: []string{"sku-9"}}
	require.NoError(t, client.Send(context.Background(), MessageSubscribeAlerts, filter))

	var got struct {
		Type string               `json:"type"`
		ID   string               `json:"id"`
		Data realtime.AlertFilter `json:"data"`
	}
	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, serverConn.ReadJSON(&got))
	assert.Equal(t, "subscribe_alerts", got.Type)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, filter, got.Data)
}

func TestRequestAlertStatus(t *testing.T) {
	srv := newPushServer(t)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))
	serverConn := srv.next(t)

	go func() {
		var req struct {
			Type string             `json:"type"`
			Data alertStatusRequest `json:"data"`
		}
		if err := serverConn.ReadJSON(&req); err != nil {
			return
		}
		_ = serverConn.WriteJSON(map[string]any{
			"type": "alert_status_response",
			"data": map[string]any{
				"requestId": req.Data.RequestID,
				"alertId":   req.Data.AlertID,
				"status":    "acknowledged",
				"found":     true,
			},
		})
	}()

	resp, err := client.RequestAlertStatus(context.Background(), "alert-7")
	require.NoError(t, err)
	assert.Equal(t, "alert-7", resp.AlertID)
	assert.Equal(t, "acknowledged", resp.Status)
	assert.True(t, resp.Found)
}

func TestRequestAlertStatusFailsOnDisconnect(t *testing.T) {
	srv := newPushServer(t)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	require.NoError(t, client.Connect(context.Background()))
	srv.next(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.RequestAlertStatus(context.Background(), "alert-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return client.requests.Len() == 1 }, waitFor, tick)
	client.Disconnect(context.Background())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("request did not fail after disconnect")
	}
}

func TestCloseRejectsConnect(t *testing.T) {
	srv := newPushServer(t)
	client, _ := newTestClient(t, srv.url(), timeutil.NewMock(time.Now()), ClientConfig{})

	client.Close()
	client.Close()
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClientClosed)
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:3001", want: "ws://localhost:3001/ws"},
		{base: "https://api.example.com/", want: "wss://api.example.com/ws"},
		{base: "https://api.example.com/v1?x=1", want: "wss://api.example.com/v1/ws"},
		{base: "ftp://example.com", wantErr: true},
		{base: "http://", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ChannelURL(tt.base)
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsServerClose(t *testing.T) {
	assert.True(t, isServerClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, isServerClose(&websocket.CloseError{Code: websocket.ClosePolicyViolation}))
	assert.False(t, isServerClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, isServerClose(json.Unmarshal([]byte("x"), new(int))))
}
