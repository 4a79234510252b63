// Package realtime models the events, snapshots and subscription topics that
// flow over the push channel between the analytics server and a client.
package realtime

import (
	"time"

	"github.com/ahrav/livesync/internal/domain/events"
)

// Inbound event taxonomy.
const (
	EventTypeConnectionConfirmed   events.EventType = "connection_confirmed"
	EventTypeAlertTriggered        events.EventType = "alert_triggered"
	EventTypeAlertStatusChanged    events.EventType = "alert_status_changed"
	EventTypeAlertStatusResponse   events.EventType = "alert_status_response"
	EventTypePerformanceMetrics    events.EventType = "performance_metrics_update"
	EventTypeSystemStatus          events.EventType = "system_status_update"
	EventTypeSubscriptionConfirmed events.EventType = "subscription_confirmed"
)

// ConnectionConfirmed is the server's handshake acknowledgement.
type ConnectionConfirmed struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	TenantID   string    `json:"tenantId,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

// SubscriptionConfirmed acknowledges a subscribe or unsubscribe request.
type SubscriptionConfirmed struct {
	Topic      string      `json:"topic"`
	Filter     AlertFilter `json:"filter"`
	Subscribed bool        `json:"subscribed"`
}

// AlertStatusResponse answers a request_alert_status message. RequestID
// correlates it with the request.
type AlertStatusResponse struct {
	RequestID string `json:"requestId"`
	AlertID   string `json:"alertId"`
	Status    string `json:"status"`
	Found     bool   `json:"found"`
	Error     string `json:"error,omitempty"`
}

// PerformanceMetricsSnapshot is the latest alert-engine performance report.
// Only the most recent snapshot is kept.
type PerformanceMetricsSnapshot struct {
	ActiveAlerts       int       `json:"activeAlerts"`
	AlertsTriggered24h int       `json:"alertsTriggered24h"`
	AvgEvaluationMs    float64   `json:"avgEvaluationMs"`
	QueueDepth         int       `json:"queueDepth"`
	ConnectedClients   int       `json:"connectedClients"`
	CollectedAt        time.Time `json:"collectedAt"`
}

// SystemStatusSnapshot is the latest server health report. Only the most
// recent snapshot is kept.
type SystemStatusSnapshot struct {
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Components map[string]string `json:"components,omitempty"`
	ReportedAt time.Time         `json:"reportedAt"`
}

// Degraded reports whether the server considers itself unhealthy.
func (s SystemStatusSnapshot) Degraded() bool {
	return s.Status != "" && s.Status != "healthy" && s.Status != "ok"
}
