package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/audit"
)

func startHub(t *testing.T) (*AlertHub, *httptest.Server) {
	t.Helper()
	hub := NewAlertHub(DefaultHubConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readMessage(t, conn)
	require.Equal(t, MessageConnected, welcome.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func testAlert(ruleID string, severity audit.Severity) *audit.Alert {
	return &audit.Alert{
		ID:          uuid.New(),
		RuleID:      ruleID,
		Title:       "threshold exceeded",
		Severity:    severity,
		Status:      audit.AlertStatusOpen,
		TriggerTime: time.Now().UTC(),
	}
}

func TestAlertHubDeliversAlerts(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)
	assert.Equal(t, 1, hub.ClientCount())

	alert := testAlert("failed-logins", audit.SeverityHigh)
	hub.AlertRaised(alert)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageAlertRaised, msg.Type)
	require.NotNil(t, msg.Alert)
	assert.Equal(t, alert.ID, msg.Alert.ID)

	alert.Status = audit.AlertStatusAcknowledged
	hub.AlertUpdated(alert)

	msg = readMessage(t, conn)
	assert.Equal(t, MessageAlertUpdated, msg.Type)
	assert.Equal(t, audit.AlertStatusAcknowledged, msg.Alert.Status)
}

func TestAlertHubFilters(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "update_filters",
		"filters": map[string]interface{}{
			"rule_ids":     []string{"failed-logins"},
			"min_severity": "HIGH",
		},
	}))
	ack := readMessage(t, conn)
	require.Equal(t, MessageFiltersUpdated, ack.Type)

	hub.AlertRaised(testAlert("other-rule", audit.SeverityCritical))
	hub.AlertRaised(testAlert("failed-logins", audit.SeverityLow))
	wanted := testAlert("failed-logins", audit.SeverityCritical)
	hub.AlertRaised(wanted)

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Alert)
	assert.Equal(t, wanted.ID, msg.Alert.ID)
}

func TestAlertHubPing(t *testing.T) {
	_, srv := startHub(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, MessagePong, readMessage(t, conn).Type)
}

func TestAlertHubStop(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)

	require.NoError(t, hub.Ping(context.Background()))
	hub.Stop()
	assert.ErrorIs(t, hub.Ping(context.Background()), ErrHubNotRunning)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// publishing after stop must not block
	hub.AlertRaised(testAlert("late", audit.SeverityLow))
}

func TestFiltersMatch(t *testing.T) {
	alert := testAlert("r1", audit.SeverityMedium)

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{name: "empty", filters: Filters{}, want: true},
		{name: "rule match", filters: Filters{RuleIDs: []string{"r1"}}, want: true},
		{name: "rule miss", filters: Filters{RuleIDs: []string{"r2"}}, want: false},
		{name: "status miss", filters: Filters{Statuses: []audit.AlertStatus{audit.AlertStatusResolved}}, want: false},
		{name: "severity floor met", filters: Filters{MinSeverity: audit.SeverityMedium}, want: true},
		{name: "severity floor missed", filters: Filters{MinSeverity: audit.SeverityHigh}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.match(alert))
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewAlertHub(HubConfig{AllowedOrigins: []string{"https://console.example.com"}}, zap.NewNop())

	r := httptest.NewRequest("GET", "/", nil)
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://console.example.com")
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(r))
}
