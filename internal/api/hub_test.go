package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

func wsRouter(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/live-feed", hub.ServeStream(StreamLiveFeed))
	mux.HandleFunc("/ws/alerts", hub.ServeStream(StreamAlerts))
	mux.HandleFunc("/ws/analysis", hub.ServeStream(StreamAnalysis))
	mux.HandleFunc("/ws/system", hub.ServeStream(StreamSystem))
	return mux
}

func dialStream(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestHub_AlertStreamDelivers(t *testing.T) {
	disp := alerts.NewDispatcher(10, 0)
	hub := NewHub(disp)
	defer hub.Close()

	mux := wsRouter(hub)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialStream(t, srv, "/ws/alerts")
	time.Sleep(50 * time.Millisecond) // let the registration land

	disp.Publish(&alerts.Alert{CameraID: 2, Severity: alerts.SeverityCritical, Kind: alerts.KindImmediate, Message: "intrusion"})

	env := readEnvelope(t, conn)
	assert.Equal(t, StreamAlerts, env["type"])
	data := env["data"].(map[string]any)
	assert.Equal(t, "intrusion", data["message"])
}

func TestHub_SystemStreamOnlyGetsSystemKind(t *testing.T) {
	disp := alerts.NewDispatcher(10, 0)
	hub := NewHub(disp)
	defer hub.Close()

	srv := httptest.NewServer(wsRouter(hub))
	defer srv.Close()

	conn := dialStream(t, srv, "/ws/system")
	time.Sleep(50 * time.Millisecond)

	disp.Publish(&alerts.Alert{CameraID: 0, Severity: alerts.SeverityCritical, Kind: alerts.KindImmediate, Message: "event alert"})
	disp.Publish(&alerts.Alert{CameraID: 0, Severity: alerts.SeveritySystem, Kind: alerts.KindSystem, Event: "camera_started", Message: "camera up"})

	env := readEnvelope(t, conn)
	data := env["data"].(map[string]any)
	assert.Equal(t, "camera_started", data["event"], "event alert must not reach the system stream")
}

func TestHub_LiveFeedAndAnalysisBroadcast(t *testing.T) {
	disp := alerts.NewDispatcher(10, 0)
	hub := NewHub(disp)
	defer hub.Close()

	srv := httptest.NewServer(wsRouter(hub))
	defer srv.Close()

	feed := dialStream(t, srv, "/ws/live-feed")
	analysis := dialStream(t, srv, "/ws/analysis")
	time.Sleep(50 * time.Millisecond)

	hub.LiveFeed(1, time.Now(), "aW1n", "a quiet street")
	hub.Analysis(&vision.Observation{CameraID: 1, SceneDescription: "a quiet street", Significance: 12})

	env := readEnvelope(t, feed)
	assert.Equal(t, StreamLiveFeed, env["type"])
	assert.Equal(t, "a quiet street", env["data"].(map[string]any)["summary"])

	env = readEnvelope(t, analysis)
	assert.Equal(t, StreamAnalysis, env["type"])
	assert.Equal(t, float64(12), env["data"].(map[string]any)["significance"])
}

func TestHub_ConnectionCounts(t *testing.T) {
	disp := alerts.NewDispatcher(10, 0)
	hub := NewHub(disp)
	defer hub.Close()

	srv := httptest.NewServer(wsRouter(hub))
	defer srv.Close()

	dialStream(t, srv, "/ws/alerts")
	dialStream(t, srv, "/ws/alerts")
	dialStream(t, srv, "/ws/system")

	assert.Eventually(t, func() bool {
		counts := hub.ConnectionCounts()
		return counts[StreamAlerts] == 2 && counts[StreamSystem] == 1
	}, 2*time.Second, 10*time.Millisecond)
}
