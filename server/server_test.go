package server

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
	"go.uber.org/zap"
)

// startWSServer runs the hub on a real clock behind an httptest listener.
func startWSServer(t *testing.T) (*RelayServer, *httptest.Server) {
	t.Helper()
	s := NewRelayServer(testConfig(), zap.NewNop().Sugar())
	go s.Run()

	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		ts.Close()
		s.cancel()
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

// waitForEvent reads frames until the named event arrives or the deadline
// trips.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func TestWebSocketRegisterAndBroadcast(t *testing.T) {
	_, ts := startWSServer(t)

	driver := dialWS(t, ts)
	sendEvent(t, driver, "registerRole", map[string]string{
		"role":      "driver",
		"accountId": "D1",
	})
	assigned := waitForEvent(t, driver, "sessionAssigned")
	var key string
	require.NoError(t, json.Unmarshal(assigned.Data, &key))
	assert.NotEmpty(t, key)

	user := dialWS(t, ts)
	sendEvent(t, user, "registerRole", map[string]string{
		"role":      "user",
		"accountId": "U1",
	})
	waitForEvent(t, user, "sessionAssigned")
	waitForEvent(t, user, "currentData")

	sendEvent(t, driver, "updateLocation", map[string]interface{}{
		"accountId":      "D1",
		"lat":            14.5,
		"lng":            121.0,
		"passengerCount": 3,
		"maxCapacity":    20,
	})

	update := waitForEvent(t, user, "locationUpdate")
	var payload driverBroadcast
	require.NoError(t, json.Unmarshal(update.Data, &payload))
	assert.Equal(t, "driver", payload.From)
	assert.Equal(t, "D1", payload.AccountID)
	assert.Equal(t, 14.5, payload.Lat)
	assert.Equal(t, 121.0, payload.Lng)
	assert.True(t, payload.IsOnline)
}

// The bare-string registerRole form is accepted and normalized.
func TestWebSocketBareStringRegister(t *testing.T) {
	_, ts := startWSServer(t)

	driver := dialWS(t, ts)
	sendEvent(t, driver, "registerRole", "driver")
	waitForEvent(t, driver, "sessionAssigned")
}

func TestWebSocketPreemption(t *testing.T) {
	_, ts := startWSServer(t)

	cA := dialWS(t, ts)
	sendEvent(t, cA, "registerRole", map[string]string{"role": "driver", "accountId": "D1"})
	waitForEvent(t, cA, "sessionAssigned")

	cB := dialWS(t, ts)
	sendEvent(t, cB, "registerRole", map[string]string{"role": "driver", "accountId": "D1"})
	waitForEvent(t, cB, "sessionAssigned")

	replaced := waitForEvent(t, cA, "connectionReplaced")
	var payload connectionReplacedPayload
	require.NoError(t, json.Unmarshal(replaced.Data, &payload))
	assert.NotEmpty(t, payload.Message)

	// The preempted transport closes after the notice.
	cA.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := cA.ReadMessage(); err != nil {
			break
		}
	}

	// The successor keeps producing.
	user := dialWS(t, ts)
	sendEvent(t, user, "registerRole", map[string]string{"role": "user", "accountId": "U1"})
	waitForEvent(t, user, "currentData")

	sendEvent(t, cB, "updateLocation", map[string]interface{}{
		"accountId": "D1",
		"lat":       14.5,
		"lng":       121.0,
	})
	waitForEvent(t, user, "locationUpdate")
}

func TestHTTPProbes(t *testing.T) {
	s, _ := newTestServer()

	root := httptest.NewServer(http.HandlerFunc(s.HandleRoot))
	defer root.Close()
	resp, err := http.Get(root.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rootBody struct {
		Status  string `json:"status"`
		Drivers int    `json:"drivers"`
		Uptime  int64  `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rootBody))
	assert.Equal(t, "running", rootBody.Status)
	assert.Equal(t, 0, rootBody.Drivers)

	health := httptest.NewServer(http.HandlerFunc(s.HandleHealth))
	defer health.Close()
	resp2, err := http.Get(health.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var healthBody struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&healthBody))
	assert.Equal(t, "healthy", healthBody.Status)
	assert.NotZero(t, healthBody.Timestamp)
}

// A slow subscriber with a full queue is evicted without blocking the
// fan-out to others.
func TestSlowSubscriberEvicted(t *testing.T) {
	s, _ := newTestServer()

	slow := &Client{
		server: s,
		send:   make(chan outbound), // unbuffered and never read
		done:   make(chan struct{}),
		id:     "slow",
	}
	s.mu.Lock()
	s.clients[slow.id] = slow
	slow.role = RoleUser
	slow.accountID = "U-slow"
	s.users["U-slow"] = &UserRecord{AccountID: "U-slow", ConnID: slow.id, LastActivityAt: s.now()}
	s.mu.Unlock()

	healthy := newTestClient(s)
	registerUser(s, healthy, "U-ok")
	drain(healthy)

	driver := newTestClient(s)
	registerDriver(s, driver, "D1")
	require.NoError(t, s.driverLocationUpdate(driver, locPayload("D1", 14.5, 121.0, 1, 20)))

	assert.Len(t, eventsOf(drain(healthy), "locationUpdate"), 1, "healthy subscriber still served")

	s.mu.Lock()
	_, stillThere := s.clients["slow"]
	s.mu.Unlock()
	assert.False(t, stillThere, "slow subscriber evicted")
}
