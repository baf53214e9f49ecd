package server

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/biyahe/relay/config"
)

// fakeClock is a controllable time source for timing-sensitive tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port: 0,
		},
		Relay: config.RelayConfig{
			MovementThresholdDegrees: 0.0001,
			HeartbeatIntervalSeconds: 15,
			GracePeriodSeconds:       30,
			StaleTimeoutSeconds:      300,
			CleanupIntervalSeconds:   60,
			MaxUpdatesPerMinute:      60,
			MaxSnapshotDrivers:       100,
			MaxClients:               100,
			ShutdownSettleMS:         10,
		},
	}
}

// newTestServer builds a relay on a fake clock with no transport attached.
func newTestServer() (*RelayServer, *fakeClock) {
	clock := newFakeClock()
	s := NewRelayServer(testConfig(), zap.NewNop().Sugar())
	s.now = clock.now
	s.startedAt = clock.now()
	return s, clock
}

// newTestClient registers a transport-less client directly in the client
// table. Its outbound queue is inspected with drain.
func newTestClient(s *RelayServer) *Client {
	c := &Client{
		server: s,
		send:   make(chan outbound, sendQueueSize),
		done:   make(chan struct{}),
		id:     uuid.NewString(),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	return c
}

// drain empties a client's outbound queue.
func drain(c *Client) []outbound {
	var msgs []outbound
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// eventsOf filters drained messages by event name.
func eventsOf(msgs []outbound, event string) []outbound {
	var out []outbound
	for _, m := range msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func ff(v float64) *flexFloat {
	f := flexFloat(v)
	return &f
}

func fi(n int) *flexInt {
	f := flexInt(n)
	return &f
}

func sp(s string) *string {
	return &s
}

// registerDriver is shorthand for a driver registration with an account id.
func registerDriver(s *RelayServer, c *Client, accountID string) {
	if err := s.registerRole(c, registerRolePayload{Role: "driver", AccountID: accountID}); err != nil {
		panic(err)
	}
}

// registerUser is shorthand for a user registration.
func registerUser(s *RelayServer, c *Client, accountID string) {
	if err := s.registerRole(c, registerRolePayload{Role: "user", AccountID: accountID}); err != nil {
		panic(err)
	}
}

// locPayload builds an updateLocation payload with occupancy.
func locPayload(accountID string, lat, lng float64, count, capacity int) locationUpdatePayload {
	return locationUpdatePayload{
		AccountID:      accountID,
		Lat:            ff(lat),
		Lng:            ff(lng),
		PassengerCount: fi(count),
		MaxCapacity:    fi(capacity),
	}
}
