package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The router enforces role admission: producer events need the driver role,
// interaction events need the user role.
func TestRoleAdmission(t *testing.T) {
	s, _ := newTestServer()

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	user.dispatch(&Envelope{
		Event: "updateLocation",
		Data:  json.RawMessage(`{"accountId":"D1","lat":14.5,"lng":121.0}`),
	})
	errs := eventsOf(drain(user), "error")
	require.Len(t, errs, 1)

	s.mu.Lock()
	assert.NotContains(t, s.drivers, "D1", "rejected event must not mutate state")
	s.mu.Unlock()

	driver := newTestClient(s)
	registerDriver(s, driver, "D1")
	drain(driver)

	driver.dispatch(&Envelope{
		Event: "pingDriver",
		Data:  json.RawMessage(`{"driverAccountId":"D1","lat":14.5,"lng":121.0}`),
	})
	assert.Len(t, eventsOf(drain(driver), "error"), 1)
}

// An unknown event answers with a validation error instead of failing the
// connection.
func TestUnknownEvent(t *testing.T) {
	s, _ := newTestServer()

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	user.dispatch(&Envelope{Event: "teleport", Data: json.RawMessage(`{}`)})
	errs := eventsOf(drain(user), "error")
	require.Len(t, errs, 1)

	// The connection keeps working.
	user.dispatch(&Envelope{Event: "requestCurrentData", Data: json.RawMessage(`{}`)})
	assert.Len(t, eventsOf(drain(user), "driversSnapshot"), 1)
}

// Malformed payloads answer with a validation error.
func TestMalformedPayload(t *testing.T) {
	s, _ := newTestServer()

	driver := newTestClient(s)
	registerDriver(s, driver, "D1")
	drain(driver)

	driver.dispatch(&Envelope{
		Event: "updateLocation",
		Data:  json.RawMessage(`{"lat":"not-a-number","lng":121.0}`),
	})
	assert.Len(t, eventsOf(drain(driver), "error"), 1)
}

// Every user-originated message refreshes the activity stamp.
func TestActivityTouch(t *testing.T) {
	s, clock := newTestServer()

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	clock.advance(100 * time.Second)
	user.dispatch(&Envelope{Event: "requestCurrentData", Data: json.RawMessage(`{}`)})

	s.mu.Lock()
	assert.Equal(t, clock.now(), s.users["U1"].LastActivityAt)
	s.mu.Unlock()
}

// The fault envelope turns a panic during dispatch into a generic error reply.
func TestFaultEnvelope(t *testing.T) {
	s, _ := newTestServer()

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	// A nil Data with an event whose parser dereferences it would be caught
	// by validation; force a panic through a corrupted internal state
	// instead.
	s.mu.Lock()
	s.users["U1"] = nil
	s.mu.Unlock()

	assert.NotPanics(t, func() {
		user.dispatch(&Envelope{
			Event: "pingDriver",
			Data:  json.RawMessage(`{"driverAccountId":"D1","lat":14.5,"lng":121.0}`),
		})
	})
	assert.NotEmpty(t, eventsOf(drain(user), "error"))
}
