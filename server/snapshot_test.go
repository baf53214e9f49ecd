package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Only drivers with a position or a geometry appear in snapshots.
func TestSnapshotSkipsEmptyRecords(t *testing.T) {
	s, _ := newTestServer()

	d1 := newTestClient(s)
	registerDriver(s, d1, "D1")
	require.NoError(t, s.driverLocationUpdate(d1, locPayload("D1", 14.5, 121.0, 1, 20)))

	// D2 has only occupancy: no position, no geometry.
	d2 := newTestClient(s)
	registerDriver(s, d2, "D2")
	require.NoError(t, s.driverPassengerUpdate(d2, passengerUpdatePayload{
		AccountID:      "D2",
		PassengerCount: fi(4),
		MaxCapacity:    fi(20),
	}))

	// D3 has only a route geometry.
	d3 := newTestClient(s)
	registerDriver(s, d3, "D3")
	require.NoError(t, s.driverRouteUpdate(d3, routeUpdatePayload{
		AccountID: "D3",
		Geometry:  []byte(`"u{~vFvyys@fS]"`),
	}))

	s.mu.Lock()
	drivers, total, limited := s.snapshotLocked()
	s.mu.Unlock()

	assert.Equal(t, 2, total)
	assert.False(t, limited)
	ids := make([]string, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.AccountID)
	}
	assert.ElementsMatch(t, []string{"D1", "D3"}, ids)
}

// Over the cap, the snapshot keeps the most recently updated drivers and
// signals truncation.
func TestSnapshotTruncation(t *testing.T) {
	s, clock := newTestServer()
	s.mu.Lock()
	s.tun.maxSnapshotDrivers = 3
	s.mu.Unlock()

	for i := 0; i < 5; i++ {
		c := newTestClient(s)
		acc := fmt.Sprintf("D%d", i)
		registerDriver(s, c, acc)
		require.NoError(t, s.driverLocationUpdate(c, locPayload(acc, 14.5, 121.0, 0, 20)))
		clock.advance(time.Second)
	}

	s.mu.Lock()
	drivers, total, limited := s.snapshotLocked()
	s.mu.Unlock()

	assert.Equal(t, 5, total)
	assert.True(t, limited)
	require.Len(t, drivers, 3)
	// Most recently updated first.
	assert.Equal(t, "D4", drivers[0].AccountID)
	assert.Equal(t, "D3", drivers[1].AccountID)
	assert.Equal(t, "D2", drivers[2].AccountID)
}

// Snapshot entries expose isOnline from the disconnect flag.
func TestSnapshotIsOnline(t *testing.T) {
	s, _ := newTestServer()

	online := newTestClient(s)
	registerDriver(s, online, "D1")
	require.NoError(t, s.driverLocationUpdate(online, locPayload("D1", 14.5, 121.0, 1, 20)))

	graced := newTestClient(s)
	registerDriver(s, graced, "D2")
	require.NoError(t, s.driverLocationUpdate(graced, locPayload("D2", 14.6, 121.1, 1, 20)))
	s.handleClientUnregister(graced)

	s.mu.Lock()
	drivers, _, _ := s.snapshotLocked()
	s.mu.Unlock()

	byID := make(map[string]snapshotDriver)
	for _, d := range drivers {
		byID[d.AccountID] = d
	}
	assert.True(t, byID["D1"].IsOnline)
	assert.False(t, byID["D2"].IsOnline)
}

// requestCurrentData and requestDriversData reply on their own events with
// the same snapshot shape.
func TestSnapshotRequests(t *testing.T) {
	s, _ := newTestServer()

	driver := newTestClient(s)
	registerDriver(s, driver, "D1")
	require.NoError(t, s.driverLocationUpdate(driver, locPayload("D1", 14.5, 121.0, 1, 20)))

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	require.NoError(t, s.userRequestSnapshot(user, "driversSnapshot"))
	require.NoError(t, s.userRequestSnapshot(user, "driversData"))

	msgs := drain(user)
	snap := eventsOf(msgs, "driversSnapshot")
	require.Len(t, snap, 1)
	reply, ok := snap[0].Data.(snapshotReply)
	require.True(t, ok)
	assert.Equal(t, 1, reply.Count)
	assert.Equal(t, 1, reply.Total)
	assert.False(t, reply.Limited)

	assert.Len(t, eventsOf(msgs, "driversData"), 1)
}

func TestGetBusInfo(t *testing.T) {
	s, _ := newTestServer()

	driver := newTestClient(s)
	registerDriver(s, driver, "D1")
	require.NoError(t, s.driverLocationUpdate(driver, locPayload("D1", 14.5, 121.0, 6, 18)))

	user := newTestClient(s)
	registerUser(s, user, "U1")
	drain(user)

	require.NoError(t, s.userGetBusInfo(user, busInfoRequestPayload{AccountID: "D1"}))
	info := eventsOf(drain(user), "busInfo")
	require.Len(t, info, 1)
	entry, ok := info[0].Data.(snapshotDriver)
	require.True(t, ok)
	assert.Equal(t, 6, entry.PassengerCount)
	assert.Equal(t, 18, entry.MaxCapacity)

	// Unknown accounts answer on the dedicated busInfoError channel.
	require.NoError(t, s.userGetBusInfo(user, busInfoRequestPayload{AccountID: "ghost"}))
	assert.Len(t, eventsOf(drain(user), "busInfoError"), 1)
}
