package server

import "time"

// WaitingPassenger is one user waiting at a stop for a specific driver,
// recorded when the user pings that driver.
type WaitingPassenger struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	RequestedCount int       `json:"requestedCount"`
	PingedAt       time.Time `json:"pingedAt"`
}

// DriverRecord is the in-memory state of one active driver, keyed by account
// id. It survives short disconnections: ConnID empties while the record is in
// the grace window, and the reaper removes it only once both the grace period
// and the stale timeout have lapsed.
type DriverRecord struct {
	AccountID string

	Lat         float64
	Lng         float64
	HasPosition bool

	// Broadcast anchors. These move only when an update actually fans out,
	// so the movement test always compares against the last published
	// position, not the last received one.
	LastBroadcastLat float64
	LastBroadcastLng float64
	LastBroadcastAt  time.Time
	HasBroadcast     bool

	DestinationName string
	DestinationLat  float64
	DestinationLng  float64
	HasDestination  bool

	// Geometry holds the canonical serialization of the route blob; compared
	// by string equality.
	Geometry string

	OrganizationName string

	PassengerCount int
	MaxCapacity    int

	LastUpdatedAt time.Time

	ConnID            string // empty while in grace
	Disconnected      bool
	DisconnectedAt    time.Time
	ReconnectAttempts int

	WaitingPassengers map[string]WaitingPassenger

	// PendingStateRestore is set between a session resumption (or grace
	// reconnect) and the driver's first subsequent authoritative update;
	// driverStateRestored is delivered on that update, then the flag clears.
	PendingStateRestore bool
}

// inGrace reports whether the record is in the disconnected-with-grace
// substate.
func (d *DriverRecord) inGrace() bool {
	return d.Disconnected && !d.DisconnectedAt.IsZero()
}

// toGrace transitions the record into the disconnected-with-grace substate.
// All data is retained; only the transport binding is dropped.
func (d *DriverRecord) toGrace(now time.Time) {
	d.ConnID = ""
	d.Disconnected = true
	d.DisconnectedAt = now
}

// rebind attaches a live connection, clearing disconnect markers. Returns
// true when this was a reconnect out of grace.
func (d *DriverRecord) rebind(connID string, now time.Time) bool {
	reconnected := d.Disconnected
	if reconnected {
		d.ReconnectAttempts++
		d.PendingStateRestore = true
	}
	d.ConnID = connID
	d.Disconnected = false
	d.DisconnectedAt = time.Time{}
	return reconnected
}

// UserRecord is the in-memory state of one subscriber.
type UserRecord struct {
	AccountID      string
	ConnID         string
	LastActivityAt time.Time
	Disconnected   bool
	DisconnectedAt time.Time

	// Position captured from the most recent pingDriver, if any.
	Lat         float64
	Lng         float64
	HasPosition bool
}

func (u *UserRecord) toGrace(now time.Time) {
	u.ConnID = ""
	u.Disconnected = true
	u.DisconnectedAt = now
}

func (u *UserRecord) rebind(connID string, now time.Time) {
	u.ConnID = connID
	u.Disconnected = false
	u.DisconnectedAt = time.Time{}
	u.LastActivityAt = now
}

// Session is a logical session reclaimable across reconnects by its key.
type Session struct {
	Key            string
	AccountID      string
	Role           Role
	ConnID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
}
