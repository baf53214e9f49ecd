package server

import (
	"time"

	"github.com/biyahe/relay/errors"
)

// Driver update handlers. Each merges into the driver table under the lock,
// decides fan-out through the update filter, and publishes outside the lock.

// broadcastFromRecord builds the user-facing mirror of a driver record.
func broadcastFromRecord(rec *DriverRecord, now time.Time) driverBroadcast {
	b := driverBroadcast{
		From:             "driver",
		AccountID:        rec.AccountID,
		OrganizationName: rec.OrganizationName,
		Geometry:         rec.Geometry,
		PassengerCount:   rec.PassengerCount,
		MaxCapacity:      rec.MaxCapacity,
		IsOnline:         !rec.Disconnected,
		Timestamp:        now.Unix(),
	}
	if rec.HasPosition {
		b.Lat, b.Lng = rec.Lat, rec.Lng
	}
	if rec.HasDestination {
		b.DestinationName = rec.DestinationName
		b.DestinationLat = rec.DestinationLat
		b.DestinationLng = rec.DestinationLng
	}
	return b
}

func restoredFromRecord(rec *DriverRecord, now time.Time) driverStateRestoredPayload {
	r := driverStateRestoredPayload{
		AccountID:        rec.AccountID,
		OrganizationName: rec.OrganizationName,
		Geometry:         rec.Geometry,
		PassengerCount:   rec.PassengerCount,
		MaxCapacity:      rec.MaxCapacity,
		Timestamp:        now.Unix(),
	}
	if rec.HasPosition {
		r.Lat, r.Lng = rec.Lat, rec.Lng
	}
	if rec.HasDestination {
		r.DestinationName = rec.DestinationName
		r.DestinationLat = rec.DestinationLat
		r.DestinationLng = rec.DestinationLng
	}
	return r
}

// resolveDriverLocked returns the driver account id for the connection,
// binding a deferred identity from the payload when the connection registered
// without one, along with any preemption notices that binding produced.
// Caller holds mu.
func (s *RelayServer) resolveDriverLocked(c *Client, payloadAccount string) (string, []queued, error) {
	acc := c.accountID
	var notices []queued
	if acc == "" {
		if payloadAccount == "" {
			return "", nil, validationf("accountId is required")
		}
		acc = payloadAccount
		notices = s.bindDriverIdentityLocked(c, acc)
	}
	return acc, notices, nil
}

// driverLocationUpdate handles updateLocation: rate gate, validation, state
// machine merge, filter decision, fan-out, and the restoration gate.
func (s *RelayServer) driverLocationUpdate(c *Client, p locationUpdatePayload) error {
	if p.Lat == nil || p.Lng == nil {
		return validationf("lat and lng are required")
	}
	lat, lng := float64(*p.Lat), float64(*p.Lng)
	if !validCoords(lat, lng) {
		return validationf("coordinates out of range: lat=%v lng=%v", lat, lng)
	}
	if p.PassengerCount != nil && *p.PassengerCount < 0 {
		return validationf("passengerCount must be non-negative")
	}
	if p.MaxCapacity != nil && *p.MaxCapacity < 0 {
		return validationf("maxCapacity must be non-negative")
	}

	s.mu.Lock()
	now := s.now()
	limit := s.tun.maxUpdatesPerMinute
	if !s.gate.allow(c.id, limit, now) {
		s.mu.Unlock()
		s.logger.Warnw("Rate limit exceeded",
			"client_id", c.id,
			"limit_per_minute", limit,
		)
		return errors.Wrapf(ErrRateLimited, "more than %d updates per minute", limit)
	}

	acc, notices, err := s.resolveDriverLocked(c, p.AccountID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	rec := s.drivers[acc]

	// Post-merge occupancy, for the payload-delta rule.
	newCount, newCap := 0, 0
	if rec != nil {
		newCount, newCap = rec.PassengerCount, rec.MaxCapacity
	}
	if p.PassengerCount != nil {
		newCount = int(*p.PassengerCount)
	}
	if p.MaxCapacity != nil {
		newCap = int(*p.MaxCapacity)
	}

	broadcast := shouldBroadcastLocation(rec, lat, lng, newCount, newCap, now, s.tun.movementThreshold, s.tun.heartbeatInterval)

	if rec == nil {
		rec = &DriverRecord{
			AccountID:         acc,
			ConnID:            c.id,
			WaitingPassengers: make(map[string]WaitingPassenger),
		}
		s.drivers[acc] = rec
		s.logger.Infow("Driver record created",
			"account_id", acc,
			"client_id", c.id,
		)
	} else if rec.ConnID != c.id {
		rec.rebind(c.id, now)
		s.accountConn[acc] = c.id
	}

	rec.Lat, rec.Lng, rec.HasPosition = lat, lng, true
	if p.DestinationName != nil {
		rec.DestinationName = *p.DestinationName
	}
	if p.DestinationLat != nil && p.DestinationLng != nil {
		rec.DestinationLat = float64(*p.DestinationLat)
		rec.DestinationLng = float64(*p.DestinationLng)
		rec.HasDestination = true
	}
	if p.OrganizationName != nil {
		rec.OrganizationName = *p.OrganizationName
	}
	rec.PassengerCount = newCount
	rec.MaxCapacity = newCap
	if len(p.Geometry) > 0 {
		rec.Geometry = canonicalGeometry(p.Geometry)
	}
	rec.LastUpdatedAt = now

	var payload driverBroadcast
	if broadcast {
		rec.LastBroadcastLat, rec.LastBroadcastLng = lat, lng
		rec.LastBroadcastAt = now
		rec.HasBroadcast = true
		payload = broadcastFromRecord(rec, now)
	}

	var restore *driverStateRestoredPayload
	if rec.PendingStateRestore {
		rec.PendingStateRestore = false
		r := restoredFromRecord(rec, now)
		restore = &r
	}

	var recipients []*Client
	if broadcast {
		recipients = s.userClientsLocked()
	}
	s.mu.Unlock()

	s.deliver(notices)
	if broadcast {
		s.fanout("locationUpdate", payload, recipients)
	}
	if restore != nil {
		s.unicast(c, "driverStateRestored", *restore)
	}
	return nil
}

// driverDestinationUpdate handles destinationUpdate. Always broadcast.
func (s *RelayServer) driverDestinationUpdate(c *Client, p destinationUpdatePayload) error {
	if p.DestinationLat != nil && p.DestinationLng != nil {
		if !validCoords(float64(*p.DestinationLat), float64(*p.DestinationLng)) {
			return validationf("destination coordinates out of range")
		}
	}

	s.mu.Lock()
	now := s.now()
	acc, notices, err := s.resolveDriverLocked(c, p.AccountID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	rec := s.ensureDriverLocked(acc, c.id)
	if p.DestinationName != nil {
		rec.DestinationName = *p.DestinationName
	}
	if p.DestinationLat != nil && p.DestinationLng != nil {
		rec.DestinationLat = float64(*p.DestinationLat)
		rec.DestinationLng = float64(*p.DestinationLng)
		rec.HasDestination = true
	}
	rec.LastUpdatedAt = now

	payload := broadcastFromRecord(rec, now)
	recipients := s.userClientsLocked()
	s.mu.Unlock()

	s.deliver(notices)
	s.fanout("destinationUpdate", payload, recipients)
	return nil
}

// driverRouteUpdate handles routeUpdate. Broadcast only when the canonical
// geometry or the destination coordinates change.
func (s *RelayServer) driverRouteUpdate(c *Client, p routeUpdatePayload) error {
	if len(p.Geometry) == 0 {
		return validationf("geometry is required")
	}

	var destLat, destLng *float64
	if p.DestinationLat != nil {
		v := float64(*p.DestinationLat)
		destLat = &v
	}
	if p.DestinationLng != nil {
		v := float64(*p.DestinationLng)
		destLng = &v
	}
	if destLat != nil && destLng != nil && !validCoords(*destLat, *destLng) {
		return validationf("destination coordinates out of range")
	}

	geometry := canonicalGeometry(p.Geometry)

	s.mu.Lock()
	now := s.now()
	acc, notices, err := s.resolveDriverLocked(c, p.AccountID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	changed := routeChanged(s.drivers[acc], geometry, destLat, destLng)

	rec := s.ensureDriverLocked(acc, c.id)
	rec.Geometry = geometry
	if destLat != nil && destLng != nil {
		rec.DestinationLat = *destLat
		rec.DestinationLng = *destLng
		rec.HasDestination = true
	}
	rec.LastUpdatedAt = now

	var payload driverBroadcast
	var recipients []*Client
	if changed {
		payload = broadcastFromRecord(rec, now)
		recipients = s.userClientsLocked()
	}
	s.mu.Unlock()

	s.deliver(notices)
	if changed {
		s.fanout("routeUpdate", payload, recipients)
	}
	return nil
}

// driverPassengerUpdate handles passengerUpdate. Broadcast only when the
// occupancy actually changes; an authoritative update either way, so it also
// releases the restoration gate.
func (s *RelayServer) driverPassengerUpdate(c *Client, p passengerUpdatePayload) error {
	if p.PassengerCount == nil && p.MaxCapacity == nil {
		return validationf("passengerCount or maxCapacity is required")
	}
	if p.PassengerCount != nil && *p.PassengerCount < 0 {
		return validationf("passengerCount must be non-negative")
	}
	if p.MaxCapacity != nil && *p.MaxCapacity < 0 {
		return validationf("maxCapacity must be non-negative")
	}

	s.mu.Lock()
	now := s.now()
	acc, notices, err := s.resolveDriverLocked(c, p.AccountID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	prior := s.drivers[acc]
	newCount, newCap := 0, 0
	if prior != nil {
		newCount, newCap = prior.PassengerCount, prior.MaxCapacity
	}
	if p.PassengerCount != nil {
		newCount = int(*p.PassengerCount)
	}
	if p.MaxCapacity != nil {
		newCap = int(*p.MaxCapacity)
	}

	changed := passengerChanged(prior, newCount, newCap)

	rec := s.ensureDriverLocked(acc, c.id)
	rec.PassengerCount = newCount
	rec.MaxCapacity = newCap
	rec.LastUpdatedAt = now

	var payload driverBroadcast
	var recipients []*Client
	if changed {
		payload = broadcastFromRecord(rec, now)
		recipients = s.userClientsLocked()
	}

	var restore *driverStateRestoredPayload
	if rec.PendingStateRestore {
		rec.PendingStateRestore = false
		r := restoredFromRecord(rec, now)
		restore = &r
	}
	s.mu.Unlock()

	s.deliver(notices)
	if changed {
		s.fanout("passengerUpdate", payload, recipients)
	}
	if restore != nil {
		s.unicast(c, "driverStateRestored", *restore)
	}
	return nil
}

// driverEndSession removes the driver immediately, with no grace window.
func (s *RelayServer) driverEndSession(c *Client) error {
	s.mu.Lock()
	acc := c.accountID
	if acc == "" {
		s.mu.Unlock()
		return validationf("no account bound to this connection")
	}

	now := s.now()
	_, existed := s.drivers[acc]
	delete(s.drivers, acc)
	if s.accountConn[acc] == c.id {
		delete(s.accountConn, acc)
	}
	if c.sessionKey != "" {
		delete(s.sessions, c.sessionKey)
		c.sessionKey = ""
	}
	c.accountID = ""

	var recipients []*Client
	if existed {
		recipients = s.userClientsLocked()
	}
	s.mu.Unlock()

	if existed {
		s.fanout("driverRemoved", driverRemovedPayload{
			AccountID: acc,
			Timestamp: now.Unix(),
		}, recipients)
	}

	s.logger.Infow("Driver ended session",
		"account_id", acc,
		"client_id", c.id,
	)
	return nil
}

// ensureDriverLocked returns the driver record for acc, creating it bound to
// connID when absent and rebinding a stale handle reference when needed.
// Caller holds mu.
func (s *RelayServer) ensureDriverLocked(acc, connID string) *DriverRecord {
	rec, ok := s.drivers[acc]
	if !ok {
		rec = &DriverRecord{
			AccountID:         acc,
			ConnID:            connID,
			WaitingPassengers: make(map[string]WaitingPassenger),
		}
		s.drivers[acc] = rec
		return rec
	}
	if rec.ConnID != connID {
		rec.rebind(connID, s.now())
		s.accountConn[acc] = connID
	}
	return rec
}
