package server

import (
	"math"

	"github.com/biyahe/relay/errors"
)

// Ping subsystem: point-to-point user→driver interaction. pingReceived and
// pingRemoved go to exactly one driver connection, never the user cohort.

const (
	minPingPassengers = 1
	maxPingPassengers = 20
)

// userPingDriver handles pingDriver.
func (s *RelayServer) userPingDriver(c *Client, p pingDriverPayload) error {
	if p.DriverAccountID == "" {
		return validationf("driverAccountId is required")
	}
	if p.Lat == nil || p.Lng == nil {
		return validationf("lat and lng are required")
	}
	lat, lng := float64(*p.Lat), float64(*p.Lng)
	if !validCoords(lat, lng) {
		return validationf("coordinates out of range: lat=%v lng=%v", lat, lng)
	}

	count := minPingPassengers
	if p.PassengerCount != nil {
		count = int(math.Floor(math.Abs(float64(*p.PassengerCount))))
		if count < minPingPassengers || count > maxPingPassengers {
			return validationf("passengerCount must be between %d and %d", minPingPassengers, maxPingPassengers)
		}
	}

	userID := c.accountID
	if userID == "" {
		userID = p.UserAccountID
	}
	if userID == "" {
		return validationf("user account is unknown")
	}

	s.mu.Lock()
	now := s.now()
	driver, err := s.driverClientLocked(p.DriverAccountID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if rec, ok := s.users[userID]; ok {
		rec.Lat, rec.Lng, rec.HasPosition = lat, lng, true
	}

	s.drivers[p.DriverAccountID].WaitingPassengers[userID] = WaitingPassenger{
		Lat:            lat,
		Lng:            lng,
		RequestedCount: count,
		PingedAt:       now,
	}
	s.mu.Unlock()

	s.unicast(driver, "pingReceived", pingReceivedPayload{
		UserAccountID:  userID,
		Lat:            lat,
		Lng:            lng,
		PassengerCount: count,
		Timestamp:      now.Unix(),
	})

	s.logger.Infow("Ping routed to driver",
		"driver_account_id", p.DriverAccountID,
		"user_account_id", userID,
		"passenger_count", count,
	)
	return nil
}

// userUnpingDriver handles unpingDriver.
func (s *RelayServer) userUnpingDriver(c *Client, p unpingDriverPayload) error {
	if p.DriverAccountID == "" {
		return validationf("driverAccountId is required")
	}

	userID := c.accountID
	if userID == "" {
		userID = p.UserAccountID
	}
	if userID == "" {
		return validationf("user account is unknown")
	}

	s.mu.Lock()
	now := s.now()
	rec, ok := s.drivers[p.DriverAccountID]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "driver %s", p.DriverAccountID)
	}
	delete(rec.WaitingPassengers, userID)

	driver, err := s.driverClientLocked(p.DriverAccountID)
	s.mu.Unlock()
	if err != nil {
		// Entry removed; a driver without a live connection gets no
		// pingRemoved notice.
		return nil
	}

	s.unicast(driver, "pingRemoved", pingRemovedPayload{
		UserAccountID: userID,
		Timestamp:     now.Unix(),
	})
	return nil
}

// pruneWaitingUserLocked removes a departed user from every driver's waiting
// set, returning pingRemoved notices for the affected live drivers. Caller
// holds mu.
func (s *RelayServer) pruneWaitingUserLocked(userID, reason string) []queued {
	now := s.now()
	var notices []queued
	for _, rec := range s.drivers {
		if _, waiting := rec.WaitingPassengers[userID]; !waiting {
			continue
		}
		delete(rec.WaitingPassengers, userID)
		if rec.ConnID == "" {
			continue
		}
		client, ok := s.clients[rec.ConnID]
		if !ok {
			continue
		}
		notices = append(notices, queued{
			client: client,
			msg: outbound{
				Event: "pingRemoved",
				Data: pingRemovedPayload{
					UserAccountID: userID,
					Reason:        reason,
					Timestamp:     now.Unix(),
				},
			},
		})
	}
	return notices
}
