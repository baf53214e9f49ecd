package server

import (
	"sort"
	"time"
)

// Snapshots: point-in-time views of the driver table for subscribers.

// snapshotLocked composes the snapshot of drivers that have either a position
// or a route geometry. When the table exceeds the cap, the most recently
// updated drivers win and the truncation is signaled. Caller holds mu.
func (s *RelayServer) snapshotLocked() (drivers []snapshotDriver, total int, limited bool) {
	type sortable struct {
		entry     snapshotDriver
		updatedAt time.Time
	}

	all := make([]sortable, 0, len(s.drivers))
	for _, rec := range s.drivers {
		if !rec.HasPosition && rec.Geometry == "" {
			continue
		}
		all = append(all, sortable{
			entry:     snapshotEntry(rec),
			updatedAt: rec.LastUpdatedAt,
		})
	}

	total = len(all)
	sort.Slice(all, func(i, j int) bool {
		return all[i].updatedAt.After(all[j].updatedAt)
	})

	max := s.tun.maxSnapshotDrivers
	if max > 0 && total > max {
		all = all[:max]
		limited = true
	}

	drivers = make([]snapshotDriver, len(all))
	for i, d := range all {
		drivers[i] = d.entry
	}
	return drivers, total, limited
}

func snapshotEntry(rec *DriverRecord) snapshotDriver {
	e := snapshotDriver{
		AccountID:        rec.AccountID,
		DestinationName:  rec.DestinationName,
		OrganizationName: rec.OrganizationName,
		Geometry:         rec.Geometry,
		PassengerCount:   rec.PassengerCount,
		MaxCapacity:      rec.MaxCapacity,
		IsOnline:         !rec.Disconnected,
	}
	if rec.HasPosition {
		lat, lng := rec.Lat, rec.Lng
		e.Lat, e.Lng = &lat, &lng
	}
	if rec.HasDestination {
		dlat, dlng := rec.DestinationLat, rec.DestinationLng
		e.DestinationLat, e.DestinationLng = &dlat, &dlng
	}
	return e
}

// userRequestSnapshot answers requestCurrentData (driversSnapshot) and
// requestDriversData (driversData); both carry the same reply shape.
func (s *RelayServer) userRequestSnapshot(c *Client, replyEvent string) error {
	s.mu.Lock()
	drivers, total, limited := s.snapshotLocked()
	s.mu.Unlock()

	s.unicast(c, replyEvent, snapshotReply{
		Drivers: drivers,
		Count:   len(drivers),
		Total:   total,
		Limited: limited,
	})
	return nil
}

// userGetBusInfo answers getBusInfo for one driver account.
func (s *RelayServer) userGetBusInfo(c *Client, p busInfoRequestPayload) error {
	if p.AccountID == "" {
		return validationf("accountId is required")
	}

	s.mu.Lock()
	rec, ok := s.drivers[p.AccountID]
	var entry snapshotDriver
	if ok {
		entry = snapshotEntry(rec)
	}
	s.mu.Unlock()

	if !ok {
		// NotFound travels on the dedicated busInfoError channel, not the
		// generic error event.
		s.unicast(c, "busInfoError", errorReply{Message: "no bus found for account " + p.AccountID})
		return nil
	}

	s.unicast(c, "busInfo", entry)
	return nil
}
