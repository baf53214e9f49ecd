package server

import "time"

// The update filter decides whether a received driver update is worth fanning
// out. Received values that fail the filter still merge into the record; only
// the broadcast anchors stay put, so accumulated drift eventually trips the
// movement rule or the forced heartbeat.

// shouldBroadcastLocation applies the location rules against the prior record
// state, before the update is merged. newCount/newCap are the post-merge
// occupancy values (payload value when supplied, prior value otherwise).
//
// Broadcast when any of the following holds:
//  1. no prior record exists for this driver
//  2. no broadcast anchor yet, or planar displacement from the anchor
//     exceeds the movement threshold
//  3. passenger count or capacity changed
//  4. the heartbeat interval elapsed since the last broadcast
func shouldBroadcastLocation(prior *DriverRecord, lat, lng float64, newCount, newCap int, now time.Time, threshold float64, heartbeat time.Duration) bool {
	if prior == nil {
		return true
	}
	if !prior.HasBroadcast {
		return true
	}
	if planarDistance(lat, lng, prior.LastBroadcastLat, prior.LastBroadcastLng) > threshold {
		return true
	}
	if newCount != prior.PassengerCount || newCap != prior.MaxCapacity {
		return true
	}
	if now.Sub(prior.LastBroadcastAt) >= heartbeat {
		return true
	}
	return false
}

// routeChanged compares geometry by canonical serialized equality and
// destination coordinates by field equality. Geometry is not subject to the
// movement threshold.
func routeChanged(prior *DriverRecord, geometry string, destLat, destLng *float64) bool {
	if prior == nil {
		return true
	}
	if geometry != prior.Geometry {
		return true
	}
	if destLat != nil && (!prior.HasDestination || *destLat != prior.DestinationLat) {
		return true
	}
	if destLng != nil && (!prior.HasDestination || *destLng != prior.DestinationLng) {
		return true
	}
	return false
}

// passengerChanged reports whether the post-merge occupancy differs from the
// prior record's.
func passengerChanged(prior *DriverRecord, newCount, newCap int) bool {
	if prior == nil {
		return true
	}
	return newCount != prior.PassengerCount || newCap != prior.MaxCapacity
}
