package server

import (
	"encoding/json"
	"math"
)

// planarDistance returns the Euclidean distance between two coordinates in
// degrees. The flat-plane approximation is deliberate: the movement threshold
// is calibrated against it for stationary-jitter suppression, and swapping in
// a great-circle formula would change that calibration.
func planarDistance(lat1, lng1, lat2, lng2 float64) float64 {
	return math.Hypot(lat1-lat2, lng1-lng2)
}

// canonicalGeometry reduces a route geometry blob to a stable string so two
// geometries can be compared for equality. Objects re-marshal with sorted
// keys; blobs that are not valid JSON compare as raw text.
func canonicalGeometry(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
