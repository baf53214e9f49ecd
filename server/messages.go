package server

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/biyahe/relay/errors"
)

// Envelope is the wire form of every message in both directions: a named
// event with a single structured payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound is a queued server→client message. terminal marks the last message
// the connection will ever receive; the write pump closes after sending it.
type outbound struct {
	Event    string
	Data     interface{}
	terminal bool
}

// flexFloat accepts a JSON number or a string parseable as one. The mobile
// clients serialize coordinates inconsistently.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return errors.New("null is not a number")
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return errors.Wrapf(err, "not a number: %q", str)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts a JSON integer, float, or numeric string; fractional input
// is truncated toward zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var ff flexFloat
	if err := ff.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = flexInt(math.Trunc(float64(ff)))
	return nil
}

// registerRolePayload is the object form of registerRole. The bare-string
// form ("driver" / "user") is normalized by parseRegisterRole.
type registerRolePayload struct {
	Role      string `json:"role"`
	AccountID string `json:"accountId"`
}

// parseRegisterRole accepts either {"role": ..., "accountId": ...} or a bare
// role string and normalizes to the object form.
func parseRegisterRole(data json.RawMessage) (registerRolePayload, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return registerRolePayload{Role: bare}, nil
	}
	var p registerRolePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "malformed registerRole payload")
	}
	return p, nil
}

// parseSessionKey accepts either a bare session key string or
// {"sessionKey": ...}.
func parseSessionKey(data json.RawMessage) (string, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", errors.Wrap(err, "malformed resumeSession payload")
	}
	return p.SessionKey, nil
}

type locationUpdatePayload struct {
	AccountID        string          `json:"accountId"`
	Lat              *flexFloat      `json:"lat"`
	Lng              *flexFloat      `json:"lng"`
	DestinationName  *string         `json:"destinationName"`
	DestinationLat   *flexFloat      `json:"destinationLat"`
	DestinationLng   *flexFloat      `json:"destinationLng"`
	OrganizationName *string         `json:"organizationName"`
	PassengerCount   *flexInt        `json:"passengerCount"`
	MaxCapacity      *flexInt        `json:"maxCapacity"`
	Geometry         json.RawMessage `json:"geometry"`
}

type destinationUpdatePayload struct {
	AccountID       string     `json:"accountId"`
	DestinationName *string    `json:"destinationName"`
	DestinationLat  *flexFloat `json:"destinationLat"`
	DestinationLng  *flexFloat `json:"destinationLng"`
}

type routeUpdatePayload struct {
	AccountID      string          `json:"accountId"`
	Geometry       json.RawMessage `json:"geometry"`
	DestinationLat *flexFloat      `json:"destinationLat"`
	DestinationLng *flexFloat      `json:"destinationLng"`
}

type passengerUpdatePayload struct {
	AccountID      string   `json:"accountId"`
	PassengerCount *flexInt `json:"passengerCount"`
	MaxCapacity    *flexInt `json:"maxCapacity"`
}

type busInfoRequestPayload struct {
	AccountID string `json:"accountId"`
}

type pingDriverPayload struct {
	DriverAccountID string     `json:"driverAccountId"`
	Lat             *flexFloat `json:"lat"`
	Lng             *flexFloat `json:"lng"`
	PassengerCount  *flexFloat `json:"passengerCount"`
	UserAccountID   string     `json:"userAccountId"`
}

type unpingDriverPayload struct {
	DriverAccountID string `json:"driverAccountId"`
	UserAccountID   string `json:"userAccountId"`
}

// driverBroadcast mirrors driver state on the user-facing broadcast events
// (locationUpdate, destinationUpdate, routeUpdate, passengerUpdate).
type driverBroadcast struct {
	From             string  `json:"from"` // always "driver"
	AccountID        string  `json:"accountId"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	DestinationName  string  `json:"destinationName,omitempty"`
	DestinationLat   float64 `json:"destinationLat,omitempty"`
	DestinationLng   float64 `json:"destinationLng,omitempty"`
	OrganizationName string  `json:"organizationName,omitempty"`
	Geometry         string  `json:"geometry,omitempty"`
	PassengerCount   int     `json:"passengerCount"`
	MaxCapacity      int     `json:"maxCapacity"`
	IsOnline         bool    `json:"isOnline"`
	Timestamp        int64   `json:"timestamp"`
}

// snapshotDriver is one driver entry in snapshot replies. lastUpdatedAt is
// used server-side for sorting and deliberately omitted here.
type snapshotDriver struct {
	AccountID        string   `json:"accountId"`
	Lat              *float64 `json:"lat,omitempty"`
	Lng              *float64 `json:"lng,omitempty"`
	DestinationName  string   `json:"destinationName,omitempty"`
	DestinationLat   *float64 `json:"destinationLat,omitempty"`
	DestinationLng   *float64 `json:"destinationLng,omitempty"`
	OrganizationName string   `json:"organizationName,omitempty"`
	Geometry         string   `json:"geometry,omitempty"`
	PassengerCount   int      `json:"passengerCount"`
	MaxCapacity      int      `json:"maxCapacity"`
	IsOnline         bool     `json:"isOnline"`
}

// snapshotReply answers requestCurrentData / requestDriversData.
type snapshotReply struct {
	Drivers []snapshotDriver `json:"drivers"`
	Count   int              `json:"count"`
	Total   int              `json:"total"`
	Limited bool             `json:"limited"`
}

// currentDataReply is the initial fill sent on user registration/resume.
type currentDataReply struct {
	Buses []snapshotDriver `json:"buses"`
}

type errorReply struct {
	Message string `json:"message"`
}

type timestampPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type connectionReplacedPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type driverRemovedPayload struct {
	AccountID string `json:"accountId"`
	Timestamp int64  `json:"timestamp"`
}

type pingReceivedPayload struct {
	UserAccountID  string  `json:"userAccountId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	PassengerCount int     `json:"passengerCount"`
	Timestamp      int64   `json:"timestamp"`
}

type pingRemovedPayload struct {
	UserAccountID string `json:"userAccountId"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type driverStateRestoredPayload struct {
	AccountID        string  `json:"accountId"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	DestinationName  string  `json:"destinationName,omitempty"`
	DestinationLat   float64 `json:"destinationLat,omitempty"`
	DestinationLng   float64 `json:"destinationLng,omitempty"`
	OrganizationName string  `json:"organizationName,omitempty"`
	Geometry         string  `json:"geometry,omitempty"`
	PassengerCount   int     `json:"passengerCount"`
	MaxCapacity      int     `json:"maxCapacity"`
	Timestamp        int64   `json:"timestamp"`
}

// validCoords reports whether lat/lng are inside the WGS84 value ranges.
func validCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
