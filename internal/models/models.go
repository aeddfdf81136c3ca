package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Equal reports exact coordinate-pair equality. Any difference counts
// as a location change; there is no tolerance radius.
func (c Coord) Equal(o Coord) bool {
	return c.Lat == o.Lat && c.Lon == o.Lon
}

// SubjectRole identifies which side of a ride the local app is on.
type SubjectRole string

const (
	RoleDriver SubjectRole = "driver"
	RoleRider  SubjectRole = "rider"
)

// Identity is what the presence registrar sends to the server after
// every (re)connection. Immutable for the lifetime of one channel.
type Identity struct {
	SubjectID   string      `json:"subjectId"`
	SubjectType SubjectRole `json:"subjectType"`
	Name        string      `json:"name"`
}

// RideCategory selects the average-speed heuristic used for ETA display.
type RideCategory string

const (
	CategoryCity      RideCategory = "city"
	CategoryHighway   RideCategory = "highway"
	CategoryIntercity RideCategory = "intercity"
)

type FareBreakdown struct {
	Base     float64 `json:"base"`
	Distance float64 `json:"distance"`
	Time     float64 `json:"time"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// RideSnapshot is the full ride record as last fetched from the server.
// Snapshots are treated as immutable values: merges produce a new
// snapshot rather than patching a shared one in place, so renderers
// holding an old pointer never observe a half-applied update.
type RideSnapshot struct {
	ID             string        `json:"id"`
	Status         RideStatus    `json:"ride_status"`
	Category       RideCategory  `json:"category"`
	Pickup         Coord         `json:"pickup"`
	PickupAddress  string        `json:"pickup_address"`
	Drop           Coord         `json:"drop"`
	DropAddress    string        `json:"drop_address"`
	Fare           FareBreakdown `json:"fare"`
	DriverID       string        `json:"driver_id,omitempty"`
	RiderID        string        `json:"rider_id,omitempty"`
	DriverName     string        `json:"driver_name,omitempty"`
	DriverLocation *Coord        `json:"driver_location,omitempty"`
	PaymentStatus  string        `json:"payment_status,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// StatusUpdate is the lightweight status+location projection delivered
// by both the polling endpoint and the realtime channel. Pointer fields
// distinguish "absent from this payload" from a zero value, so a merge
// never wipes a field the payload did not carry.
type StatusUpdate struct {
	RideStatus     RideStatus `json:"ride_status"`
	DriverLocation *Coord     `json:"driver_location,omitempty"`
	Pickup         *Coord     `json:"pickup,omitempty"`
	PaymentStatus  *string    `json:"payment_status,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Merge returns a copy of s patched with the fields u carries.
func (s RideSnapshot) Merge(u StatusUpdate) RideSnapshot {
	out := s
	if u.RideStatus != "" {
		out.Status = u.RideStatus
	}
	if u.DriverLocation != nil {
		loc := *u.DriverLocation
		out.DriverLocation = &loc
	}
	if u.Pickup != nil {
		out.Pickup = *u.Pickup
	}
	if u.PaymentStatus != nil {
		out.PaymentStatus = *u.PaymentStatus
	}
	if !u.UpdatedAt.IsZero() {
		out.UpdatedAt = u.UpdatedAt
	}
	return out
}

type ChatMessage struct {
	RideID   string    `json:"ride_id"`
	SenderID string    `json:"sender_id"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
}
