package channel

import (
	"encoding/json"

	"github.com/example/ride-sync/internal/models"
)

// Event names carried in the envelope. These mirror the server's wire
// contract and must not be renamed independently of it.
const (
	EventRegister   = "register"
	EventRegistered = "registered"
	EventPing       = "ping"
	EventPong       = "pong"

	EventNewRideRequest   = "new_ride_request"
	EventRideUpdate       = "ride_update"
	EventDriverLocation   = "driver_location"
	EventClearRideRequest = "clear_ride_request"
	EventLocationUpdate   = "location_update"

	EventJoinRideRoom  = "join_ride_room"
	EventLeaveRideRoom = "leave_ride_room"
	EventChatSend      = "chat_send"
	EventChatFetch     = "chat_fetch"
	EventChatMessage   = "chat_message"
)

// Envelope is the frame carried on the socket: a named event plus its
// JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds, client clock
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"` // echoed from the ping
}

// LocationUpdate is the outbound driver position report.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	Timestamp int64   `json:"timestamp"`
}

// RideUpdatePayload is the inbound push-based partial ride update.
type RideUpdatePayload struct {
	RideID string `json:"ride_id"`
	models.StatusUpdate
}

type DriverLocationPayload struct {
	RideID   string       `json:"ride_id"`
	Location models.Coord `json:"location"`
}

type ClearRideRequestPayload struct {
	RideID string `json:"ride_id"`
}

type RoomPayload struct {
	RideID string `json:"ride_id"`
}

type ChatSendPayload struct {
	RideID string `json:"ride_id"`
	Body   string `json:"body"`
}

type ChatFetchPayload struct {
	RideID string `json:"ride_id"`
	Since  int64  `json:"since,omitempty"`
}
