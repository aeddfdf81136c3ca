package models

// RideStatus is the server-defined ride lifecycle status. The backend
// progresses a ride monotonically through these values; the client
// never invents a status of its own.
type RideStatus string

const (
	StatusPending        RideStatus = "pending"
	StatusSearching      RideStatus = "searching"
	StatusDriverAssigned RideStatus = "driver_assigned"
	StatusDriverArrived  RideStatus = "driver_arrived"
	StatusInProgress     RideStatus = "in_progress"
	StatusCompleted      RideStatus = "completed"
	StatusCancelled      RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are valid.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
