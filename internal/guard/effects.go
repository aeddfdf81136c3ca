package guard

import (
	"time"

	"github.com/example/ride-sync/internal/models"
)

// Effects receives each status's one-time side effect. The UI layer
// implements this; every method fires at most once per distinct status
// per ride, no matter how many duplicate updates arrive.
type Effects interface {
	// DriverAssigned: the coarse matching loop is over; the caller
	// shows the assigned driver and the poller tightens its interval.
	DriverAssigned(snap models.RideSnapshot)
	// DriverArrived: surface OTP entry and mark the ride step.
	DriverArrived(snap models.RideSnapshot)
	// RideStarted: begin fare/duration tracking.
	RideStarted(snap models.RideSnapshot)
	// RideFinished fires immediately on a terminal status, before the
	// delayed navigation signal.
	RideFinished(rideID string, status models.RideStatus)
	// NavigateAway is the one-shot navigation signal, delayed so the
	// UI can show a final screen first.
	NavigateAway(rideID string, status models.RideStatus)
	// DriverLocationChanged fires on coordinate-pair change with a
	// display-only arrival estimate.
	DriverLocationChanged(rideID string, loc models.Coord, estimate time.Duration)
}

// NopEffects is the default when no UI is attached.
type NopEffects struct{}

func (NopEffects) DriverAssigned(models.RideSnapshot)                        {}
func (NopEffects) DriverArrived(models.RideSnapshot)                         {}
func (NopEffects) RideStarted(models.RideSnapshot)                           {}
func (NopEffects) RideFinished(string, models.RideStatus)                    {}
func (NopEffects) NavigateAway(string, models.RideStatus)                    {}
func (NopEffects) DriverLocationChanged(string, models.Coord, time.Duration) {}
