package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

// Fetcher issues the lightweight status+location fetch.
type Fetcher interface {
	FetchStatus(ctx context.Context, rideID string) (models.StatusUpdate, error)
}

type throttleEntry struct {
	at     time.Time
	update models.StatusUpdate
}

// Throttle spaces out lightweight fetches per ride. Calls inside the
// window share the windowed result; concurrent calls share one flight,
// so at most one request is outstanding per ride. Multiple screens can
// each ask for "the latest status" without fanning out into redundant
// requests.
type Throttle struct {
	fetcher Fetcher
	window  time.Duration

	sf   singleflight.Group
	mu   sync.Mutex
	last map[string]throttleEntry

	now func() time.Time
}

func NewThrottle(f Fetcher, window time.Duration) *Throttle {
	return &Throttle{
		fetcher: f,
		window:  window,
		last:    make(map[string]throttleEntry),
		now:     time.Now,
	}
}

// Fetch returns the ride's lightweight projection. Without force, a
// call within the window returns the cached result; force bypasses the
// window and resets the throttle clock.
func (t *Throttle) Fetch(ctx context.Context, rideID string, force bool) (models.StatusUpdate, error) {
	if !force {
		t.mu.Lock()
		e, ok := t.last[rideID]
		fresh := ok && t.now().Sub(e.at) < t.window
		t.mu.Unlock()
		if fresh {
			return e.update, nil
		}
	}

	v, err, _ := t.sf.Do(rideID, func() (any, error) {
		observability.PollsTotal.Inc()
		u, err := t.fetcher.FetchStatus(ctx, rideID)
		if err != nil {
			observability.PollErrors.Inc()
			return nil, err
		}
		t.mu.Lock()
		t.last[rideID] = throttleEntry{at: t.now(), update: u}
		t.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return models.StatusUpdate{}, err
	}
	return v.(models.StatusUpdate), nil
}

// Forget drops the windowed result for a ride, typically at terminal
// status.
func (t *Throttle) Forget(rideID string) {
	t.mu.Lock()
	delete(t.last, rideID)
	t.mu.Unlock()
}
