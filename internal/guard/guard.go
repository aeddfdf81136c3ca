package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

// Source tags where an update came from. The guard treats both sources
// identically: first writer for a distinct status wins.
type Source string

const (
	SourceChannel Source = "channel"
	SourcePoller  Source = "poller"
	SourceFetch   Source = "fetch"
)

// PollControl lets the guard adjust or stop the poller for a ride when
// a transition demands it.
type PollControl interface {
	Tighten(rideID string)
	Stop(rideID string)
}

// ListenerControl tears down ride-scoped channel listeners.
type ListenerControl interface {
	TeardownRide(rideID string)
}

// Recorder journals applied transitions; implementations are optional.
type Recorder interface {
	Record(ctx context.Context, rideID string, from, to models.RideStatus, source Source)
}

type rideState struct {
	lastStatus  models.RideStatus
	terminal    bool
	snapshot    models.RideSnapshot
	hasSnapshot bool
	navTimer    *time.Timer
}

// Guard is the sole ordering authority between the push channel and
// the pull poller. It merges updates into the cached snapshot, applies
// a status at most once, fires each status's side effect exactly once,
// and never re-enters a terminal state.
type Guard struct {
	cache     *cache.SnapshotCache
	effects   Effects
	polls     PollControl
	listeners ListenerControl
	journal   Recorder
	speeds    eta.Speeds
	navDelay  time.Duration
	log       *slog.Logger

	mu    sync.Mutex
	rides map[string]*rideState
}

type Options struct {
	Cache     *cache.SnapshotCache
	Effects   Effects
	Polls     PollControl
	Listeners ListenerControl
	Journal   Recorder
	Speeds    eta.Speeds
	NavDelay  time.Duration
	Logger    *slog.Logger
}

func New(opts Options) *Guard {
	if opts.Effects == nil {
		opts.Effects = NopEffects{}
	}
	if opts.NavDelay <= 0 {
		opts.NavDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component(nil, "guard")
	}
	return &Guard{
		cache:     opts.Cache,
		effects:   opts.Effects,
		polls:     opts.Polls,
		listeners: opts.Listeners,
		journal:   opts.Journal,
		speeds:    opts.Speeds,
		navDelay:  opts.NavDelay,
		log:       opts.Logger,
		rides:     make(map[string]*rideState),
	}
}

// Prime installs a freshly fetched full snapshot wholesale and sets
// the last-known-status baseline without firing side effects.
func (g *Guard) Prime(ctx context.Context, snap models.RideSnapshot) {
	g.mu.Lock()
	st := g.state(snap.ID)
	if st.terminal {
		g.mu.Unlock()
		return
	}
	st.snapshot = snap
	st.hasSnapshot = true
	st.lastStatus = snap.Status
	g.mu.Unlock()
	if g.cache != nil {
		g.cache.Put(ctx, snap.ID, snap)
	}
}

// ApplyFull replaces the snapshot wholesale with a fresh full fetch
// and runs the same transition rules as Apply: an unchanged status is
// a no-op, a new one fires its side effect exactly once.
func (g *Guard) ApplyFull(ctx context.Context, source Source, snap models.RideSnapshot) {
	u := models.StatusUpdate{RideStatus: snap.Status, UpdatedAt: snap.UpdatedAt}
	if snap.DriverLocation != nil {
		loc := *snap.DriverLocation
		u.DriverLocation = &loc
	}

	g.mu.Lock()
	st := g.state(snap.ID)
	if st.terminal {
		g.mu.Unlock()
		observability.DuplicatesDropped.Inc()
		return
	}
	base := snap
	base.Status = st.lastStatus
	if st.hasSnapshot {
		// keep the previous location so Apply's change detection
		// compares against what the UI last saw
		base.DriverLocation = st.snapshot.DriverLocation
	}
	st.snapshot = base
	st.hasSnapshot = true
	g.mu.Unlock()

	g.Apply(ctx, source, snap.ID, u)
}

// Apply merges an update from either source. Duplicate statuses are
// silent no-ops; updates after a terminal status are discarded
// entirely.
func (g *Guard) Apply(ctx context.Context, source Source, rideID string, u models.StatusUpdate) {
	var effects []func()

	g.mu.Lock()
	st := g.state(rideID)
	if st.terminal {
		g.mu.Unlock()
		observability.DuplicatesDropped.Inc()
		return
	}

	prev := st.snapshot
	if !st.hasSnapshot {
		prev = models.RideSnapshot{ID: rideID}
	}
	merged := prev.Merge(u)
	changed := false

	if u.DriverLocation != nil {
		moved := prev.DriverLocation == nil || !prev.DriverLocation.Equal(*u.DriverLocation)
		if moved {
			changed = true
			loc := *u.DriverLocation
			est := g.speeds.EstimateArrival(loc, merged.Pickup, merged.Category)
			effects = append(effects, func() { g.effects.DriverLocationChanged(rideID, loc, est) })
		}
	}
	if u.PaymentStatus != nil && *u.PaymentStatus != prev.PaymentStatus {
		changed = true
	}
	if u.Pickup != nil && !u.Pickup.Equal(prev.Pickup) {
		changed = true
	}

	from := st.lastStatus
	transitioned := u.RideStatus != "" && u.RideStatus != st.lastStatus
	if transitioned {
		changed = true
		st.lastStatus = u.RideStatus
	} else if u.RideStatus != "" {
		observability.DuplicatesDropped.Inc()
	}

	if changed {
		st.snapshot = merged
		st.snapshot.Status = st.lastStatus
		st.hasSnapshot = true
	}
	if transitioned {
		observability.TransitionsTotal.WithLabelValues(string(u.RideStatus), string(source)).Inc()
		effects = append(effects, g.transitionEffects(ctx, st, rideID, from, u.RideStatus, source)...)
	}
	terminal := st.terminal
	snap := st.snapshot
	g.mu.Unlock()

	if changed && g.cache != nil && !terminal {
		g.cache.Put(ctx, rideID, snap)
	}
	for _, fn := range effects {
		fn()
	}
}

// transitionEffects is called with g.mu held and returns the one-time
// side effects to run after unlock.
func (g *Guard) transitionEffects(ctx context.Context, st *rideState, rideID string, from, to models.RideStatus, source Source) []func() {
	var out []func()
	if g.journal != nil {
		j := g.journal
		out = append(out, func() { j.Record(ctx, rideID, from, to, source) })
	}
	g.log.Info("status transition", "ride_id", rideID, "from", from, "to", to, "source", source)

	switch to {
	case models.StatusDriverAssigned:
		snap := st.snapshot
		out = append(out, func() {
			if g.polls != nil {
				g.polls.Tighten(rideID)
			}
			g.effects.DriverAssigned(snap)
		})
	case models.StatusDriverArrived:
		snap := st.snapshot
		out = append(out, func() { g.effects.DriverArrived(snap) })
	case models.StatusInProgress:
		snap := st.snapshot
		out = append(out, func() { g.effects.RideStarted(snap) })
	case models.StatusCompleted, models.StatusCancelled:
		st.terminal = true
		// one-shot navigation after a short delay so the UI can show
		// the final screen first
		st.navTimer = time.AfterFunc(g.navDelay, func() {
			g.effects.NavigateAway(rideID, to)
		})
		out = append(out, func() {
			if g.cache != nil {
				g.cache.Invalidate(ctx, rideID)
			}
			if g.polls != nil {
				g.polls.Stop(rideID)
			}
			if g.listeners != nil {
				g.listeners.TeardownRide(rideID)
			}
			g.effects.RideFinished(rideID, to)
		})
	}
	return out
}

// Status returns the last applied status for the ride.
func (g *Guard) Status(rideID string) (models.RideStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.rides[rideID]
	if !ok || st.lastStatus == "" {
		return "", false
	}
	return st.lastStatus, true
}

// Terminal reports whether the ride has reached a final state.
func (g *Guard) Terminal(rideID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.rides[rideID]
	return ok && st.terminal
}

// Snapshot returns the current merged snapshot for UI reads.
func (g *Guard) Snapshot(rideID string) (models.RideSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.rides[rideID]
	if !ok || !st.hasSnapshot {
		return models.RideSnapshot{}, false
	}
	return st.snapshot, true
}

// Release forgets a ride's state, cancelling any pending navigation
// timer. Used when the session shuts down.
func (g *Guard) Release(rideID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.rides[rideID]; ok && st.navTimer != nil {
		st.navTimer.Stop()
	}
	delete(g.rides, rideID)
}

func (g *Guard) state(rideID string) *rideState {
	st, ok := g.rides[rideID]
	if !ok {
		st = &rideState{}
		g.rides[rideID] = st
	}
	return st
}
