package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/api"
	"github.com/example/ride-sync/internal/guard"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

// Target is the guard surface the poller feeds.
type Target interface {
	Apply(ctx context.Context, source guard.Source, rideID string, u models.StatusUpdate)
	Terminal(rideID string) bool
}

// Invalidator removes a ride's cache entry when the backend says the
// ride is gone or the session expired.
type Invalidator interface {
	Invalidate(ctx context.Context, rideID string)
}

// Manager owns one poller per active ride id. Screens never run their
// own intervals; they ask the manager, which collapses everything to a
// single loop per ride. Implements guard.PollControl.
type Manager struct {
	throttle      *Throttle
	cache         Invalidator
	interval      time.Duration
	tightInterval time.Duration
	fetchTimeout  time.Duration
	log           *slog.Logger
	onAuthExpired func(rideID string)

	mu      sync.Mutex
	target  Target
	pollers map[string]*ridePoller
}

type ManagerOptions struct {
	Throttle      *Throttle
	Cache         Invalidator
	Interval      time.Duration
	TightInterval time.Duration
	FetchTimeout  time.Duration
	Logger        *slog.Logger
	OnAuthExpired func(rideID string)
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.TightInterval <= 0 {
		opts.TightInterval = opts.Interval / 2
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component(nil, "poller")
	}
	return &Manager{
		throttle:      opts.Throttle,
		cache:         opts.Cache,
		interval:      opts.Interval,
		tightInterval: opts.TightInterval,
		fetchTimeout:  opts.FetchTimeout,
		log:           opts.Logger,
		onAuthExpired: opts.OnAuthExpired,
		pollers:       make(map[string]*ridePoller),
	}
}

// Bind attaches the guard after construction; the guard and the
// manager reference each other.
func (m *Manager) Bind(t Target) {
	m.mu.Lock()
	m.target = t
	m.mu.Unlock()
}

// Start begins polling a ride at the coarse interval. Starting an
// already-polled ride is a no-op.
func (m *Manager) Start(rideID string) {
	m.startAt(rideID, m.interval)
}

// Tighten restarts the ride's loop at the tight interval, used once a
// driver is assigned and location freshness matters more.
func (m *Manager) Tighten(rideID string) {
	m.mu.Lock()
	p, ok := m.pollers[rideID]
	delete(m.pollers, rideID)
	m.mu.Unlock()
	if ok {
		p.stop()
	}
	m.startAt(rideID, m.tightInterval)
}

// Stop halts the ride's loop; idempotent.
func (m *Manager) Stop(rideID string) {
	m.mu.Lock()
	p, ok := m.pollers[rideID]
	delete(m.pollers, rideID)
	m.mu.Unlock()
	if ok {
		p.stop()
		m.throttle.Forget(rideID)
	}
}

// StopAll halts every loop; used at session teardown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ps := m.pollers
	m.pollers = make(map[string]*ridePoller)
	m.mu.Unlock()
	for id, p := range ps {
		p.stop()
		m.throttle.Forget(id)
	}
}

// Fetch exposes the throttled lightweight fetch for callers outside
// the timed loop (a screen wanting "the latest status" right now).
func (m *Manager) Fetch(ctx context.Context, rideID string, force bool) (models.StatusUpdate, error) {
	return m.throttle.Fetch(ctx, rideID, force)
}

func (m *Manager) startAt(rideID string, interval time.Duration) {
	m.mu.Lock()
	if _, running := m.pollers[rideID]; running {
		m.mu.Unlock()
		return
	}
	p := &ridePoller{
		m:        m,
		rideID:   rideID,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	m.pollers[rideID] = p
	m.mu.Unlock()
	go p.run()
}

type ridePoller struct {
	m        *Manager
	rideID   string
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (p *ridePoller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *ridePoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.tick() {
				p.m.Stop(p.rideID)
				return
			}
		}
	}
}

// tick returns true when the loop should self-cancel. Terminality is
// checked at tick time, not only at start, because the channel can
// finish the ride mid-loop.
func (p *ridePoller) tick() (done bool) {
	m := p.m
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()
	if target == nil {
		return false
	}
	if target.Terminal(p.rideID) {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	u, err := m.throttle.Fetch(ctx, p.rideID, false)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, api.ErrRideNotFound):
			// expected during terminal transitions; no user-facing error
			m.log.Info("ride gone, stopping poll", "ride_id", p.rideID)
			m.cache.Invalidate(context.Background(), p.rideID)
			return true
		case errors.Is(err, api.ErrUnauthorized):
			m.log.Warn("auth expired during poll", "ride_id", p.rideID)
			m.cache.Invalidate(context.Background(), p.rideID)
			if m.onAuthExpired != nil {
				m.onAuthExpired(p.rideID)
			}
			return true
		default:
			// transient: simply try again on the next tick
			m.log.Warn("status poll failed", "ride_id", p.rideID, "error", err)
			return false
		}
	}

	target.Apply(context.Background(), guard.SourcePoller, p.rideID, u)
	return false
}
