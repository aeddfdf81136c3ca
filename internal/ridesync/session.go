package ridesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/api"
	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/channel"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/guard"
	"github.com/example/ride-sync/internal/journal"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/poller"
	"github.com/example/ride-sync/internal/store"
)

// Session is the explicitly constructed sync service: created when
// login completes, closed at logout. It owns the channel, the cache,
// the guard, and one poller per active ride; screens hold a reference
// and read state, they never own timers of their own.
type Session struct {
	cfg config.SyncConfig
	log *slog.Logger

	api       *api.Client
	store     store.Store
	cache     *cache.SnapshotCache
	channel   *channel.Channel
	registrar *channel.Registrar
	polls     *poller.Manager
	guard     *guard.Guard
	journal   *journal.KafkaJournal
	debug     *observability.DebugServer

	onNewRideRequest   func(json.RawMessage)
	onClearRideRequest func(rideID string)

	mu     sync.Mutex
	closed bool
}

type Options struct {
	Config   config.SyncConfig
	Identity models.Identity
	Effects  guard.Effects
	Logger   *slog.Logger

	// Store overrides the configured durable tier; tests inject a
	// memory store here.
	Store store.Store

	// OnAuthExpired is invoked when any fetch reports 401; the app is
	// expected to route to re-login.
	OnAuthExpired func()
	// OnNewRideRequest delivers incoming ride offers (driver app).
	OnNewRideRequest func(json.RawMessage)
	// OnClearRideRequest withdraws a previously offered ride.
	OnClearRideRequest func(rideID string)
}

func New(opts Options) (*Session, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger(cfg.LogLevel)
	}
	if opts.Identity.SubjectID == "" {
		return nil, fmt.Errorf("ridesync: identity required")
	}

	s := &Session{
		cfg:                cfg,
		log:                log,
		onNewRideRequest:   opts.OnNewRideRequest,
		onClearRideRequest: opts.OnClearRideRequest,
	}

	s.store = opts.Store
	if s.store == nil {
		s.store = openStore(cfg, log)
	}
	s.cache = cache.New(s.store, cfg.CacheExpiry, logging.Component(log, "cache"))
	s.api = api.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, logging.Component(log, "api"))

	authExpired := func(rideID string) {
		if opts.OnAuthExpired != nil {
			opts.OnAuthExpired()
		}
	}
	s.polls = poller.NewManager(poller.ManagerOptions{
		Throttle:      poller.NewThrottle(s.api, cfg.ThrottleWindow),
		Cache:         s.cache,
		Interval:      cfg.PollInterval,
		TightInterval: cfg.TightPollInterval,
		FetchTimeout:  cfg.HTTPTimeout,
		Logger:        logging.Component(log, "poller"),
		OnAuthExpired: authExpired,
	})

	s.channel = channel.New(channel.Config{
		Endpoint:          cfg.ChannelEndpoint,
		InitialDelay:      cfg.ReconnectInitialDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatGrace:    cfg.HeartbeatGrace,
		Logger:            logging.Component(log, "channel"),
	})
	s.registrar = channel.NewRegistrar(opts.Identity, logging.Component(log, "presence"))
	s.registrar.Attach(s.channel)

	var rec guard.Recorder
	if len(cfg.KafkaBrokers) > 0 {
		s.journal = journal.NewKafkaJournal(cfg.KafkaBrokers, cfg.KafkaTopic, logging.Component(log, "journal"))
		rec = s.journal
	}

	s.guard = guard.New(guard.Options{
		Cache:     s.cache,
		Effects:   opts.Effects,
		Polls:     s.polls,
		Listeners: s.channel,
		Journal:   rec,
		Speeds: eta.Speeds{
			CityKmh:      cfg.CitySpeedKmh,
			HighwayKmh:   cfg.HighwaySpeedKmh,
			IntercityKmh: cfg.IntercitySpeedKmh,
		},
		NavDelay: cfg.NavigateDelay,
		Logger:   logging.Component(log, "guard"),
	})
	s.polls.Bind(s.guard)

	s.wireChannelEvents()

	if cfg.MetricsAddr != "" {
		s.debug = observability.NewDebugServer(cfg.MetricsAddr, logging.Component(log, "debug"))
	}
	return s, nil
}

// openStore picks the durable tier from config with fallbacks, badger
// being the on-device default.
func openStore(cfg config.SyncConfig, log *slog.Logger) store.Store {
	if cfg.PGDSN != "" {
		if ps, err := store.NewPostgresStore(cfg.PGDSN); err == nil {
			return ps
		} else {
			log.Warn("postgres store unavailable", "error", err)
		}
	}
	if cfg.RedisAddr != "" {
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	}
	bs, err := store.NewBadgerStore(cfg.BadgerPath)
	if err != nil {
		log.Warn("badger store unavailable, falling back to memory", "error", err)
		return store.NewMemoryStore()
	}
	return bs
}

func (s *Session) wireChannelEvents() {
	ch := s.channel
	log := s.log

	ch.On(channel.EventRideUpdate, func(raw json.RawMessage) {
		var p channel.RideUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
			log.Warn("bad ride_update payload", "error", err)
			return
		}
		s.guard.Apply(context.Background(), guard.SourceChannel, p.RideID, p.StatusUpdate)
	})

	ch.On(channel.EventDriverLocation, func(raw json.RawMessage) {
		var p channel.DriverLocationPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
			log.Warn("bad driver_location payload", "error", err)
			return
		}
		loc := p.Location
		s.guard.Apply(context.Background(), guard.SourceChannel, p.RideID, models.StatusUpdate{DriverLocation: &loc})
	})

	ch.On(channel.EventClearRideRequest, func(raw json.RawMessage) {
		var p channel.ClearRideRequestPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
			return
		}
		if s.onClearRideRequest != nil {
			s.onClearRideRequest(p.RideID)
		}
	})

	ch.On(channel.EventNewRideRequest, func(raw json.RawMessage) {
		if s.onNewRideRequest != nil {
			s.onNewRideRequest(raw)
		}
	})
}

// Open connects the channel and, when configured, the debug server.
func (s *Session) Open() {
	s.channel.Open()
	if s.debug != nil {
		s.debug.Start()
	}
}

// Close disposes the whole service: pollers, channel, journal, store.
// Safe to call once at logout; the session cannot be reopened — build
// a new one, which also replaces the channel wholesale.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.polls.StopAll()
	s.channel.Close()
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.debug != nil {
		_ = s.debug.Shutdown(context.Background())
	}
	_ = s.store.Close()
}

// OpenRide is what a ride screen calls on mount: cache first, then a
// full fetch on miss. Primes the guard's last-known-status baseline,
// starts the per-ride poller, and joins the ride room.
func (s *Session) OpenRide(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	snap, ok := s.cache.Get(ctx, rideID)
	if !ok {
		var err error
		snap, err = s.api.FetchRide(ctx, rideID)
		if err != nil {
			return models.RideSnapshot{}, err
		}
	}
	s.guard.Prime(ctx, snap)
	if !snap.Status.Terminal() {
		s.polls.Start(rideID)
		_ = s.channel.JoinRideRoom(rideID)
	}
	return snap, nil
}

// CloseRide is screen unmount without a terminal status: leave the
// room, drop ride-scoped listeners, stop the poller.
func (s *Session) CloseRide(rideID string) {
	_ = s.channel.LeaveRideRoom(rideID)
	s.polls.Stop(rideID)
}

// RefreshStatus is the throttled lightweight fetch for screens that
// want the latest state now. The result flows through the guard like
// any poller tick.
func (s *Session) RefreshStatus(ctx context.Context, rideID string, force bool) error {
	u, err := s.polls.Fetch(ctx, rideID, force)
	if err != nil {
		return err
	}
	s.guard.Apply(ctx, guard.SourcePoller, rideID, u)
	return nil
}

// Snapshot returns the guard's current merged view for rendering.
func (s *Session) Snapshot(rideID string) (models.RideSnapshot, bool) {
	return s.guard.Snapshot(rideID)
}

// Status returns the last applied status.
func (s *Session) Status(rideID string) (models.RideStatus, bool) {
	return s.guard.Status(rideID)
}

// MarkArrived posts the arrival mutation, then re-fetches full detail
// rather than trusting the mutation response.
func (s *Session) MarkArrived(ctx context.Context, rideID string) error {
	if err := s.api.MarkArrived(ctx, rideID); err != nil {
		return err
	}
	return s.refetch(ctx, rideID)
}

// VerifyRideCode submits the pickup/drop OTP and refreshes.
func (s *Session) VerifyRideCode(ctx context.Context, rideID, code string) error {
	if err := s.api.VerifyRideCode(ctx, rideID, code); err != nil {
		return err
	}
	return s.refetch(ctx, rideID)
}

// CollectPayment records payment and refreshes.
func (s *Session) CollectPayment(ctx context.Context, rideID, method string) error {
	if err := s.api.CollectPayment(ctx, rideID, method); err != nil {
		return err
	}
	return s.refetch(ctx, rideID)
}

// CancelRide cancels with a reason and refreshes; the resulting
// cancelled status flows through the guard's terminal handling.
func (s *Session) CancelRide(ctx context.Context, rideID string, reasonID int) error {
	if err := s.api.CancelRide(ctx, rideID, reasonID); err != nil {
		return err
	}
	return s.refetch(ctx, rideID)
}

func (s *Session) refetch(ctx context.Context, rideID string) error {
	snap, err := s.api.FetchRide(ctx, rideID)
	if err != nil {
		return err
	}
	s.guard.ApplyFull(ctx, guard.SourceFetch, snap)
	return nil
}

// SendLocation reports the local position over the channel; a no-op
// while disconnected.
func (s *Session) SendLocation(loc channel.LocationUpdate) error {
	return s.channel.SendLocation(loc)
}

// SendChat, FetchChat and OnChatMessage expose the ride room's chat.
func (s *Session) SendChat(rideID, body string) error { return s.channel.SendChat(rideID, body) }

func (s *Session) FetchChat(rideID string, since int64) error {
	return s.channel.FetchChat(rideID, since)
}

func (s *Session) OnChatMessage(rideID string, fn func(models.ChatMessage)) {
	s.channel.OnChatMessage(rideID, fn)
}

// ConnState, ConnError and ConnLatency surface channel health for the
// UI's connection indicator.
func (s *Session) ConnState() channel.State   { return s.channel.State() }
func (s *Session) ConnError() string          { return s.channel.ConnError() }
func (s *Session) ConnLatency() time.Duration { return s.channel.Latency() }
