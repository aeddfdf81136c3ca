package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/store"
)

const keyPrefix = "ride_snapshot:"

// durableEntry is the wire shape of one durable-tier record.
type durableEntry struct {
	Data      models.RideSnapshot `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
}

type memEntry struct {
	snap models.RideSnapshot
	at   time.Time
}

// SnapshotCache is the bounded, time-expiring store for the last known
// full ride record. Reads hit the in-memory tier first and fall back to
// the durable tier, promoting fresh entries. Entries older than the
// expiry window are treated as absent, never served.
type SnapshotCache struct {
	mu      sync.RWMutex
	mem     map[string]memEntry
	durable store.Store
	expiry  time.Duration
	log     *slog.Logger

	now func() time.Time
}

func New(durable store.Store, expiry time.Duration, log *slog.Logger) *SnapshotCache {
	if log == nil {
		log = logging.Component(nil, "cache")
	}
	return &SnapshotCache{
		mem:     make(map[string]memEntry),
		durable: durable,
		expiry:  expiry,
		log:     log,
		now:     time.Now,
	}
}

// Get returns the cached snapshot for rideID, or false if both tiers
// miss, the entry has expired, or the durable record cannot be parsed.
// A corrupt durable record is a miss, never an error: the caller will
// simply re-fetch.
func (c *SnapshotCache) Get(ctx context.Context, rideID string) (models.RideSnapshot, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.mem[rideID]
	c.mu.RUnlock()
	if ok {
		if now.Sub(e.at) < c.expiry {
			observability.CacheHits.WithLabelValues("memory").Inc()
			return e.snap, true
		}
		c.mu.Lock()
		delete(c.mem, rideID)
		c.mu.Unlock()
	}

	raw, err := c.durable.Get(ctx, keyPrefix+rideID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("durable cache read failed", "ride_id", rideID, "error", err)
		}
		observability.CacheMisses.Inc()
		return models.RideSnapshot{}, false
	}

	var de durableEntry
	if err := json.Unmarshal(raw, &de); err != nil {
		c.log.Warn("corrupt cache entry dropped", "ride_id", rideID, "error", err)
		_ = c.durable.Delete(ctx, keyPrefix+rideID)
		observability.CacheMisses.Inc()
		return models.RideSnapshot{}, false
	}
	if now.Sub(de.Timestamp) >= c.expiry {
		observability.CacheMisses.Inc()
		return models.RideSnapshot{}, false
	}

	// promote into the fast tier
	c.mu.Lock()
	c.mem[rideID] = memEntry{snap: de.Data, at: de.Timestamp}
	c.mu.Unlock()
	observability.CacheHits.WithLabelValues("durable").Inc()
	return de.Data, true
}

// Put records the snapshot in both tiers. A durable write failure is
// logged but not surfaced: the memory tier already holds the fresh
// value and the caller proceeds optimistically.
func (c *SnapshotCache) Put(ctx context.Context, rideID string, snap models.RideSnapshot) {
	at := c.now()

	c.mu.Lock()
	c.mem[rideID] = memEntry{snap: snap, at: at}
	c.mu.Unlock()

	raw, err := json.Marshal(durableEntry{Data: snap, Timestamp: at})
	if err != nil {
		c.log.Warn("snapshot marshal failed", "ride_id", rideID, "error", err)
		return
	}
	if err := c.durable.Set(ctx, keyPrefix+rideID, raw); err != nil {
		c.log.Warn("durable cache write failed", "ride_id", rideID, "error", err)
	}
}

// Invalidate removes the ride from both tiers. Mandatory once a ride
// reaches a terminal status.
func (c *SnapshotCache) Invalidate(ctx context.Context, rideID string) {
	c.mu.Lock()
	delete(c.mem, rideID)
	c.mu.Unlock()
	if err := c.durable.Delete(ctx, keyPrefix+rideID); err != nil {
		c.log.Warn("durable cache delete failed", "ride_id", rideID, "error", err)
	}
}
