package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/eta"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/store"
)

type recordingEffects struct {
	mu        sync.Mutex
	assigned  int
	arrived   int
	started   int
	finished  int
	navigated int
	locations []models.Coord
}

func (r *recordingEffects) DriverAssigned(models.RideSnapshot) {
	r.mu.Lock()
	r.assigned++
	r.mu.Unlock()
}
func (r *recordingEffects) DriverArrived(models.RideSnapshot) {
	r.mu.Lock()
	r.arrived++
	r.mu.Unlock()
}
func (r *recordingEffects) RideStarted(models.RideSnapshot) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}
func (r *recordingEffects) RideFinished(string, models.RideStatus) {
	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
}
func (r *recordingEffects) NavigateAway(string, models.RideStatus) {
	r.mu.Lock()
	r.navigated++
	r.mu.Unlock()
}
func (r *recordingEffects) DriverLocationChanged(_ string, loc models.Coord, _ time.Duration) {
	r.mu.Lock()
	r.locations = append(r.locations, loc)
	r.mu.Unlock()
}

type fakePolls struct {
	mu        sync.Mutex
	tightened []string
	stopped   []string
}

func (f *fakePolls) Tighten(id string) {
	f.mu.Lock()
	f.tightened = append(f.tightened, id)
	f.mu.Unlock()
}
func (f *fakePolls) Stop(id string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
}

type fakeListeners struct {
	mu       sync.Mutex
	tornDown []string
}

func (f *fakeListeners) TeardownRide(id string) {
	f.mu.Lock()
	f.tornDown = append(f.tornDown, id)
	f.mu.Unlock()
}

func newTestGuard(t *testing.T) (*Guard, *recordingEffects, *fakePolls, *cache.SnapshotCache) {
	t.Helper()
	eff := &recordingEffects{}
	polls := &fakePolls{}
	c := cache.New(store.NewMemoryStore(), 2*time.Minute, logging.Component(nil, "cache"))
	g := New(Options{
		Cache:     c,
		Effects:   eff,
		Polls:     polls,
		Listeners: &fakeListeners{},
		Speeds:    eta.DefaultSpeeds(),
		NavDelay:  10 * time.Millisecond,
		Logger:    logging.Component(nil, "guard"),
	})
	return g, eff, polls, c
}

func upd(status models.RideStatus) models.StatusUpdate {
	return models.StatusUpdate{RideStatus: status, UpdatedAt: time.Now()}
}

func TestDuplicateStatusAcrossSourcesFiresOnce(t *testing.T) {
	g, eff, polls, _ := newTestGuard(t)
	ctx := context.Background()

	loc := models.Coord{Lat: 28.6, Lon: 77.1}
	g.Apply(ctx, SourcePoller, "R1", models.StatusUpdate{RideStatus: models.StatusDriverAssigned, DriverLocation: &loc})
	g.Apply(ctx, SourceChannel, "R1", upd(models.StatusDriverAssigned))

	if eff.assigned != 1 {
		t.Fatalf("assigned effect fired %d times, want 1", eff.assigned)
	}
	if len(polls.tightened) != 1 {
		t.Fatalf("poll tighten fired %d times, want 1", len(polls.tightened))
	}
	if st, _ := g.Status("R1"); st != models.StatusDriverAssigned {
		t.Fatalf("unexpected status %s", st)
	}
}

func TestFullLifecycleSideEffectsOnce(t *testing.T) {
	g, eff, polls, c := newTestGuard(t)
	ctx := context.Background()

	seq := []models.RideStatus{
		models.StatusPending,
		models.StatusSearching,
		models.StatusDriverAssigned,
		models.StatusCompleted,
		models.StatusCompleted, // duplicate
	}
	for _, s := range seq {
		g.Apply(ctx, SourcePoller, "R1", upd(s))
	}

	if eff.assigned != 1 || eff.finished != 1 {
		t.Fatalf("effects assigned=%d finished=%d, want 1 each", eff.assigned, eff.finished)
	}
	if len(polls.stopped) != 1 {
		t.Fatalf("poller stopped %d times, want 1", len(polls.stopped))
	}
	if _, ok := c.Get(ctx, "R1"); ok {
		t.Fatal("cache must be invalidated on terminal status")
	}
	if st, _ := g.Status("R1"); st != models.StatusCompleted {
		t.Fatalf("unexpected final status %s", st)
	}
}

func TestTerminalFinality(t *testing.T) {
	g, eff, _, _ := newTestGuard(t)
	ctx := context.Background()

	g.Apply(ctx, SourceChannel, "R1", upd(models.StatusCancelled))
	g.Apply(ctx, SourcePoller, "R1", upd(models.StatusInProgress))
	g.Apply(ctx, SourceChannel, "R1", upd(models.StatusDriverAssigned))

	if st, _ := g.Status("R1"); st != models.StatusCancelled {
		t.Fatalf("terminal status changed to %s", st)
	}
	if eff.started != 0 || eff.assigned != 0 {
		t.Fatal("post-terminal updates must not fire effects")
	}
}

func TestNavigationSignalFiresOnceAfterDelay(t *testing.T) {
	g, eff, _, _ := newTestGuard(t)
	ctx := context.Background()

	g.Apply(ctx, SourcePoller, "R1", upd(models.StatusCompleted))
	g.Apply(ctx, SourceChannel, "R1", upd(models.StatusCompleted))

	eff.mu.Lock()
	early := eff.navigated
	eff.mu.Unlock()
	if early != 0 {
		t.Fatal("navigation must be delayed")
	}
	time.Sleep(50 * time.Millisecond)
	eff.mu.Lock()
	defer eff.mu.Unlock()
	if eff.navigated != 1 {
		t.Fatalf("navigation fired %d times, want 1", eff.navigated)
	}
}

func TestPartialMergeKeepsUnsentFields(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	ctx := context.Background()

	g.Prime(ctx, models.RideSnapshot{
		ID:            "R1",
		Status:        models.StatusSearching,
		PickupAddress: "12 MG Road",
		Pickup:        models.Coord{Lat: 28.6, Lon: 77.1},
		Fare:          models.FareBreakdown{Total: 250, Currency: "INR"},
	})
	loc := models.Coord{Lat: 28.61, Lon: 77.11}
	g.Apply(ctx, SourcePoller, "R1", models.StatusUpdate{RideStatus: models.StatusDriverAssigned, DriverLocation: &loc})

	snap, ok := g.Snapshot("R1")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.PickupAddress != "12 MG Road" || snap.Fare.Total != 250 {
		t.Fatalf("partial update discarded full-record fields: %+v", snap)
	}
	if snap.Status != models.StatusDriverAssigned {
		t.Fatalf("status not merged: %s", snap.Status)
	}
	if snap.DriverLocation == nil || !snap.DriverLocation.Equal(loc) {
		t.Fatalf("location not merged: %+v", snap.DriverLocation)
	}
}

func TestPaymentOnlyUpdateReachesSnapshot(t *testing.T) {
	g, eff, _, c := newTestGuard(t)
	ctx := context.Background()

	g.Prime(ctx, models.RideSnapshot{
		ID:            "R1",
		Status:        models.StatusInProgress,
		Pickup:        models.Coord{Lat: 28.6, Lon: 77.1},
		PaymentStatus: "pending",
	})
	paid := "paid"
	g.Apply(ctx, SourcePoller, "R1", models.StatusUpdate{
		RideStatus:    models.StatusInProgress,
		PaymentStatus: &paid,
	})

	snap, ok := g.Snapshot("R1")
	if !ok || snap.PaymentStatus != "paid" {
		t.Fatalf("payment-only update not applied: %+v", snap)
	}
	if cached, ok := c.Get(ctx, "R1"); !ok || cached.PaymentStatus != "paid" {
		t.Fatalf("payment-only update not cached: %+v", cached)
	}
	if eff.started != 0 {
		t.Fatal("unchanged status must not re-fire its effect")
	}

	moved := models.Coord{Lat: 28.7, Lon: 77.2}
	g.Apply(ctx, SourceChannel, "R1", models.StatusUpdate{Pickup: &moved})
	snap, _ = g.Snapshot("R1")
	if !snap.Pickup.Equal(moved) {
		t.Fatalf("pickup-only update not applied: %+v", snap.Pickup)
	}
}

func TestIdenticalLocationIsNotAChange(t *testing.T) {
	g, eff, _, _ := newTestGuard(t)
	ctx := context.Background()

	loc := models.Coord{Lat: 28.6, Lon: 77.1}
	g.Apply(ctx, SourcePoller, "R1", models.StatusUpdate{RideStatus: models.StatusDriverAssigned, DriverLocation: &loc})
	same := loc
	g.Apply(ctx, SourceChannel, "R1", models.StatusUpdate{DriverLocation: &same})
	moved := models.Coord{Lat: 28.7, Lon: 77.1}
	g.Apply(ctx, SourceChannel, "R1", models.StatusUpdate{DriverLocation: &moved})

	if len(eff.locations) != 2 {
		t.Fatalf("location effect fired %d times, want 2 (initial + moved)", len(eff.locations))
	}
}

func TestApplyFullReplacesWholesaleAndTransitions(t *testing.T) {
	g, eff, _, _ := newTestGuard(t)
	ctx := context.Background()

	g.Prime(ctx, models.RideSnapshot{ID: "R1", Status: models.StatusDriverAssigned, PickupAddress: "old addr"})
	g.ApplyFull(ctx, SourceFetch, models.RideSnapshot{
		ID:            "R1",
		Status:        models.StatusDriverArrived,
		PickupAddress: "corrected addr",
	})

	if eff.arrived != 1 {
		t.Fatalf("arrived effect fired %d times, want 1", eff.arrived)
	}
	snap, _ := g.Snapshot("R1")
	if snap.PickupAddress != "corrected addr" {
		t.Fatalf("full fetch must replace the snapshot wholesale: %+v", snap)
	}
	if snap.Status != models.StatusDriverArrived {
		t.Fatalf("unexpected status %s", snap.Status)
	}

	// re-fetching the same detail is a no-op
	g.ApplyFull(ctx, SourceFetch, models.RideSnapshot{ID: "R1", Status: models.StatusDriverArrived})
	if eff.arrived != 1 {
		t.Fatalf("duplicate full fetch re-fired effect: %d", eff.arrived)
	}
}

func TestPrimeSetsBaselineWithoutEffects(t *testing.T) {
	g, eff, _, c := newTestGuard(t)
	ctx := context.Background()

	g.Prime(ctx, models.RideSnapshot{ID: "R1", Status: models.StatusDriverAssigned})
	if eff.assigned != 0 {
		t.Fatal("prime must not fire side effects")
	}
	// the same status arriving later is a duplicate against the baseline
	g.Apply(ctx, SourceChannel, "R1", upd(models.StatusDriverAssigned))
	if eff.assigned != 0 {
		t.Fatal("status equal to baseline must be a no-op")
	}
	if _, ok := c.Get(ctx, "R1"); !ok {
		t.Fatal("prime must populate the cache")
	}
}
