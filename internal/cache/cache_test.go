package cache

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/store"
)

func newTestCache(t *testing.T) (*SnapshotCache, *store.MemoryStore, *time.Time) {
	t.Helper()
	durable := store.NewMemoryStore()
	c := New(durable, 2*time.Minute, logging.Component(nil, "cache"))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, durable, &now
}

func snap(id string, status models.RideStatus) models.RideSnapshot {
	return models.RideSnapshot{
		ID:     id,
		Status: status,
		Pickup: models.Coord{Lat: 28.6, Lon: 77.1},
		Drop:   models.Coord{Lat: 28.7, Lon: 77.2},
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "R1"); ok {
		t.Fatal("fresh id should miss")
	}
	want := snap("R1", models.StatusSearching)
	c.Put(ctx, "R1", want)
	got, ok := c.Get(ctx, "R1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got != want {
		t.Fatalf("snapshot changed: got %+v want %+v", got, want)
	}
}

func TestExpiryWindow(t *testing.T) {
	c, _, now := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "R1", snap("R1", models.StatusSearching))

	*now = now.Add(2*time.Minute - time.Second)
	if _, ok := c.Get(ctx, "R1"); !ok {
		t.Fatal("entry inside window should hit")
	}

	*now = now.Add(2 * time.Second)
	if _, ok := c.Get(ctx, "R1"); ok {
		t.Fatal("entry past window should be absent")
	}
}

func TestDurablePromotion(t *testing.T) {
	c, durable, _ := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "R1", snap("R1", models.StatusDriverAssigned))

	// simulate process restart: memory tier gone, durable survives
	c2 := New(durable, 2*time.Minute, logging.Component(nil, "cache"))
	c2.now = c.now
	got, ok := c2.Get(ctx, "R1")
	if !ok {
		t.Fatal("durable tier should serve after restart")
	}
	if got.Status != models.StatusDriverAssigned {
		t.Fatalf("unexpected status %s", got.Status)
	}

	// second read should come from the promoted memory tier even if
	// the durable tier is wiped out from under it
	_ = durable.Delete(ctx, "ride_snapshot:R1")
	if _, ok := c2.Get(ctx, "R1"); !ok {
		t.Fatal("promoted entry should serve from memory")
	}
}

func TestCorruptDurableEntryIsMiss(t *testing.T) {
	c, durable, _ := newTestCache(t)
	ctx := context.Background()
	_ = durable.Set(ctx, "ride_snapshot:R1", []byte("{not json"))
	if _, ok := c.Get(ctx, "R1"); ok {
		t.Fatal("corrupt entry must read as absent")
	}
}

func TestInvalidateClearsBothTiers(t *testing.T) {
	c, durable, _ := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "R1", snap("R1", models.StatusInProgress))
	c.Invalidate(ctx, "R1")
	if _, ok := c.Get(ctx, "R1"); ok {
		t.Fatal("invalidated ride should miss")
	}
	if _, err := durable.Get(ctx, "ride_snapshot:R1"); err == nil {
		t.Fatal("durable entry should be deleted")
	}
}
