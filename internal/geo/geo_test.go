package geo

import (
	"testing"
	"time"

	"github.com/example/cargo-dispatch/internal/models"
)

func driver(id string, lat, lng float64, vt models.VehicleType) models.DriverState {
	return models.DriverState{
		DriverID:    id,
		Loc:         models.Coord{Lat: lat, Lng: lng},
		VehicleType: vt,
		Available:   true,
		KYCVerified: true,
		Updated:     time.Now(),
	}
}

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestNearbyOrdersByDistance(t *testing.T) {
	g := NewIndex()
	origin := models.Coord{Lat: 19.0760, Lng: 72.8777}
	// roughly 1km, 3km and 8km north of origin
	g.Upsert(driver("d-8km", 19.1480, 72.8777, models.VehicleMiniTruck))
	g.Upsert(driver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck))
	g.Upsert(driver("d-3km", 19.1030, 72.8777, models.VehicleMiniTruck))

	got := g.Nearby(origin, models.VehicleMiniTruck, 0, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(got))
	}
	want := []string{"d-1km", "d-3km", "d-8km"}
	for i, w := range want {
		if got[i].DriverID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].DriverID)
		}
	}
}

func TestNearbyFilters(t *testing.T) {
	g := NewIndex()
	origin := models.Coord{Lat: 0, Lng: 0}

	offline := driver("offline", 0.001, 0, models.VehicleMiniTruck)
	offline.Available = false
	g.Upsert(offline)

	unverified := driver("unverified", 0.001, 0, models.VehicleMiniTruck)
	unverified.KYCVerified = false
	g.Upsert(unverified)

	g.Upsert(driver("wrong-type", 0.001, 0, models.VehicleTrailer))
	g.Upsert(driver("too-far", 1.0, 0, models.VehicleMiniTruck)) // ~111km
	g.Upsert(driver("ok", 0.002, 0, models.VehicleMiniTruck))

	got := g.Nearby(origin, models.VehicleMiniTruck, 0, 10)
	if len(got) != 1 || got[0].DriverID != "ok" {
		t.Fatalf("expected only 'ok', got %v", got)
	}
}

func TestNearbyTieBreaksOnDriverID(t *testing.T) {
	g := NewIndex()
	g.Upsert(driver("b", 0.001, 0, models.VehicleMiniTruck))
	g.Upsert(driver("a", 0.001, 0, models.VehicleMiniTruck))
	got := g.Nearby(models.Coord{}, models.VehicleMiniTruck, 0, 2)
	if len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "b" {
		t.Fatalf("expected deterministic a,b order, got %v", got)
	}
}

func TestNearbyEmptyWhenNoMatch(t *testing.T) {
	g := NewIndex()
	g.Upsert(driver("d1", 0.001, 0, models.VehicleMiniTruck))
	got := g.Nearby(models.Coord{}, models.VehicleLargeTruck, 0, 5)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestUpsertIgnoresStaleUpdate(t *testing.T) {
	g := NewIndex()
	now := time.Now()

	d := driver("d1", 1, 1, models.VehicleMiniTruck)
	d.Updated = now
	g.Upsert(d)

	stale := driver("d1", 2, 2, models.VehicleMiniTruck)
	stale.Updated = now.Add(-time.Minute)
	g.Upsert(stale)

	cur, ok := g.Get("d1")
	if !ok || cur.Loc.Lat != 1 {
		t.Fatalf("stale update should be ignored, got %+v", cur)
	}

	fresh := driver("d1", 3, 3, models.VehicleMiniTruck)
	fresh.Updated = now.Add(time.Minute)
	g.Upsert(fresh)
	cur, _ = g.Get("d1")
	if cur.Loc.Lat != 3 {
		t.Fatalf("fresh update should apply, got %+v", cur)
	}
}

func TestSetAvailabilityIdempotent(t *testing.T) {
	g := NewIndex()
	g.Upsert(driver("d1", 0.001, 0, models.VehicleMiniTruck))
	g.SetAvailability("d1", false)
	g.SetAvailability("d1", false)
	if got := g.Nearby(models.Coord{}, models.VehicleMiniTruck, 0, 5); len(got) != 0 {
		t.Fatalf("unavailable driver returned: %v", got)
	}
	g.SetAvailability("d1", true)
	if got := g.Nearby(models.Coord{}, models.VehicleMiniTruck, 0, 5); len(got) != 1 {
		t.Fatalf("expected driver back in pool, got %v", got)
	}
	// unknown driver is a no-op
	g.SetAvailability("ghost", true)
}
