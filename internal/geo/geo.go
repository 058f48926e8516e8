package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/example/cargo-dispatch/internal/models"
)

// DefaultRadiusMeters bounds candidate searches when the caller passes 0.
const DefaultRadiusMeters = 10000.0

// Geo is the minimal interface required by the dispatch coordinator and
// the HTTP handlers.
type Geo interface {
	// Upsert records a driver position. Updates older than the stored
	// state are ignored; stale network delivery is not an error.
	Upsert(d models.DriverState)
	// SetAvailability toggles a driver in or out of the candidate pool.
	// Idempotent; unknown drivers are a no-op.
	SetAvailability(driverID string, available bool)
	// Nearby returns up to limit available, KYC-verified drivers of the
	// given vehicle type within radiusMeters of p, nearest first. Ties
	// break on driver ID. An empty result is not an error.
	Nearby(p models.Coord, vt models.VehicleType, radiusMeters float64, limit int) []models.DriverState
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverState
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverState)}
}

func (g *Index) Upsert(d models.DriverState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.drivers[d.DriverID]; ok && d.Updated.Before(cur.Updated) {
		return
	}
	g.drivers[d.DriverID] = d
}

func (g *Index) SetAvailability(driverID string, available bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return
	}
	d.Available = available
	g.drivers[driverID] = d
}

func (g *Index) Get(driverID string) (models.DriverState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(p models.Coord, vt models.VehicleType, radiusMeters float64, limit int) []models.DriverState {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverState
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available || !d.KYCVerified || d.VehicleType != vt {
			continue
		}
		dist := Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.DriverID < arr[j].d.DriverID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverState, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine in kilometers, used for fare quoting.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000.0
}
