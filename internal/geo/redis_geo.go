package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cargo-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash
// per driver. It is the shared index when multiple API processes run.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.DriverState) {
	// out-of-order guard against the stored updated stamp
	if prev, err := r.client.HGet(r.ctx, metaKey(d.DriverID), "updated").Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, prev); err == nil && d.Updated.Before(t) {
			return
		}
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.DriverID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.DriverID), map[string]interface{}{
		"vehicle_type": string(d.VehicleType),
		"available":    strconv.FormatBool(d.Available),
		"kyc":          strconv.FormatBool(d.KYCVerified),
		"updated":      d.Updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) SetAvailability(driverID string, available bool) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) Nearby(p models.Coord, vt models.VehicleType, radiusMeters float64, limit int) []models.DriverState {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	// over-fetch: metadata filtering happens client side
	count := limit * 4
	if count < 16 {
		count = 16
	}
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	type pair struct {
		d    models.DriverState
		dist float64
	}
	arr := make([]pair, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["available"] != "true" || m["kyc"] != "true" || m["vehicle_type"] != string(vt) {
			continue
		}
		d := models.DriverState{
			DriverID:    g.Name,
			Loc:         models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			VehicleType: vt,
			Available:   true,
			KYCVerified: true,
		}
		if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
			d.Updated = t
		}
		arr = append(arr, pair{d, g.Dist})
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

func metaKey(id string) string { return "driver:meta:" + id }
