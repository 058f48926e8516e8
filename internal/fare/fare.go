package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/cargo-dispatch/internal/models"
)

var ErrUnknownVehicleType = errors.New("unknown vehicle type")

// Rate holds per-vehicle-type pricing in the smallest currency unit:
// a flat base charge plus per-km and per-minute components.
type Rate struct {
	Base   int64
	PerKm  int64
	PerMin int64
}

// Engine computes fare quotes. Quote is a pure function of its inputs so
// the same breakdown can be recomputed for audit.
type Engine struct {
	rates    map[models.VehicleType]Rate
	currency string
	maxSurge float64
}

// DefaultRates is the city rate card in paise.
func DefaultRates() map[models.VehicleType]Rate {
	return map[models.VehicleType]Rate{
		models.VehicleMiniTruck:  {Base: 5000, PerKm: 2500, PerMin: 200},
		models.VehiclePickup:     {Base: 4000, PerKm: 2000, PerMin: 150},
		models.VehicleLargeTruck: {Base: 9000, PerKm: 4500, PerMin: 300},
		models.VehicleTrailer:    {Base: 15000, PerKm: 6000, PerMin: 400},
	}
}

func NewEngine(rates map[models.VehicleType]Rate, currency string, maxSurge float64) *Engine {
	if rates == nil {
		rates = DefaultRates()
	}
	if currency == "" {
		currency = "INR"
	}
	if maxSurge < 1.0 {
		maxSurge = 3.0
	}
	return &Engine{rates: rates, currency: currency, maxSurge: maxSurge}
}

// Known reports whether a vehicle type has a rate entry.
func (e *Engine) Known(vt models.VehicleType) bool {
	_, ok := e.rates[vt]
	return ok
}

// Quote prices a trip. demandFactor is clamped to [1.0, maxSurge];
// negative distance or duration is treated as zero.
func (e *Engine) Quote(distanceKm, durationMin float64, vt models.VehicleType, demandFactor float64) (models.FareBreakdown, error) {
	r, ok := e.rates[vt]
	if !ok {
		return models.FareBreakdown{}, fmt.Errorf("%w: %s", ErrUnknownVehicleType, vt)
	}
	if distanceKm < 0 {
		distanceKm = 0
	}
	if durationMin < 0 {
		durationMin = 0
	}
	if demandFactor < 1.0 {
		demandFactor = 1.0
	}
	if demandFactor > e.maxSurge {
		demandFactor = e.maxSurge
	}

	f := models.FareBreakdown{
		Base:     r.Base,
		Distance: int64(math.Round(float64(r.PerKm) * distanceKm)),
		Time:     int64(math.Round(float64(r.PerMin) * durationMin)),
		Surge:    int64(math.Round(float64(r.Base) * (demandFactor - 1.0))),
		Currency: e.currency,
	}
	f.Total = f.Base + f.Distance + f.Time + f.Surge
	return f, nil
}
