package fare

import (
	"errors"
	"testing"

	"github.com/example/cargo-dispatch/internal/models"
)

func TestQuoteTotalIsSumOfComponents(t *testing.T) {
	e := NewEngine(nil, "INR", 3.0)
	cases := []struct {
		dist, dur, demand float64
		vt                models.VehicleType
	}{
		{3.4, 12, 1.0, models.VehicleMiniTruck},
		{0, 0, 1.0, models.VehiclePickup},
		{120.5, 240, 2.5, models.VehicleLargeTruck},
		{15, 45, 1.7, models.VehicleTrailer},
	}
	for _, c := range cases {
		f, err := e.Quote(c.dist, c.dur, c.vt, c.demand)
		if err != nil {
			t.Fatalf("quote %v: %v", c, err)
		}
		if f.Total != f.Base+f.Distance+f.Time+f.Surge {
			t.Fatalf("total %d != sum of components %+v", f.Total, f)
		}
		if f.Base < 0 || f.Distance < 0 || f.Time < 0 || f.Surge < 0 {
			t.Fatalf("negative component: %+v", f)
		}
	}
}

func TestQuoteDeterministic(t *testing.T) {
	e := NewEngine(nil, "INR", 3.0)
	a, _ := e.Quote(7.25, 33, models.VehicleMiniTruck, 1.4)
	b, _ := e.Quote(7.25, 33, models.VehicleMiniTruck, 1.4)
	if a != b {
		t.Fatalf("same inputs produced different quotes: %+v vs %+v", a, b)
	}
}

func TestQuoteSurge(t *testing.T) {
	e := NewEngine(nil, "INR", 2.0)

	f, _ := e.Quote(1, 1, models.VehicleMiniTruck, 1.5)
	if f.Surge != 2500 { // round(5000 * 0.5)
		t.Fatalf("expected surge 2500, got %d", f.Surge)
	}

	// demand below 1 clamps to no surge
	f, _ = e.Quote(1, 1, models.VehicleMiniTruck, 0.2)
	if f.Surge != 0 {
		t.Fatalf("expected zero surge, got %d", f.Surge)
	}

	// demand above the band clamps to maxSurge
	f, _ = e.Quote(1, 1, models.VehicleMiniTruck, 9.0)
	if f.Surge != 5000 { // round(5000 * (2.0 - 1))
		t.Fatalf("expected surge clamped to 5000, got %d", f.Surge)
	}
}

func TestQuoteNegativeInputsClamped(t *testing.T) {
	e := NewEngine(nil, "INR", 3.0)
	f, err := e.Quote(-5, -10, models.VehiclePickup, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Distance != 0 || f.Time != 0 {
		t.Fatalf("expected zero distance/time components, got %+v", f)
	}
	if f.Total != f.Base {
		t.Fatalf("expected total == base, got %+v", f)
	}
}

func TestQuoteUnknownVehicleType(t *testing.T) {
	e := NewEngine(nil, "INR", 3.0)
	_, err := e.Quote(1, 1, models.VehicleType("rickshaw"), 1.0)
	if !errors.Is(err, ErrUnknownVehicleType) {
		t.Fatalf("expected ErrUnknownVehicleType, got %v", err)
	}
}
