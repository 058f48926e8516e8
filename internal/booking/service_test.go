package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/example/cargo-dispatch/internal/fare"
	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/storage"
)

func newTestService() (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewService(store, fare.NewEngine(nil, "INR", 3.0), 25), store
}

func createCmd() CreateCommand {
	return CreateCommand{
		CustomerID:  "cust-1",
		VehicleType: models.VehicleMiniTruck,
		Pickup:      models.Stop{Address: "Andheri", Coord: models.Coord{Lat: 19.0760, Lng: 72.8777}},
		Drop:        models.Stop{Address: "Powai", Coord: models.Coord{Lat: 19.1000, Lng: 72.9000}},
	}
}

func TestCreateBooking(t *testing.T) {
	svc, _ := newTestService()
	b, err := svc.Create(context.Background(), createCmd())
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == "" {
		t.Fatal("expected generated id")
	}
	if b.Status != models.BookingPending {
		t.Fatalf("expected pending, got %s", b.Status)
	}
	if len(b.Timeline) != 1 || b.Timeline[0].Status != models.BookingPending {
		t.Fatalf("expected creation timeline entry, got %v", b.Timeline)
	}
	if b.Fare.Total != b.Fare.Base+b.Fare.Distance+b.Fare.Time+b.Fare.Surge {
		t.Fatalf("fare total mismatch: %+v", b.Fare)
	}
	if b.DistanceKm <= 0 || b.DurationMin <= 0 {
		t.Fatalf("expected computed distance/duration, got %f/%f", b.DistanceKm, b.DurationMin)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cmd := createCmd()
	cmd.CustomerID = ""
	if _, err := svc.Create(ctx, cmd); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing customer, got %v", err)
	}

	cmd = createCmd()
	cmd.Pickup.Coord = models.Coord{}
	if _, err := svc.Create(ctx, cmd); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing coords, got %v", err)
	}

	cmd = createCmd()
	cmd.VehicleType = "hovercraft"
	if _, err := svc.Create(ctx, cmd); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown vehicle type, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	valid := map[models.BookingStatus][]models.BookingStatus{
		models.BookingPending:        {models.BookingDriverAssigned, models.BookingExpired, models.BookingCancelled},
		models.BookingDriverAssigned: {models.BookingInProgress, models.BookingCancelled, models.BookingPending},
		models.BookingInProgress:     {models.BookingCompleted, models.BookingCancelled},
		models.BookingCompleted:      {},
		models.BookingCancelled:      {},
		models.BookingExpired:        {},
	}
	all := []models.BookingStatus{
		models.BookingPending, models.BookingDriverAssigned, models.BookingInProgress,
		models.BookingCompleted, models.BookingCancelled, models.BookingExpired,
	}
	for from, targets := range valid {
		allowed := map[models.BookingStatus]bool{}
		for _, to := range targets {
			allowed[to] = true
			if !CanTransition(from, to) {
				t.Errorf("%s -> %s should be allowed", from, to)
			}
		}
		for _, to := range all {
			if !allowed[to] && CanTransition(from, to) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestConfirmedAliasesDriverAssigned(t *testing.T) {
	if !CanTransition(models.BookingPending, models.BookingConfirmed) {
		t.Fatal("pending -> confirmed should behave like pending -> driver_assigned")
	}
	if !CanTransition(models.BookingConfirmed, models.BookingInProgress) {
		t.Fatal("confirmed -> in_progress should behave like driver_assigned -> in_progress")
	}
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	_, err := svc.Transition(ctx, b.ID, models.BookingCompleted, TransitionOpts{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	cur, _ := svc.Get(ctx, b.ID)
	if cur.Status != models.BookingPending {
		t.Fatalf("status mutated on rejected transition: %s", cur.Status)
	}
	if len(cur.Timeline) != 1 {
		t.Fatalf("timeline mutated on rejected transition: %v", cur.Timeline)
	}
}

func TestTransitionAppendsTimeline(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	cur, err := svc.Transition(ctx, b.ID, models.BookingDriverAssigned, TransitionOpts{Driver: "drv-1", Note: "driver accepted"})
	if err != nil {
		t.Fatal(err)
	}
	if cur.DriverID != "drv-1" {
		t.Fatalf("expected driver set, got %q", cur.DriverID)
	}
	if cur.Assignment.AssignedAt == nil {
		t.Fatal("expected assigned_at stamped")
	}
	if len(cur.Timeline) != 2 || cur.Timeline[1].Status != models.BookingDriverAssigned {
		t.Fatalf("expected appended timeline entry, got %v", cur.Timeline)
	}
	if cur.Timeline[1].At.Before(cur.Timeline[0].At) {
		t.Fatal("timeline out of order")
	}
}

func TestDeclineReturnsToPendingAndCountsRetry(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	if _, err := svc.Transition(ctx, b.ID, models.BookingDriverAssigned, TransitionOpts{Driver: "drv-1"}); err != nil {
		t.Fatal(err)
	}
	cur, err := svc.Transition(ctx, b.ID, models.BookingPending, TransitionOpts{ClearDriver: true, IncRetry: true, Note: "driver declined"})
	if err != nil {
		t.Fatal(err)
	}
	if cur.DriverID != "" {
		t.Fatalf("expected driver cleared, got %q", cur.DriverID)
	}
	if cur.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", cur.RetryCount)
	}
}

func TestCancellationRecorded(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	cur, err := svc.Transition(ctx, b.ID, models.BookingCancelled, TransitionOpts{By: "customer", Reason: "changed plans"})
	if err != nil {
		t.Fatal(err)
	}
	if cur.Cancellation == nil || cur.Cancellation.By != "customer" {
		t.Fatalf("expected cancellation substructure, got %+v", cur.Cancellation)
	}
	// terminal: nothing moves a cancelled booking
	if _, err := svc.Transition(ctx, b.ID, models.BookingDriverAssigned, TransitionOpts{Driver: "drv-1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of cancelled, got %v", err)
	}
}

func TestConcurrentTransitionOneWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	type result struct{ err error }
	results := make(chan result, 2)
	for _, drv := range []string{"drv-a", "drv-b"} {
		go func(d string) {
			_, err := svc.Transition(ctx, b.ID, models.BookingDriverAssigned, TransitionOpts{Driver: d})
			results <- result{err}
		}(drv)
	}
	var wins, conflicts int
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			wins++
		case errors.Is(r.err, ErrConflict) || errors.Is(r.err, ErrInvalidTransition):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestRateRequiresFinishedTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	b, _ := svc.Create(ctx, createCmd())

	if err := svc.Rate(ctx, b.ID, "customer", 5, "great"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rating rejected on pending booking, got %v", err)
	}
	if err := svc.Rate(ctx, b.ID, "customer", 9, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for out-of-range stars, got %v", err)
	}
}
