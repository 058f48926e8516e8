package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/cargo-dispatch/internal/booking"
	"github.com/example/cargo-dispatch/internal/fare"
	"github.com/example/cargo-dispatch/internal/geo"
	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/storage"
)

// fakeSender records offers in order and exposes them to the test.
type fakeSender struct {
	mu     sync.Mutex
	offers []models.Offer
	ch     chan models.Offer
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan models.Offer, 16)}
}

func (s *fakeSender) SendOffer(driverID string, off models.Offer) error {
	s.mu.Lock()
	off.DriverID = driverID
	s.offers = append(s.offers, off)
	s.mu.Unlock()
	s.ch <- off
	return nil
}

func (s *fakeSender) sent() []models.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Offer, len(s.offers))
	copy(out, s.offers)
	return out
}

type fakePayments struct {
	mu    sync.Mutex
	calls int
}

func (p *fakePayments) InitiateForBooking(ctx context.Context, b *models.Booking, method string) (*models.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &models.Payment{ID: "pay-1", BookingID: b.ID, Amount: b.Fare.Total, Status: models.PaymentPending}, nil
}

type fixture struct {
	geo    *geo.Index
	store  *storage.MemoryStore
	svc    *booking.Service
	sender *fakeSender
	pay    *fakePayments
	coord  *Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	g := geo.NewIndex()
	store := storage.NewMemoryStore()
	svc := booking.NewService(store, fare.NewEngine(nil, "", 0), 25)
	sender := newFakeSender()
	pay := &fakePayments{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(g, svc, store, pay, sender, nil, logger, cfg)
	return &fixture{geo: g, store: store, svc: svc, sender: sender, pay: pay, coord: coord}
}

func (f *fixture) addDriver(id string, lat, lng float64, vt models.VehicleType) {
	f.geo.Upsert(models.DriverState{
		DriverID:    id,
		Loc:         models.Coord{Lat: lat, Lng: lng},
		VehicleType: vt,
		Available:   true,
		KYCVerified: true,
		Updated:     time.Now(),
	})
}

func (f *fixture) createBooking(t *testing.T) *models.Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), booking.CreateCommand{
		CustomerID:  "cust-1",
		VehicleType: models.VehicleMiniTruck,
		Pickup:      models.Stop{Coord: models.Coord{Lat: 19.0760, Lng: 72.8777}, Address: "Dadar"},
		Drop:        models.Stop{Coord: models.Coord{Lat: 19.1136, Lng: 72.8697}, Address: "Andheri"},
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func TestDispatchOffersNearestFirstAndAssignsOnAccept(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	// roughly 1km, 3km and 8km north of the pickup
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	f.addDriver("d-3km", 19.1030, 72.8777, models.VehicleMiniTruck)
	f.addDriver("d-8km", 19.1480, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()

	off := <-f.sender.ch
	if off.DriverID != "d-1km" {
		t.Fatalf("first offer went to %s, want d-1km", off.DriverID)
	}
	got, err := f.coord.Accept(context.Background(), b.ID, "d-1km")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.BookingDriverAssigned || got.DriverID != "d-1km" {
		t.Fatalf("after accept: status %s driver %s", got.Status, got.DriverID)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch returned %v", err)
	}
	if len(f.sender.sent()) != 1 {
		t.Fatalf("offers sent = %d, want 1", len(f.sender.sent()))
	}

	// accepting driver left the candidate pool
	near := f.geo.Nearby(b.Pickup.Coord, models.VehicleMiniTruck, geo.DefaultRadiusMeters, 10)
	for _, c := range near {
		if c.DriverID == "d-1km" {
			t.Fatalf("accepted driver still in candidate pool")
		}
	}
}

func TestDispatchWalksCandidatesOnDecline(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	f.addDriver("d-3km", 19.1030, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()

	first := <-f.sender.ch
	if first.DriverID != "d-1km" {
		t.Fatalf("first offer to %s, want d-1km", first.DriverID)
	}
	if err := f.coord.Decline(context.Background(), b.ID, "d-1km"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	second := <-f.sender.ch
	if second.DriverID != "d-3km" {
		t.Fatalf("second offer to %s, want d-3km", second.DriverID)
	}
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-3km"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch returned %v", err)
	}
}

func TestDispatchExpiresWhenNoCandidates(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 50 * time.Millisecond})
	b := f.createBooking(t)

	err := f.coord.Dispatch(context.Background(), b.ID)
	if !errors.Is(err, ErrNoDriversAvailable) {
		t.Fatalf("dispatch err = %v, want ErrNoDriversAvailable", err)
	}
	got, err := f.svc.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.BookingExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestDispatchExpiresAfterAllOffersTimeOut(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 30 * time.Millisecond})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	err := f.coord.Dispatch(context.Background(), b.ID)
	if !errors.Is(err, ErrNoDriversAvailable) {
		t.Fatalf("dispatch err = %v, want ErrNoDriversAvailable", err)
	}
	got, _ := f.svc.Get(context.Background(), b.ID)
	if got.Status != models.BookingExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	// the timed-out driver was never marked busy
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-1km"); !errors.Is(err, ErrStaleAccept) {
		t.Fatalf("late accept err = %v, want ErrStaleAccept", err)
	}
}

func TestCancelMidOfferVoidsLateAccept(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()
	<-f.sender.ch

	if _, err := f.coord.Cancel(context.Background(), b.ID, "customer", "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch returned %v", err)
	}

	if _, err := f.coord.Accept(context.Background(), b.ID, "d-1km"); !errors.Is(err, ErrStaleAccept) {
		t.Fatalf("late accept err = %v, want ErrStaleAccept", err)
	}
	got, _ := f.svc.Get(context.Background(), b.ID)
	if got.Status != models.BookingCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	// driver is still free for other bookings
	near := f.geo.Nearby(b.Pickup.Coord, models.VehicleMiniTruck, geo.DefaultRadiusMeters, 10)
	if len(near) != 1 || near[0].DriverID != "d-1km" {
		t.Fatalf("candidate pool = %v, want d-1km available", near)
	}
}

func TestConcurrentAcceptOnlyOneWins(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()
	<-f.sender.ch

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Accept(context.Background(), b.ID, "d-1km")
		}(i)
	}
	wg.Wait()
	if err := <-done; err != nil {
		t.Fatalf("dispatch returned %v", err)
	}

	wins, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleAccept):
			stale++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("wins = %d stale = %d, want exactly one of each", wins, stale)
	}
}

func TestDeclineAfterAssignmentRedispatches(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second, RetryBudget: 2})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	f.addDriver("d-3km", 19.1030, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()
	<-f.sender.ch
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-1km"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch returned %v", err)
	}

	// driver backs out; booking returns to pending and goes to the next
	// candidate, never back to the decliner
	if err := f.coord.Decline(context.Background(), b.ID, "d-1km"); err != nil {
		t.Fatalf("decline after assignment: %v", err)
	}
	second := <-f.sender.ch
	if second.DriverID != "d-3km" {
		t.Fatalf("re-dispatch offered %s, want d-3km", second.DriverID)
	}
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-3km"); err != nil {
		t.Fatalf("accept after re-dispatch: %v", err)
	}

	got, _ := f.svc.Get(context.Background(), b.ID)
	if got.DriverID != "d-3km" || got.Status != models.BookingDriverAssigned {
		t.Fatalf("booking = status %s driver %s", got.Status, got.DriverID)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestCompleteFreesDriverAndOpensPayment(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()
	<-f.sender.ch
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-1km"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	<-done

	if _, err := f.coord.Start(context.Background(), b.ID, "d-1km", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, pay, err := f.coord.Complete(context.Background(), b.ID, "d-1km", "upi", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.BookingCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if pay == nil || pay.BookingID != b.ID {
		t.Fatalf("payment = %+v, want one for booking %s", pay, b.ID)
	}
	if f.pay.calls != 1 {
		t.Fatalf("payment initiations = %d, want 1", f.pay.calls)
	}

	// driver is back in the pool
	near := f.geo.Nearby(b.Pickup.Coord, models.VehicleMiniTruck, geo.DefaultRadiusMeters, 10)
	if len(near) != 1 || near[0].DriverID != "d-1km" {
		t.Fatalf("candidate pool = %v, want d-1km available", near)
	}
}

func TestRecordLocationAppendsRouteOnlyDuringTrip(t *testing.T) {
	f := newFixture(t, Config{OfferTimeout: 2 * time.Second})
	f.addDriver("d-1km", 19.0850, 72.8777, models.VehicleMiniTruck)
	b := f.createBooking(t)

	base := time.Now()
	f.coord.RecordLocation(context.Background(), models.DriverState{
		DriverID: "d-1km", Loc: models.Coord{Lat: 19.09, Lng: 72.88},
		VehicleType: models.VehicleMiniTruck, Available: true, KYCVerified: true, Updated: base,
	})
	got, _ := f.svc.Get(context.Background(), b.ID)
	if len(got.Assignment.Route) != 0 {
		t.Fatalf("route recorded before assignment: %v", got.Assignment.Route)
	}

	done := make(chan error, 1)
	go func() { done <- f.coord.Dispatch(context.Background(), b.ID) }()
	<-f.sender.ch
	if _, err := f.coord.Accept(context.Background(), b.ID, "d-1km"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	<-done

	f.coord.RecordLocation(context.Background(), models.DriverState{
		DriverID: "d-1km", Loc: models.Coord{Lat: 19.095, Lng: 72.881},
		VehicleType: models.VehicleMiniTruck, KYCVerified: true, Updated: base.Add(time.Second),
	})
	// stale sample, dropped
	f.coord.RecordLocation(context.Background(), models.DriverState{
		DriverID: "d-1km", Loc: models.Coord{Lat: 19.0, Lng: 72.8},
		VehicleType: models.VehicleMiniTruck, KYCVerified: true, Updated: base.Add(-time.Minute),
	})

	got, _ = f.svc.Get(context.Background(), b.ID)
	if len(got.Assignment.Route) != 1 {
		t.Fatalf("route samples = %d, want 1", len(got.Assignment.Route))
	}
	if got.Assignment.Route[0].Coord.Lat != 19.095 {
		t.Fatalf("route sample = %+v", got.Assignment.Route[0])
	}
}
