package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/cargo-dispatch/internal/fare"
	"github.com/example/cargo-dispatch/internal/geo"
	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/storage"
)

// Service builds bookings and drives them through the transition table.
// All writes go through the store's CAS update so concurrent callers
// race safely.
type Service struct {
	store storage.BookingStore
	fares *fare.Engine

	// SpeedKmph is the naive duration estimator: duration = distance / speed.
	SpeedKmph float64
}

func NewService(store storage.BookingStore, fares *fare.Engine, speedKmph float64) *Service {
	if speedKmph <= 0 {
		speedKmph = 25
	}
	return &Service{store: store, fares: fares, SpeedKmph: speedKmph}
}

type CreateCommand struct {
	CustomerID   string
	VehicleType  models.VehicleType
	Pickup       models.Stop
	Drop         models.Stop
	DemandFactor float64
}

func validCoord(c models.Coord) bool {
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Create validates the request, quotes the fare and persists a pending
// booking with its creation timeline entry. IDs and derived fields are
// computed here, never by the persistence layer.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Booking, error) {
	if cmd.CustomerID == "" {
		return nil, fmt.Errorf("%w: missing customer", ErrValidation)
	}
	if !validCoord(cmd.Pickup.Coord) || !validCoord(cmd.Drop.Coord) {
		return nil, fmt.Errorf("%w: missing or malformed coordinates", ErrValidation)
	}
	if !s.fares.Known(cmd.VehicleType) {
		return nil, fmt.Errorf("%w: unknown vehicle type %q", ErrValidation, cmd.VehicleType)
	}

	distanceKm := geo.DistanceKm(cmd.Pickup.Coord, cmd.Drop.Coord)
	durationMin := distanceKm / s.SpeedKmph * 60

	quote, err := s.fares.Quote(distanceKm, durationMin, cmd.VehicleType, cmd.DemandFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now()
	b := &models.Booking{
		ID:          uuid.NewString(),
		CustomerID:  cmd.CustomerID,
		Status:      models.BookingPending,
		VehicleType: cmd.VehicleType,
		Pickup:      cmd.Pickup,
		Drop:        cmd.Drop,
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		Fare:        quote,
		Timeline: []models.TimelineEntry{
			{Status: models.BookingPending, At: now, Note: "booking created"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return b, nil
}

// TransitionOpts carries the optional payload of a transition.
type TransitionOpts struct {
	Driver      string // set on driver_assigned
	ClearDriver bool   // set on decline back to pending
	IncRetry    bool
	Location    *models.Coord
	Note        string
	By          string // cancellation actor
	Reason      string
}

// Transition atomically moves a booking to a new status and appends the
// timeline entry. A transition outside the table returns
// ErrInvalidTransition without mutating anything; losing the CAS race
// returns ErrConflict.
func (s *Service) Transition(ctx context.Context, id string, to models.BookingStatus, opts TransitionOpts) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	to = Normalize(to)
	if !CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}

	now := time.Now()
	upd := storage.BookingStatusUpdate{
		From: b.Status,
		To:   to,
		Entry: models.TimelineEntry{
			Status:   to,
			At:       now,
			Location: opts.Location,
			Note:     opts.Note,
		},
		IncRetry: opts.IncRetry,
	}
	if opts.Driver != "" {
		d := opts.Driver
		upd.Driver = &d
	} else if opts.ClearDriver {
		empty := ""
		upd.Driver = &empty
	}
	if to == models.BookingCancelled {
		upd.Cancellation = &models.Cancellation{By: opts.By, Reason: opts.Reason, At: now}
	}

	ok, err := s.store.UpdateBookingStatus(ctx, id, upd)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if !ok {
		cur, gerr := s.store.GetBooking(ctx, id)
		if gerr != nil {
			return nil, fmt.Errorf("%w: %s -> %s", ErrConflict, b.Status, to)
		}
		return nil, fmt.Errorf("%w: %s -> %s, booking now %s", ErrConflict, b.Status, to, cur.Status)
	}
	return s.store.GetBooking(ctx, id)
}

// Rate attaches a rating once; later calls are ignored by the store.
func (s *Service) Rate(ctx context.Context, id, party string, stars int, comment string) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("%w: stars must be 1..5", ErrValidation)
	}
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return wrapNotFound(err)
	}
	if b.Status != models.BookingCompleted && b.Status != models.BookingCancelled {
		return fmt.Errorf("%w: rating requires a finished trip", ErrInvalidTransition)
	}
	return s.store.SetRating(ctx, id, party, models.Rating{Stars: stars, Comment: comment, At: time.Now()})
}

func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
