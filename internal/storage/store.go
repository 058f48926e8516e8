package storage

import (
	"context"
	"errors"

	"github.com/example/cargo-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("entity not found")
)

// BookingStatusUpdate describes one atomic booking transition: the CAS
// guard (From), the new status, and everything written alongside it.
// Implementations must apply all of it or none of it.
type BookingStatusUpdate struct {
	From models.BookingStatus
	To   models.BookingStatus
	// Driver: nil leaves the field alone, pointer to "" clears it.
	Driver       *string
	Entry        models.TimelineEntry
	Cancellation *models.Cancellation
	IncRetry     bool
}

// PaymentStatusUpdate is the payment analogue of BookingStatusUpdate.
type PaymentStatusUpdate struct {
	From           models.PaymentStatus
	To             models.PaymentStatus
	Entry          models.PaymentEvent
	Commission     *models.Commission
	Refund         *models.Refund
	GatewayRef     string
	GatewayDetails map[string]string
}

// BookingStore persists bookings. UpdateBookingStatus returns false
// (without error) when the optimistic status check fails; that is the
// race-free accept mechanism.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, upd BookingStatusUpdate) (bool, error)
	AppendRouteSample(ctx context.Context, id string, s models.LocationSample) error
	SetRating(ctx context.Context, id, party string, r models.Rating) error
}

// PaymentStore persists payments with the same CAS discipline.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, upd PaymentStatusUpdate) (bool, error)
	UpdateSettlement(ctx context.Context, id string, from, to models.SettlementStatus) (bool, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	BookingStore
	PaymentStore
}
