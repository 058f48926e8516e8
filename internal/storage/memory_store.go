package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/cargo-dispatch/internal/models"
)

// MemoryStore is the default backend and the test double. It honors the
// same CAS semantics as the Mongo and Postgres stores.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	payments map[string]*models.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*models.Booking),
		payments: make(map[string]*models.Payment),
	}
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return cloneBooking(b), nil
}

func (m *MemoryStore) UpdateBookingStatus(ctx context.Context, id string, upd BookingStatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if b.Status != upd.From {
		return false, nil
	}
	now := upd.Entry.At
	b.Status = upd.To
	b.UpdatedAt = now
	if upd.Driver != nil {
		b.DriverID = *upd.Driver
	}
	if upd.Cancellation != nil && b.Cancellation == nil {
		c := *upd.Cancellation
		b.Cancellation = &c
	}
	if upd.IncRetry {
		b.RetryCount++
	}
	stampAssignment(b, upd.To, now)
	b.Timeline = append(b.Timeline, upd.Entry)
	return true, nil
}

func stampAssignment(b *models.Booking, to models.BookingStatus, at time.Time) {
	t := at
	switch to {
	case models.BookingDriverAssigned:
		b.Assignment.AssignedAt = &t
	case models.BookingInProgress:
		b.Assignment.StartedAt = &t
	case models.BookingCompleted:
		b.Assignment.CompletedAt = &t
	}
}

func (m *MemoryStore) AppendRouteSample(ctx context.Context, id string, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if n := len(b.Assignment.Route); n > 0 && s.At.Before(b.Assignment.Route[n-1].At) {
		// samples must stay time-ordered; drop late arrivals
		return nil
	}
	b.Assignment.Route = append(b.Assignment.Route, s)
	return nil
}

func (m *MemoryStore) SetRating(ctx context.Context, id, party string, r models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	switch party {
	case "customer":
		if b.CustomerRating == nil {
			b.CustomerRating = &r
		}
	case "driver":
		if b.DriverRating == nil {
			b.DriverRating = &r
		}
	default:
		return fmt.Errorf("unknown rating party %q", party)
	}
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			return clonePayment(p), nil
		}
	}
	return nil, fmt.Errorf("payment for booking %s: %w", bookingID, ErrNotFound)
}

func (m *MemoryStore) UpdatePaymentStatus(ctx context.Context, id string, upd PaymentStatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Status != upd.From {
		return false, nil
	}
	p.Status = upd.To
	p.UpdatedAt = upd.Entry.At
	if upd.Commission != nil && p.Commission == nil {
		c := *upd.Commission
		p.Commission = &c
	}
	if upd.Refund != nil && p.Refund == nil {
		r := *upd.Refund
		p.Refund = &r
	}
	if upd.GatewayRef != "" {
		p.GatewayRef = upd.GatewayRef
	}
	if upd.GatewayDetails != nil {
		if p.GatewayDetails == nil {
			p.GatewayDetails = make(map[string]string, len(upd.GatewayDetails))
		}
		for k, v := range upd.GatewayDetails {
			p.GatewayDetails[k] = v
		}
	}
	p.Timeline = append(p.Timeline, upd.Entry)
	return true, nil
}

func (m *MemoryStore) UpdateSettlement(ctx context.Context, id string, from, to models.SettlementStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.Settlement.Status != from {
		return false, nil
	}
	now := time.Now()
	p.Settlement.Status = to
	if to == models.SettlementProcessed {
		p.Settlement.ProcessedAt = &now
	}
	p.UpdatedAt = now
	return true, nil
}

func cloneBooking(b *models.Booking) *models.Booking {
	cp := *b
	cp.Timeline = append([]models.TimelineEntry(nil), b.Timeline...)
	cp.Assignment.Route = append([]models.LocationSample(nil), b.Assignment.Route...)
	if b.Cancellation != nil {
		c := *b.Cancellation
		cp.Cancellation = &c
	}
	if b.CustomerRating != nil {
		r := *b.CustomerRating
		cp.CustomerRating = &r
	}
	if b.DriverRating != nil {
		r := *b.DriverRating
		cp.DriverRating = &r
	}
	return &cp
}

func clonePayment(p *models.Payment) *models.Payment {
	cp := *p
	cp.Timeline = append([]models.PaymentEvent(nil), p.Timeline...)
	if p.Commission != nil {
		c := *p.Commission
		cp.Commission = &c
	}
	if p.Refund != nil {
		r := *p.Refund
		cp.Refund = &r
	}
	if p.GatewayDetails != nil {
		cp.GatewayDetails = make(map[string]string, len(p.GatewayDetails))
		for k, v := range p.GatewayDetails {
			cp.GatewayDetails[k] = v
		}
	}
	return &cp
}
