// Package dispatch turns pending bookings into assigned ones. Offers go
// to candidates one at a time, nearest first, each with a bounded accept
// window; concurrent accept/cancel races are settled by the booking
// store's CAS transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cargo-dispatch/internal/booking"
	"github.com/example/cargo-dispatch/internal/geo"
	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/notify"
	"github.com/example/cargo-dispatch/internal/observability"
	"github.com/example/cargo-dispatch/internal/storage"
)

var (
	// ErrStaleAccept: the driver's accept arrived after the booking left
	// pending or after the offer window closed. The driver stays free.
	ErrStaleAccept  = errors.New("stale accept")
	ErrStaleDecline = errors.New("stale decline")
	// ErrNoDriversAvailable: every candidate was offered and none took
	// the booking; it has been expired.
	ErrNoDriversAvailable = errors.New("no drivers available")
)

// OfferSender pushes an offer to one driver. Delivery is best effort;
// the accept window runs whether or not the push landed.
type OfferSender interface {
	SendOffer(driverID string, off models.Offer) error
}

// PaymentInitiator opens the payment for a completed trip.
type PaymentInitiator interface {
	InitiateForBooking(ctx context.Context, b *models.Booking, method string) (*models.Payment, error)
}

type Config struct {
	OfferTimeout   time.Duration // per-candidate accept window
	RadiusMeters   float64
	CandidateLimit int
	// RetryBudget caps decline-triggered re-dispatch rounds before the
	// booking expires.
	RetryBudget int
}

func (c *Config) defaults() {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 15 * time.Second
	}
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = geo.DefaultRadiusMeters
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 8
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
}

type offerOutcome int

const (
	outcomeAccepted offerOutcome = iota
	outcomeDeclined
	outcomeTimeout
	outcomeVoided // booking cancelled, or accept lost the CAS race
)

// pendingOffer is the single open offer for one booking. claimed marks
// that exactly one party (accept, decline, timeout or cancel) owns the
// right to decide it; the owner always sends exactly one outcome.
type pendingOffer struct {
	bookingID string
	driverID  string
	claimed   bool
	decided   chan offerOutcome
}

type Coordinator struct {
	geo      geo.Geo
	bookings *booking.Service
	store    storage.BookingStore
	payments PaymentInitiator
	sender   OfferSender
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	offers   map[string]*pendingOffer   // open offer by booking id
	byDriver map[string]string          // driver id -> booking currently offered
	skipped  map[string]map[string]bool // booking id -> drivers not to re-offer
	assigned map[string]string          // driver id -> booking being served
	lastLoc  map[string]time.Time       // per-driver route sample ordering guard
}

func NewCoordinator(g geo.Geo, bookings *booking.Service, store storage.BookingStore, payments PaymentInitiator, sender OfferSender, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Coordinator {
	cfg.defaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		geo:      g,
		bookings: bookings,
		store:    store,
		payments: payments,
		sender:   sender,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		offers:   make(map[string]*pendingOffer),
		byDriver: make(map[string]string),
		skipped:  make(map[string]map[string]bool),
		assigned: make(map[string]string),
		lastLoc:  make(map[string]time.Time),
	}
}

// Dispatch walks the candidate list for a pending booking. It returns
// nil when a driver accepted or the booking was cancelled mid-offer, and
// ErrNoDriversAvailable after expiring an unmatchable booking.
func (c *Coordinator) Dispatch(ctx context.Context, bookingID string) error {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != models.BookingPending {
		return nil
	}
	if b.RetryCount > c.cfg.RetryBudget {
		return c.expire(ctx, bookingID, "retry budget exhausted")
	}

	cands := c.geo.Nearby(b.Pickup.Coord, b.VehicleType, c.cfg.RadiusMeters, c.cfg.CandidateLimit)
	offered := false
	for _, cand := range cands {
		if c.skipDriver(bookingID, cand.DriverID) {
			continue
		}
		offered = true
		out := c.offerAndWait(ctx, b, cand.DriverID)
		switch out {
		case outcomeAccepted:
			return nil
		case outcomeVoided:
			return nil
		case outcomeDeclined:
			observability.OffersDeclined.Inc()
			c.markSkipped(bookingID, cand.DriverID)
		case outcomeTimeout:
			observability.OfferTimeouts.Inc()
			c.markSkipped(bookingID, cand.DriverID)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if !offered {
		c.logger.Info("no candidates in range", "booking_id", bookingID, "vehicle_type", b.VehicleType)
	}
	return c.expire(ctx, bookingID, "no driver accepted")
}

// skipDriver reports whether the candidate is already skipped for this
// booking or busy with another offer or trip. Busy drivers are skipped,
// never queued.
func (c *Coordinator) skipDriver(bookingID, driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipped[bookingID][driverID] {
		return true
	}
	if _, busy := c.byDriver[driverID]; busy {
		return true
	}
	if _, serving := c.assigned[driverID]; serving {
		return true
	}
	return false
}

func (c *Coordinator) markSkipped(bookingID, driverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipped[bookingID] == nil {
		c.skipped[bookingID] = make(map[string]bool)
	}
	c.skipped[bookingID][driverID] = true
}

func (c *Coordinator) offerAndWait(ctx context.Context, b *models.Booking, driverID string) offerOutcome {
	off := &pendingOffer{
		bookingID: b.ID,
		driverID:  driverID,
		decided:   make(chan offerOutcome, 1),
	}
	c.mu.Lock()
	if _, busy := c.byDriver[driverID]; busy {
		c.mu.Unlock()
		return outcomeTimeout
	}
	c.offers[b.ID] = off
	c.byDriver[driverID] = b.ID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if cur, ok := c.offers[b.ID]; ok && cur == off {
			delete(c.offers, b.ID)
		}
		if c.byDriver[driverID] == b.ID {
			delete(c.byDriver, driverID)
		}
		c.mu.Unlock()
	}()

	msg := models.Offer{
		BookingID:   b.ID,
		DriverID:    driverID,
		VehicleType: b.VehicleType,
		Pickup:      b.Pickup,
		Drop:        b.Drop,
		FareTotal:   b.Fare.Total,
		Currency:    b.Fare.Currency,
		ExpiresAt:   time.Now().Add(c.cfg.OfferTimeout),
	}
	observability.OffersSent.Inc()
	if err := c.sender.SendOffer(driverID, msg); err != nil {
		c.logger.Debug("ws offer delivery failed, relying on push", "driver_id", driverID, "error", err)
	}
	if err := c.notifier.Notify(driverID, "booking_offer", msg); err != nil {
		c.logger.Warn("offer push failed", "driver_id", driverID, "error", err)
	}

	timer := time.NewTimer(c.cfg.OfferTimeout)
	defer timer.Stop()
	select {
	case out := <-off.decided:
		return out
	case <-timer.C:
		if c.claim(off) {
			return outcomeTimeout
		}
		// someone claimed it right at the deadline; take their outcome
		return <-off.decided
	case <-ctx.Done():
		if c.claim(off) {
			return outcomeVoided
		}
		return <-off.decided
	}
}

// claim takes decision ownership of an offer. At most one caller wins.
func (c *Coordinator) claim(off *pendingOffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off.claimed {
		return false
	}
	off.claimed = true
	return true
}

// claimOpenOffer claims the open offer for bookingID held by driverID.
func (c *Coordinator) claimOpenOffer(bookingID, driverID string) *pendingOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.offers[bookingID]
	if !ok || off.claimed {
		return nil
	}
	if driverID != "" && off.driverID != driverID {
		return nil
	}
	off.claimed = true
	return off
}

// Accept handles a driver taking an offered booking. Exactly one accept
// can win; anything later gets ErrStaleAccept and the driver stays
// available.
func (c *Coordinator) Accept(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	off := c.claimOpenOffer(bookingID, driverID)
	if off == nil {
		return nil, fmt.Errorf("%w: no open offer for driver %s", ErrStaleAccept, driverID)
	}

	b, err := c.bookings.Transition(ctx, bookingID, models.BookingDriverAssigned, booking.TransitionOpts{
		Driver: driverID,
		Note:   "driver accepted offer",
	})
	if err != nil {
		// booking left pending while the accept was in flight
		off.decided <- outcomeVoided
		if errors.Is(err, booking.ErrConflict) || errors.Is(err, booking.ErrInvalidTransition) {
			return nil, errors.Join(ErrStaleAccept, err)
		}
		return nil, err
	}

	c.geo.SetAvailability(driverID, false)
	c.mu.Lock()
	c.assigned[driverID] = bookingID
	c.mu.Unlock()

	off.decided <- outcomeAccepted
	observability.OffersAccepted.Inc()
	if err := c.notifier.Notify(b.CustomerID, "driver_assigned", map[string]string{"booking_id": b.ID, "driver_id": driverID}); err != nil {
		c.logger.Warn("assignment push failed", "booking_id", b.ID, "error", err)
	}
	return b, nil
}

// Decline handles both cases: declining an open offer (pure control
// flow, the booking never left pending) and backing out after an accept
// (driver_assigned -> pending with the retry counted, then a fresh
// dispatch round).
func (c *Coordinator) Decline(ctx context.Context, bookingID, driverID string) error {
	if off := c.claimOpenOffer(bookingID, driverID); off != nil {
		off.decided <- outcomeDeclined
		return nil
	}

	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Normalize(b.Status) != models.BookingDriverAssigned || b.DriverID != driverID {
		return fmt.Errorf("%w: booking is %s", ErrStaleDecline, b.Status)
	}
	if _, err := c.bookings.Transition(ctx, bookingID, models.BookingPending, booking.TransitionOpts{
		ClearDriver: true,
		IncRetry:    true,
		Note:        "driver declined after assignment",
	}); err != nil {
		if errors.Is(err, booking.ErrConflict) || errors.Is(err, booking.ErrInvalidTransition) {
			return errors.Join(ErrStaleDecline, err)
		}
		return err
	}
	observability.OffersDeclined.Inc()
	c.geo.SetAvailability(driverID, true)
	c.releaseDriver(driverID)
	c.markSkipped(bookingID, driverID)

	go func() {
		if err := c.Dispatch(context.Background(), bookingID); err != nil && !errors.Is(err, ErrNoDriversAvailable) {
			c.logger.Error("re-dispatch after decline failed", "booking_id", bookingID, "error", err)
		}
	}()
	return nil
}

// Cancel halts a booking at any point before completion. An in-flight
// offer is voided: a late accept sees the booking already cancelled and
// fails the CAS.
func (c *Coordinator) Cancel(ctx context.Context, bookingID, by, reason string) (*models.Booking, error) {
	b, err := c.bookings.Transition(ctx, bookingID, models.BookingCancelled, booking.TransitionOpts{
		By:     by,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	if off := c.claimOpenOffer(bookingID, ""); off != nil {
		off.decided <- outcomeVoided
	}
	if b.DriverID != "" {
		c.geo.SetAvailability(b.DriverID, true)
		c.releaseDriver(b.DriverID)
	}
	observability.BookingsCancelled.Inc()
	if err := c.notifier.Notify(b.CustomerID, "booking_cancelled", map[string]string{"booking_id": b.ID}); err != nil {
		c.logger.Warn("cancellation push failed", "booking_id", b.ID, "error", err)
	}
	return b, nil
}

// Start moves an assigned booking into in_progress.
func (c *Coordinator) Start(ctx context.Context, bookingID, driverID string, at *models.Coord) (*models.Booking, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if driverID != "" && b.DriverID != driverID {
		return nil, fmt.Errorf("%w: booking is not assigned to driver %s", booking.ErrValidation, driverID)
	}
	return c.bookings.Transition(ctx, bookingID, models.BookingInProgress, booking.TransitionOpts{
		Location: at,
		Note:     "trip started",
	})
}

// Complete finishes the trip, frees the driver and opens the payment.
func (c *Coordinator) Complete(ctx context.Context, bookingID, driverID, paymentMethod string, at *models.Coord) (*models.Booking, *models.Payment, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if driverID != "" && b.DriverID != driverID {
		return nil, nil, fmt.Errorf("%w: booking is not assigned to driver %s", booking.ErrValidation, driverID)
	}
	b, err = c.bookings.Transition(ctx, bookingID, models.BookingCompleted, booking.TransitionOpts{
		Location: at,
		Note:     "trip completed",
	})
	if err != nil {
		return nil, nil, err
	}

	c.geo.SetAvailability(b.DriverID, true)
	c.releaseDriver(b.DriverID)
	observability.BookingsCompleted.Inc()

	var pay *models.Payment
	if c.payments != nil {
		pay, err = c.payments.InitiateForBooking(ctx, b, paymentMethod)
		if err != nil {
			// the trip stays completed; payment can be retried
			c.logger.Error("payment initiation failed", "booking_id", b.ID, "error", err)
			return b, nil, err
		}
	}
	if err := c.notifier.Notify(b.CustomerID, "booking_completed", map[string]string{"booking_id": b.ID}); err != nil {
		c.logger.Warn("completion push failed", "booking_id", b.ID, "error", err)
	}
	return b, pay, nil
}

// RecordLocation feeds the geo index and, for a driver on a trip, the
// booking's route trail. Samples must arrive in non-decreasing time
// order per driver; older ones are dropped silently.
func (c *Coordinator) RecordLocation(ctx context.Context, d models.DriverState) {
	c.mu.Lock()
	if last, ok := c.lastLoc[d.DriverID]; ok && d.Updated.Before(last) {
		c.mu.Unlock()
		return
	}
	c.lastLoc[d.DriverID] = d.Updated
	bookingID, onTrip := c.assigned[d.DriverID]
	c.mu.Unlock()

	c.geo.Upsert(d)
	if onTrip {
		sample := models.LocationSample{Coord: d.Loc, At: d.Updated}
		if err := c.store.AppendRouteSample(ctx, bookingID, sample); err != nil {
			c.logger.Warn("route sample append failed", "booking_id", bookingID, "error", err)
		}
	}
}

func (c *Coordinator) releaseDriver(driverID string) {
	c.mu.Lock()
	delete(c.assigned, driverID)
	c.mu.Unlock()
}

func (c *Coordinator) expire(ctx context.Context, bookingID, note string) error {
	b, err := c.bookings.Transition(ctx, bookingID, models.BookingExpired, booking.TransitionOpts{Note: note})
	if err != nil {
		// cancelled (or assigned) concurrently; nothing to expire
		if errors.Is(err, booking.ErrConflict) || errors.Is(err, booking.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	observability.BookingsExpired.Inc()
	if err := c.notifier.Notify(b.CustomerID, "booking_expired", map[string]string{"booking_id": b.ID}); err != nil {
		c.logger.Warn("expiry push failed", "booking_id", b.ID, "error", err)
	}
	return ErrNoDriversAvailable
}
