// Package payments owns the payment state machine: capture lifecycle,
// commission split and driver settlement. Gateway calls go through the
// narrow Gateway interface; the ledger records outcomes, it never
// interprets gateway payloads.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/observability"
	"github.com/example/cargo-dispatch/internal/storage"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrValidation        = errors.New("invalid payment request")
	ErrInvalidTransition = errors.New("invalid payment transition")
	// ErrAlreadySettled guards the immutable commission: a completed
	// payment cannot be completed or recomputed again.
	ErrAlreadySettled = errors.New("payment already settled")
	// ErrGateway wraps external processor failures. The payment is
	// marked failed; the booking is left alone so payment can be retried.
	ErrGateway = errors.New("payment gateway error")
)

// Gateway is the external processor boundary. All three calls may be
// slow or fail; the ledger bounds them with callTimeout.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error)
	Verify(ctx context.Context, gatewayRef, signature string) (bool, error)
	Refund(ctx context.Context, gatewayRef string, amount int64) (string, error)
}

var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:    {models.PaymentProcessing, models.PaymentFailed, models.PaymentCancelled},
	models.PaymentProcessing: {models.PaymentCompleted, models.PaymentFailed},
	models.PaymentCompleted:  {models.PaymentRefunded},
}

func canTransition(from, to models.PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Ledger struct {
	store       storage.PaymentStore
	gateway     Gateway
	gatewayName string
	logger      *slog.Logger

	// PlatformFeePct is the platform share of a completed payment,
	// in percent.
	PlatformFeePct int64
	callTimeout    time.Duration
}

func NewLedger(store storage.PaymentStore, gateway Gateway, gatewayName string, platformFeePct int64, callTimeout time.Duration, logger *slog.Logger) *Ledger {
	if platformFeePct <= 0 || platformFeePct >= 100 {
		platformFeePct = 15
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Ledger{
		store:          store,
		gateway:        gateway,
		gatewayName:    gatewayName,
		logger:         logger,
		PlatformFeePct: platformFeePct,
		callTimeout:    callTimeout,
	}
}

// SplitCommission divides amount between platform and driver. The two
// shares always sum back to amount.
func SplitCommission(amount, platformPct int64) models.Commission {
	platform := (amount*platformPct + 50) / 100
	return models.Commission{Platform: platform, Driver: amount - platform}
}

// Initiate opens a pending payment for a booking and asks the gateway
// for an intent. A gateway failure marks the payment failed and returns
// ErrGateway; the caller's booking state is untouched.
func (l *Ledger) Initiate(ctx context.Context, bookingID, customerID, driverID string, amount int64, currency, method string) (*models.Payment, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if bookingID == "" || customerID == "" {
		return nil, fmt.Errorf("%w: missing booking or customer reference", ErrValidation)
	}

	now := time.Now()
	p := &models.Payment{
		ID:         uuid.NewString(),
		BookingID:  bookingID,
		CustomerID: customerID,
		DriverID:   driverID,
		Amount:     amount,
		Currency:   currency,
		Method:     method,
		Gateway:    l.gatewayName,
		Status:     models.PaymentPending,
		Settlement: models.Settlement{Status: models.SettlementPending},
		Timeline: []models.PaymentEvent{
			{Status: models.PaymentPending, At: now, Note: "payment initiated"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	if l.gateway != nil {
		cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
		ref, err := l.gateway.CreateIntent(cctx, amount, currency, map[string]string{
			"booking_id": bookingID,
			"payment_id": p.ID,
		})
		cancel()
		if err != nil {
			if _, ferr := l.MarkFailed(ctx, p.ID, "intent creation failed: "+err.Error()); ferr != nil {
				l.logger.Error("mark failed after gateway error", "payment_id", p.ID, "error", ferr)
			}
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		if _, err := l.transition(ctx, p.ID, models.PaymentPending, models.PaymentPending, storage.PaymentStatusUpdate{
			GatewayRef: ref,
			Entry:      models.PaymentEvent{Status: models.PaymentPending, Note: "gateway intent created"},
		}); err != nil {
			l.logger.Warn("gateway ref not recorded", "payment_id", p.ID, "error", err)
		}
	}
	return l.store.GetPayment(ctx, p.ID)
}

// InitiateForBooking adapts Initiate to the dispatch coordinator's
// trip-completion hook.
func (l *Ledger) InitiateForBooking(ctx context.Context, b *models.Booking, method string) (*models.Payment, error) {
	if method == "" {
		method = "upi"
	}
	return l.Initiate(ctx, b.ID, b.CustomerID, b.DriverID, b.Fare.Total, b.Fare.Currency, method)
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return p, nil
}

func (l *Ledger) GetByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	p, err := l.store.GetPaymentByBooking(ctx, bookingID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return p, nil
}

func (l *Ledger) MarkProcessing(ctx context.Context, id, gatewayRef string) (*models.Payment, error) {
	return l.move(ctx, id, models.PaymentProcessing, storage.PaymentStatusUpdate{
		GatewayRef: gatewayRef,
		Entry:      models.PaymentEvent{Status: models.PaymentProcessing, Note: "gateway processing"},
	})
}

// MarkCompleted captures the payment and commits the commission split
// exactly once. Calling it on an already-completed payment returns
// ErrAlreadySettled and changes nothing.
func (l *Ledger) MarkCompleted(ctx context.Context, id string, gatewayDetails map[string]string) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if p.Status == models.PaymentCompleted || p.Commission != nil {
		return nil, fmt.Errorf("%w: commission already committed", ErrAlreadySettled)
	}
	if !canTransition(p.Status, models.PaymentCompleted) {
		return nil, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, p.Status)
	}
	comm := SplitCommission(p.Amount, l.PlatformFeePct)
	out, err := l.transition(ctx, id, p.Status, models.PaymentCompleted, storage.PaymentStatusUpdate{
		Commission:     &comm,
		GatewayDetails: gatewayDetails,
		Entry:          models.PaymentEvent{Status: models.PaymentCompleted, Note: "payment captured"},
	})
	if err != nil {
		return nil, err
	}
	observability.PaymentsCompleted.Inc()
	return out, nil
}

func (l *Ledger) MarkFailed(ctx context.Context, id, note string) (*models.Payment, error) {
	p, err := l.move(ctx, id, models.PaymentFailed, storage.PaymentStatusUpdate{
		Entry: models.PaymentEvent{Status: models.PaymentFailed, Note: note},
	})
	if err != nil {
		return nil, err
	}
	observability.PaymentsFailed.Inc()
	return p, nil
}

// Confirm is the gateway-callback path: verify the signature, then walk
// pending -> processing -> completed. A bad signature fails the payment.
func (l *Ledger) Confirm(ctx context.Context, id, gatewayRef, signature string) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if gatewayRef == "" {
		gatewayRef = p.GatewayRef
	}

	if p.Status == models.PaymentPending {
		if p, err = l.MarkProcessing(ctx, id, gatewayRef); err != nil {
			return nil, err
		}
	}

	ok := true
	if l.gateway != nil {
		cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
		ok, err = l.gateway.Verify(cctx, gatewayRef, signature)
		cancel()
		if err != nil {
			if _, ferr := l.MarkFailed(ctx, id, "verification error: "+err.Error()); ferr != nil {
				l.logger.Error("mark failed after verify error", "payment_id", id, "error", ferr)
			}
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}
	if !ok {
		return l.MarkFailed(ctx, id, "gateway verification rejected")
	}
	return l.MarkCompleted(ctx, id, map[string]string{"verified_ref": gatewayRef})
}

// Refund reverses a completed payment, fully or partially.
func (l *Ledger) Refund(ctx context.Context, id string, amount int64, reason string) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if p.Status != models.PaymentCompleted {
		return nil, fmt.Errorf("%w: refund requires completed payment, have %s", ErrInvalidTransition, p.Status)
	}
	if amount <= 0 || amount > p.Amount {
		return nil, fmt.Errorf("%w: refund amount must be in (0, %d]", ErrValidation, p.Amount)
	}

	refundRef := ""
	if l.gateway != nil {
		cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
		refundRef, err = l.gateway.Refund(cctx, p.GatewayRef, amount)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}
	return l.transition(ctx, id, models.PaymentCompleted, models.PaymentRefunded, storage.PaymentStatusUpdate{
		Refund: &models.Refund{Amount: amount, Reason: reason, GatewayRef: refundRef, At: time.Now()},
		Entry:  models.PaymentEvent{Status: models.PaymentRefunded, Note: reason},
	})
}

// MarkSettlement records the payout outcome; it is independent of the
// capture status and driven by the external payout process.
func (l *Ledger) MarkSettlement(ctx context.Context, id string, outcome models.SettlementStatus) (*models.Payment, error) {
	if outcome != models.SettlementProcessed && outcome != models.SettlementFailed {
		return nil, fmt.Errorf("%w: settlement outcome must be processed or failed", ErrValidation)
	}
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if p.Commission == nil {
		return nil, fmt.Errorf("%w: no commission to settle", ErrValidation)
	}
	ok, err := l.store.UpdateSettlement(ctx, id, models.SettlementPending, outcome)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: settlement already %s", ErrAlreadySettled, p.Settlement.Status)
	}
	return l.store.GetPayment(ctx, id)
}

// move validates against the transition table using the current status
// and applies the CAS update.
func (l *Ledger) move(ctx context.Context, id string, to models.PaymentStatus, upd storage.PaymentStatusUpdate) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if !canTransition(p.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	return l.transition(ctx, id, p.Status, to, upd)
}

func (l *Ledger) transition(ctx context.Context, id string, from, to models.PaymentStatus, upd storage.PaymentStatusUpdate) (*models.Payment, error) {
	upd.From = from
	upd.To = to
	if upd.Entry.At.IsZero() {
		upd.Entry.At = time.Now()
	}
	if upd.Entry.Status == "" {
		upd.Entry.Status = to
	}
	ok, err := l.store.UpdatePaymentStatus(ctx, id, upd)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s lost update race", ErrInvalidTransition, from, to)
	}
	return l.store.GetPayment(ctx, id)
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
