// Package booking owns the booking lifecycle: the transition table and
// the atomic transition operation every mutation goes through.
package booking

import (
	"errors"

	"github.com/example/cargo-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrValidation        = errors.New("invalid booking request")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict means the optimistic status check lost a race: the
	// booking moved between read and write.
	ErrConflict = errors.New("booking status conflict")
)

// allowedTransitions is the lifecycle as data. driver_assigned -> pending
// is the decline path: driver cleared, retry counted.
var allowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingPending:        {models.BookingDriverAssigned, models.BookingExpired, models.BookingCancelled},
	models.BookingDriverAssigned: {models.BookingInProgress, models.BookingCancelled, models.BookingPending},
	models.BookingInProgress:     {models.BookingCompleted, models.BookingCancelled},
}

// Normalize maps the legacy confirmed status onto driver_assigned; the
// two were never distinguishable in practice.
func Normalize(s models.BookingStatus) models.BookingStatus {
	if s == models.BookingConfirmed {
		return models.BookingDriverAssigned
	}
	return s
}

func CanTransition(from, to models.BookingStatus) bool {
	next, ok := allowedTransitions[Normalize(from)]
	if !ok {
		return false
	}
	to = Normalize(to)
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
