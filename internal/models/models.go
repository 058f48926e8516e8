package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Stop is one end of a trip: a street address plus its coordinate.
type Stop struct {
	Address      string `json:"address" bson:"address"`
	Coord        Coord  `json:"coord" bson:"coord"`
	Landmark     string `json:"landmark,omitempty" bson:"landmark,omitempty"`
	Instructions string `json:"instructions,omitempty" bson:"instructions,omitempty"`
}

type VehicleType string

const (
	VehicleMiniTruck  VehicleType = "mini-truck"
	VehiclePickup     VehicleType = "pickup"
	VehicleLargeTruck VehicleType = "large-truck"
	VehicleTrailer    VehicleType = "trailer"
)

type BookingStatus string

const (
	BookingPending        BookingStatus = "pending"
	BookingConfirmed      BookingStatus = "confirmed" // legacy alias for driver_assigned
	BookingDriverAssigned BookingStatus = "driver_assigned"
	BookingInProgress     BookingStatus = "in_progress"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingExpired        BookingStatus = "expired"
)

// FareBreakdown components are in the smallest currency unit (paise for
// INR). Total is always recomputed as the sum of the other components.
type FareBreakdown struct {
	Base     int64  `json:"base" bson:"base"`
	Distance int64  `json:"distance" bson:"distance"`
	Time     int64  `json:"time" bson:"time"`
	Surge    int64  `json:"surge" bson:"surge"`
	Total    int64  `json:"total" bson:"total"`
	Currency string `json:"currency" bson:"currency"`
}

type TimelineEntry struct {
	Status   BookingStatus `json:"status" bson:"status"`
	At       time.Time     `json:"at" bson:"at"`
	Location *Coord        `json:"location,omitempty" bson:"location,omitempty"`
	Note     string        `json:"note,omitempty" bson:"note,omitempty"`
}

type LocationSample struct {
	Coord Coord     `json:"coord" bson:"coord"`
	At    time.Time `json:"at" bson:"at"`
}

type DriverAssignment struct {
	AssignedAt  *time.Time       `json:"assigned_at,omitempty" bson:"assigned_at,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Route       []LocationSample `json:"route,omitempty" bson:"route,omitempty"`
}

type Cancellation struct {
	By     string    `json:"by" bson:"by"` // customer, driver or admin
	Reason string    `json:"reason,omitempty" bson:"reason,omitempty"`
	At     time.Time `json:"at" bson:"at"`
}

type Rating struct {
	Stars   int       `json:"stars" bson:"stars"`
	Comment string    `json:"comment,omitempty" bson:"comment,omitempty"`
	At      time.Time `json:"at" bson:"at"`
}

type Booking struct {
	ID          string        `json:"id" bson:"_id"`
	CustomerID  string        `json:"customer_id" bson:"customer_id"`
	DriverID    string        `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	Status      BookingStatus `json:"status" bson:"status"`
	VehicleType VehicleType   `json:"vehicle_type" bson:"vehicle_type"`
	Pickup      Stop          `json:"pickup" bson:"pickup"`
	Drop        Stop          `json:"drop" bson:"drop"`

	DistanceKm  float64       `json:"distance_km" bson:"distance_km"`
	DurationMin float64       `json:"duration_min" bson:"duration_min"`
	Fare        FareBreakdown `json:"fare" bson:"fare"`

	Timeline   []TimelineEntry  `json:"timeline" bson:"timeline"`
	Assignment DriverAssignment `json:"assignment" bson:"assignment"`

	Cancellation   *Cancellation `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	CustomerRating *Rating       `json:"customer_rating,omitempty" bson:"customer_rating,omitempty"`
	DriverRating   *Rating       `json:"driver_rating,omitempty" bson:"driver_rating,omitempty"`

	// RetryCount tracks decline-triggered returns to pending.
	RetryCount int       `json:"retry_count" bson:"retry_count"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// Terminal reports whether the booking can take no further transitions.
func (b *Booking) Terminal() bool {
	switch b.Status {
	case BookingCompleted, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentRefunded   PaymentStatus = "refunded"
)

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementProcessed SettlementStatus = "processed"
	SettlementFailed    SettlementStatus = "failed"
)

type Commission struct {
	Platform int64 `json:"platform" bson:"platform"`
	Driver   int64 `json:"driver" bson:"driver"`
}

type Refund struct {
	Amount     int64     `json:"amount" bson:"amount"`
	Reason     string    `json:"reason,omitempty" bson:"reason,omitempty"`
	GatewayRef string    `json:"gateway_ref,omitempty" bson:"gateway_ref,omitempty"`
	At         time.Time `json:"at" bson:"at"`
}

type Settlement struct {
	Status      SettlementStatus `json:"status" bson:"status"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
}

type PaymentEvent struct {
	Status PaymentStatus `json:"status" bson:"status"`
	At     time.Time     `json:"at" bson:"at"`
	Note   string        `json:"note,omitempty" bson:"note,omitempty"`
}

type Payment struct {
	ID         string `json:"id" bson:"_id"`
	BookingID  string `json:"booking_id" bson:"booking_id"`
	CustomerID string `json:"customer_id" bson:"customer_id"`
	DriverID   string `json:"driver_id,omitempty" bson:"driver_id,omitempty"`

	Amount   int64  `json:"amount" bson:"amount"`
	Currency string `json:"currency" bson:"currency"`
	Method   string `json:"method" bson:"method"`
	Gateway  string `json:"gateway" bson:"gateway"`

	Status PaymentStatus `json:"status" bson:"status"`

	// GatewayRef and GatewayDetails are opaque to the ledger; only
	// their presence is ever inspected.
	GatewayRef     string            `json:"gateway_ref,omitempty" bson:"gateway_ref,omitempty"`
	GatewayDetails map[string]string `json:"gateway_details,omitempty" bson:"gateway_details,omitempty"`

	Commission *Commission    `json:"commission,omitempty" bson:"commission,omitempty"`
	Refund     *Refund        `json:"refund,omitempty" bson:"refund,omitempty"`
	Settlement Settlement     `json:"settlement" bson:"settlement"`
	Timeline   []PaymentEvent `json:"timeline" bson:"timeline"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// DriverState is the live geo-index entry for one driver. It is not an
// audit record; Booking.Timeline is the authoritative history.
type DriverState struct {
	DriverID    string      `json:"driver_id"`
	Loc         Coord       `json:"loc"`
	VehicleType VehicleType `json:"vehicle_type"`
	Available   bool        `json:"available"`
	KYCVerified bool        `json:"kyc_verified"`
	Updated     time.Time   `json:"updated"`
}

// Offer is what a candidate driver sees for a pending booking.
type Offer struct {
	BookingID   string      `json:"booking_id"`
	DriverID    string      `json:"driver_id"`
	VehicleType VehicleType `json:"vehicle_type"`
	Pickup      Stop        `json:"pickup"`
	Drop        Stop        `json:"drop"`
	FareTotal   int64       `json:"fare_total"`
	Currency    string      `json:"currency"`
	ExpiresAt   time.Time   `json:"expires_at"`
}
