package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "bookings_created_total", Help: "Total bookings created"})
	BookingsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "bookings_completed_total", Help: "Total bookings completed"})
	BookingsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "bookings_cancelled_total", Help: "Total bookings cancelled"})
	BookingsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "bookings_expired_total", Help: "Total bookings expired with no driver"})

	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "offers_sent_total", Help: "Total offers sent to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "offers_declined_total", Help: "Total offers declined"})
	OfferTimeouts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "offer_timeouts_total", Help: "Total offers that timed out"})

	PaymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "payments_completed_total", Help: "Total payments captured"})
	PaymentsFailed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "payments_failed_total", Help: "Total payments failed"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cargo_dispatch", Name: "drivers_online", Help: "Drivers currently reporting locations"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cargo_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cargo_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
