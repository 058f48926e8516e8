// Package httpapi exposes the booking, dispatch and payment surfaces
// over REST plus a driver websocket. Handlers translate domain errors to
// status codes; all business rules live below this layer.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cargo-dispatch/internal/booking"
	"github.com/example/cargo-dispatch/internal/config"
	"github.com/example/cargo-dispatch/internal/dispatch"
	"github.com/example/cargo-dispatch/internal/geo"
	"github.com/example/cargo-dispatch/internal/ingest"
	"github.com/example/cargo-dispatch/internal/models"
	"github.com/example/cargo-dispatch/internal/observability"
	"github.com/example/cargo-dispatch/internal/payments"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	geo      geo.Geo
	bookings *booking.Service
	coord    *dispatch.Coordinator
	ledger   *payments.Ledger
	kafka    *ingest.KafkaProducer
	wsreg    *dispatch.WSRegistry
	mux      *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, g geo.Geo, bookings *booking.Service, coord *dispatch.Coordinator, ledger *payments.Ledger, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		geo:      g,
		bookings: bookings,
		coord:    coord,
		ledger:   ledger,
		kafka:    kafka,
		wsreg:    wsreg,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/bookings/{id}/decline", s.handleDecline).Methods("POST")
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/bookings/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/bookings/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/bookings/{id}/rate", s.handleRate).Methods("POST")
	api.HandleFunc("/bookings/{id}/payment", s.handleGetPaymentByBooking).Methods("GET")

	api.HandleFunc("/payments/{id}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{id}/confirm", s.handleConfirmPayment).Methods("POST")
	api.HandleFunc("/payments/{id}/fail", s.handleFailPayment).Methods("POST")
	api.HandleFunc("/payments/{id}/refund", s.handleRefundPayment).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/payments/{id}/settlement", s.handleSettlement).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBookingRequest struct {
	CustomerID   string             `json:"customer_id"`
	VehicleType  models.VehicleType `json:"vehicle_type"`
	Pickup       models.Stop        `json:"pickup"`
	Drop         models.Stop        `json:"drop"`
	DemandFactor float64            `json:"demand_factor"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	b, err := s.bookings.Create(r.Context(), booking.CreateCommand{
		CustomerID:   req.CustomerID,
		VehicleType:  req.VehicleType,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		DemandFactor: req.DemandFactor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.BookingsCreated.Inc()

	// dispatch outlives the create request; bound it so an unmatchable
	// booking cannot pin a goroutine forever
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.coord.Dispatch(ctx, b.ID); err != nil && !errors.Is(err, dispatch.ErrNoDriversAvailable) {
			s.logger.Error("dispatch failed", "booking_id", b.ID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type driverActionRequest struct {
	DriverID string        `json:"driver_id"`
	Location *models.Coord `json:"location,omitempty"`
	Method   string        `json:"method,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	b, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	if err := s.coord.Decline(r.Context(), mux.Vars(r)["id"], req.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	b, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], req.By, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	b, err := s.coord.Start(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	b, pay, err := s.coord.Complete(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Method, req.Location)
	if err != nil && b == nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"booking": b}
	if pay != nil {
		resp["payment"] = pay
	}
	if err != nil {
		// trip completed but the payment could not be opened
		resp["payment_error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type rateRequest struct {
	Party   string `json:"party"` // "customer" or "driver"
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, booking.ErrValidation)
		return
	}
	if err := s.bookings.Rate(r.Context(), mux.Vars(r)["id"], req.Party, req.Stars, req.Comment); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetPaymentByBooking(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.GetByBooking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type confirmPaymentRequest struct {
	GatewayRef string `json:"gateway_ref"`
	Signature  string `json:"signature"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, payments.ErrValidation)
		return
	}
	p, err := s.ledger.Confirm(r.Context(), mux.Vars(r)["id"], req.GatewayRef, req.Signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleFailPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, payments.ErrValidation)
		return
	}
	p, err := s.ledger.MarkFailed(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, payments.ErrValidation)
		return
	}
	p, err := s.ledger.Refund(r.Context(), mux.Vars(r)["id"], req.Amount, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type settlementRequest struct {
	Outcome models.SettlementStatus `json:"outcome"`
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, payments.ErrValidation)
		return
	}
	p, err := s.ledger.MarkSettlement(r.Context(), mux.Vars(r)["id"], req.Outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverState
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.DriverID == "" {
		http.Error(w, "malformed driver state", http.StatusBadRequest)
		return
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(d); err != nil {
			s.logger.Warn("kafka publish failed, applying locally only", "driver_id", d.DriverID, "error", err)
		}
	}
	s.coord.RecordLocation(r.Context(), d)
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsreg.Add(id, conn)
	go s.readLoop(id, conn)
}

// readLoop drains the socket so pings are answered and the registry is
// cleaned up on disconnect.
func (s *Server) readLoop(id string, conn *websocket.Conn) {
	defer s.wsreg.Remove(id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without leaking internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, booking.ErrValidation), errors.Is(err, payments.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, payments.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrConflict),
		errors.Is(err, payments.ErrInvalidTransition), errors.Is(err, payments.ErrAlreadySettled),
		errors.Is(err, dispatch.ErrStaleAccept), errors.Is(err, dispatch.ErrStaleDecline):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrNoDriversAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrGateway):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
