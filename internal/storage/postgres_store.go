package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/cargo-dispatch/internal/models"
)

// PostgresStore is the relational alternative to MongoStore. The status
// CAS is a conditional UPDATE; the timeline row is written in the same
// transaction so a lost race never leaves a partial audit entry.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings(
			id, customer_id, driver_id, status, vehicle_type,
			pickup_address, pickup_lat, pickup_lng,
			drop_address, drop_lat, drop_lng,
			distance_km, duration_min,
			fare_base, fare_distance, fare_time, fare_surge, fare_total, fare_currency,
			retry_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		b.ID, b.CustomerID, b.DriverID, b.Status, b.VehicleType,
		b.Pickup.Address, b.Pickup.Coord.Lat, b.Pickup.Coord.Lng,
		b.Drop.Address, b.Drop.Coord.Lat, b.Drop.Coord.Lng,
		b.DistanceKm, b.DurationMin,
		b.Fare.Base, b.Fare.Distance, b.Fare.Time, b.Fare.Surge, b.Fare.Total, b.Fare.Currency,
		b.RetryCount, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	for _, e := range b.Timeline {
		if err := insertTimelineEntry(ctx, tx, b.ID, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertTimelineEntry(ctx context.Context, tx *sql.Tx, bookingID string, e models.TimelineEntry) error {
	var lat, lng sql.NullFloat64
	if e.Location != nil {
		lat = sql.NullFloat64{Float64: e.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: e.Location.Lng, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO booking_timeline(booking_id, status, at, lat, lng, note)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		bookingID, e.Status, e.At, lat, lng, e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, driver_id, status, vehicle_type,
		       pickup_address, pickup_lat, pickup_lng,
		       drop_address, drop_lat, drop_lng,
		       distance_km, duration_min,
		       fare_base, fare_distance, fare_time, fare_surge, fare_total, fare_currency,
		       retry_count, cancelled_by, cancel_reason, cancelled_at,
		       assigned_at, started_at, completed_at, created_at, updated_at
		FROM bookings WHERE id = $1`, id)

	var b models.Booking
	var cancelledBy, cancelReason sql.NullString
	var cancelledAt, assignedAt, startedAt, completedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.DriverID, &b.Status, &b.VehicleType,
		&b.Pickup.Address, &b.Pickup.Coord.Lat, &b.Pickup.Coord.Lng,
		&b.Drop.Address, &b.Drop.Coord.Lat, &b.Drop.Coord.Lng,
		&b.DistanceKm, &b.DurationMin,
		&b.Fare.Base, &b.Fare.Distance, &b.Fare.Time, &b.Fare.Surge, &b.Fare.Total, &b.Fare.Currency,
		&b.RetryCount, &cancelledBy, &cancelReason, &cancelledAt,
		&assignedAt, &startedAt, &completedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	if cancelledBy.Valid {
		b.Cancellation = &models.Cancellation{By: cancelledBy.String, Reason: cancelReason.String, At: cancelledAt.Time}
	}
	b.Assignment.AssignedAt = nullTimePtr(assignedAt)
	b.Assignment.StartedAt = nullTimePtr(startedAt)
	b.Assignment.CompletedAt = nullTimePtr(completedAt)

	if b.Timeline, err = p.bookingTimeline(ctx, id); err != nil {
		return nil, err
	}
	if b.Assignment.Route, err = p.bookingRoute(ctx, id); err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) bookingTimeline(ctx context.Context, id string) ([]models.TimelineEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, at, lat, lng, note FROM booking_timeline
		WHERE booking_id = $1 ORDER BY at, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("booking timeline %s: %w", id, err)
	}
	defer rows.Close()
	var out []models.TimelineEntry
	for rows.Next() {
		var e models.TimelineEntry
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&e.Status, &e.At, &lat, &lng, &e.Note); err != nil {
			return nil, err
		}
		if lat.Valid {
			e.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) bookingRoute(ctx context.Context, id string) ([]models.LocationSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT lat, lng, at FROM booking_route
		WHERE booking_id = $1 ORDER BY at, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("booking route %s: %w", id, err)
	}
	defer rows.Close()
	var out []models.LocationSample
	for rows.Next() {
		var s models.LocationSample
		if err := rows.Scan(&s.Coord.Lat, &s.Coord.Lng, &s.At); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateBookingStatus(ctx context.Context, id string, upd BookingStatusUpdate) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	retryInc := 0
	if upd.IncRetry {
		retryInc = 1
	}
	var cancelBy, cancelReason sql.NullString
	var cancelAt sql.NullTime
	if upd.Cancellation != nil {
		cancelBy = sql.NullString{String: upd.Cancellation.By, Valid: true}
		cancelReason = sql.NullString{String: upd.Cancellation.Reason, Valid: true}
		cancelAt = sql.NullTime{Time: upd.Cancellation.At, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1,
			updated_at = $2,
			driver_id = CASE WHEN $3::bool THEN $4 ELSE driver_id END,
			retry_count = retry_count + $5,
			cancelled_by = COALESCE(cancelled_by, $6),
			cancel_reason = COALESCE(cancel_reason, $7),
			cancelled_at = COALESCE(cancelled_at, $8),
			assigned_at  = CASE WHEN $1 = 'driver_assigned' THEN $2 ELSE assigned_at END,
			started_at   = CASE WHEN $1 = 'in_progress' THEN $2 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END
		WHERE id = $9 AND status = $10`,
		upd.To, upd.Entry.At,
		upd.Driver != nil, driverValue(upd.Driver),
		retryInc, cancelBy, cancelReason, cancelAt,
		id, upd.From,
	)
	if err != nil {
		return false, fmt.Errorf("update booking %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertTimelineEntry(ctx, tx, id, upd.Entry); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func driverValue(d *string) string {
	if d == nil {
		return ""
	}
	return *d
}

func (p *PostgresStore) AppendRouteSample(ctx context.Context, id string, s models.LocationSample) error {
	// the WHERE NOT EXISTS guard keeps the route time-ordered
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO booking_route(booking_id, lat, lng, at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM booking_route WHERE booking_id = $1 AND at > $4
		)`,
		id, s.Coord.Lat, s.Coord.Lng, s.At,
	)
	if err != nil {
		return fmt.Errorf("append route sample %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) SetRating(ctx context.Context, id, party string, r models.Rating) error {
	var col string
	switch party {
	case "customer":
		col = "customer_rating"
	case "driver":
		col = "driver_rating"
	default:
		return fmt.Errorf("unknown rating party %q", party)
	}
	b, _ := json.Marshal(r)
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE bookings SET %s = $1 WHERE id = $2 AND %s IS NULL`, col, col),
		b, id,
	)
	if err != nil {
		return fmt.Errorf("set %s rating %s: %w", party, id, err)
	}
	return nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *models.Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	details, _ := json.Marshal(pay.GatewayDetails)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments(
			id, booking_id, customer_id, driver_id,
			amount, currency, method, gateway, status,
			gateway_ref, gateway_details, settlement_status,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		pay.ID, pay.BookingID, pay.CustomerID, pay.DriverID,
		pay.Amount, pay.Currency, pay.Method, pay.Gateway, pay.Status,
		pay.GatewayRef, details, pay.Settlement.Status,
		pay.CreatedAt, pay.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	for _, e := range pay.Timeline {
		if err := insertPaymentEvent(ctx, tx, pay.ID, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertPaymentEvent(ctx context.Context, tx *sql.Tx, paymentID string, e models.PaymentEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events(payment_id, status, at, note)
		VALUES ($1,$2,$3,$4)`,
		paymentID, e.Status, e.At, e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return p.getPayment(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	return p.getPayment(ctx, `booking_id = $1`, bookingID)
}

func (p *PostgresStore) getPayment(ctx context.Context, where, arg string) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, booking_id, customer_id, driver_id,
		       amount, currency, method, gateway, status,
		       gateway_ref, gateway_details,
		       commission_platform, commission_driver,
		       refund_amount, refund_reason, refund_ref, refund_at,
		       settlement_status, settlement_processed_at,
		       created_at, updated_at
		FROM payments WHERE `+where, arg)

	var pay models.Payment
	var details []byte
	var commPlatform, commDriver, refundAmount sql.NullInt64
	var refundReason, refundRef sql.NullString
	var refundAt, settledAt sql.NullTime
	err := row.Scan(
		&pay.ID, &pay.BookingID, &pay.CustomerID, &pay.DriverID,
		&pay.Amount, &pay.Currency, &pay.Method, &pay.Gateway, &pay.Status,
		&pay.GatewayRef, &details,
		&commPlatform, &commDriver,
		&refundAmount, &refundReason, &refundRef, &refundAt,
		&pay.Settlement.Status, &settledAt,
		&pay.CreatedAt, &pay.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", arg, err)
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &pay.GatewayDetails)
	}
	if commPlatform.Valid {
		pay.Commission = &models.Commission{Platform: commPlatform.Int64, Driver: commDriver.Int64}
	}
	if refundAmount.Valid {
		pay.Refund = &models.Refund{
			Amount:     refundAmount.Int64,
			Reason:     refundReason.String,
			GatewayRef: refundRef.String,
			At:         refundAt.Time,
		}
	}
	pay.Settlement.ProcessedAt = nullTimePtr(settledAt)

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, at, note FROM payment_events
		WHERE payment_id = $1 ORDER BY at, seq`, pay.ID)
	if err != nil {
		return nil, fmt.Errorf("payment events %s: %w", pay.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.PaymentEvent
		if err := rows.Scan(&e.Status, &e.At, &e.Note); err != nil {
			return nil, err
		}
		pay.Timeline = append(pay.Timeline, e)
	}
	return &pay, rows.Err()
}

func (p *PostgresStore) UpdatePaymentStatus(ctx context.Context, id string, upd PaymentStatusUpdate) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var commPlatform, commDriver, refundAmount sql.NullInt64
	var refundReason, refundRef sql.NullString
	var refundAt sql.NullTime
	if upd.Commission != nil {
		commPlatform = sql.NullInt64{Int64: upd.Commission.Platform, Valid: true}
		commDriver = sql.NullInt64{Int64: upd.Commission.Driver, Valid: true}
	}
	if upd.Refund != nil {
		refundAmount = sql.NullInt64{Int64: upd.Refund.Amount, Valid: true}
		refundReason = sql.NullString{String: upd.Refund.Reason, Valid: true}
		refundRef = sql.NullString{String: upd.Refund.GatewayRef, Valid: true}
		refundAt = sql.NullTime{Time: upd.Refund.At, Valid: true}
	}
	var details []byte
	if upd.GatewayDetails != nil {
		details, _ = json.Marshal(upd.GatewayDetails)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1,
			updated_at = $2,
			gateway_ref = CASE WHEN $3 <> '' THEN $3 ELSE gateway_ref END,
			gateway_details = COALESCE($4, gateway_details),
			commission_platform = COALESCE(commission_platform, $5),
			commission_driver = COALESCE(commission_driver, $6),
			refund_amount = COALESCE(refund_amount, $7),
			refund_reason = COALESCE(refund_reason, $8),
			refund_ref = COALESCE(refund_ref, $9),
			refund_at = COALESCE(refund_at, $10)
		WHERE id = $11 AND status = $12`,
		upd.To, upd.Entry.At, upd.GatewayRef, details,
		commPlatform, commDriver,
		refundAmount, refundReason, refundRef, refundAt,
		id, upd.From,
	)
	if err != nil {
		return false, fmt.Errorf("update payment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertPaymentEvent(ctx, tx, id, upd.Entry); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) UpdateSettlement(ctx context.Context, id string, from, to models.SettlementStatus) (bool, error) {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			settlement_status = $1,
			settlement_processed_at = CASE WHEN $1 = 'processed' THEN $2 ELSE settlement_processed_at END,
			updated_at = $2
		WHERE id = $3 AND settlement_status = $4`,
		to, now, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update settlement %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
