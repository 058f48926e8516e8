package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/cargo-dispatch/internal/models"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore is the document store of record. Transitions rely on
// UpdateOne filtered by the expected current status, so the status CAS
// and the timeline $push land in one atomic document update.
type MongoStore struct {
	bookings *mongo.Collection
	payments *mongo.Collection
}

func NewMongoStore(uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(dbName)
	return &MongoStore{
		bookings: db.Collection("bookings"),
		payments: db.Collection("payments"),
	}, nil
}

func (s *MongoStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if _, err := s.bookings.InsertOne(ctx, b); err != nil {
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

func (s *MongoStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var b models.Booking
	err := s.bookings.FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return &b, nil
}

func (s *MongoStore) UpdateBookingStatus(ctx context.Context, id string, upd BookingStatusUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	set := bson.M{
		"status":     upd.To,
		"updated_at": upd.Entry.At,
	}
	if upd.Driver != nil {
		set["driver_id"] = *upd.Driver
	}
	if upd.Cancellation != nil {
		set["cancellation"] = upd.Cancellation
	}
	switch upd.To {
	case models.BookingDriverAssigned:
		set["assignment.assigned_at"] = upd.Entry.At
	case models.BookingInProgress:
		set["assignment.started_at"] = upd.Entry.At
	case models.BookingCompleted:
		set["assignment.completed_at"] = upd.Entry.At
	}

	update := bson.M{
		"$set":  set,
		"$push": bson.M{"timeline": upd.Entry},
	}
	if upd.IncRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}

	res, err := s.bookings.UpdateOne(ctx, bson.M{"_id": id, "status": upd.From}, update)
	if err != nil {
		return false, fmt.Errorf("update booking %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		// distinguish missing booking from a lost CAS race
		if n, err := s.bookings.CountDocuments(ctx, bson.M{"_id": id}); err == nil && n == 0 {
			return false, fmt.Errorf("booking %s: %w", id, ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) AppendRouteSample(ctx context.Context, id string, sample models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	// filter keeps the route time-ordered: append only when the last
	// stored sample is not newer
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"assignment.route": bson.M{"$size": 0}},
			bson.M{"assignment.route": bson.M{"$exists": false}},
			bson.M{"assignment.route": bson.M{"$not": bson.M{"$elemMatch": bson.M{"at": bson.M{"$gt": sample.At}}}}},
		},
	}
	_, err := s.bookings.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"assignment.route": sample}})
	if err != nil {
		return fmt.Errorf("append route sample %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) SetRating(ctx context.Context, id, party string, r models.Rating) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var field string
	switch party {
	case "customer":
		field = "customer_rating"
	case "driver":
		field = "driver_rating"
	default:
		return fmt.Errorf("unknown rating party %q", party)
	}
	// set-once: only when the field is still absent
	filter := bson.M{"_id": id, field: bson.M{"$exists": false}}
	_, err := s.bookings.UpdateOne(ctx, filter, bson.M{"$set": bson.M{field: r}})
	if err != nil {
		return fmt.Errorf("set %s rating %s: %w", party, id, err)
	}
	return nil
}

func (s *MongoStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if _, err := s.payments.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *MongoStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var p models.Payment
	err := s.payments.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &p, nil
}

func (s *MongoStore) GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	var p models.Payment
	err := s.payments.FindOne(ctx, bson.M{"booking_id": bookingID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("payment for booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment for booking %s: %w", bookingID, err)
	}
	return &p, nil
}

func (s *MongoStore) UpdatePaymentStatus(ctx context.Context, id string, upd PaymentStatusUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	set := bson.M{
		"status":     upd.To,
		"updated_at": upd.Entry.At,
	}
	if upd.Commission != nil {
		set["commission"] = upd.Commission
	}
	if upd.Refund != nil {
		set["refund"] = upd.Refund
	}
	if upd.GatewayRef != "" {
		set["gateway_ref"] = upd.GatewayRef
	}
	for k, v := range upd.GatewayDetails {
		set["gateway_details."+k] = v
	}

	res, err := s.payments.UpdateOne(ctx,
		bson.M{"_id": id, "status": upd.From},
		bson.M{"$set": set, "$push": bson.M{"timeline": upd.Entry}},
	)
	if err != nil {
		return false, fmt.Errorf("update payment %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		if n, err := s.payments.CountDocuments(ctx, bson.M{"_id": id}); err == nil && n == 0 {
			return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) UpdateSettlement(ctx context.Context, id string, from, to models.SettlementStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	now := time.Now()
	set := bson.M{"settlement.status": to, "updated_at": now}
	if to == models.SettlementProcessed {
		set["settlement.processed_at"] = now
	}
	res, err := s.payments.UpdateOne(ctx,
		bson.M{"_id": id, "settlement.status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("update settlement %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		if n, err := s.payments.CountDocuments(ctx, bson.M{"_id": id}); err == nil && n == 0 {
			return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}
