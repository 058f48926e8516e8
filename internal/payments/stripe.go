package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway implements Gateway on stripe-go PaymentIntents. Intents
// are created with capture_method=manual so funds are held until the
// payment is confirmed.
type StripeGateway struct{}

func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Verify captures the held intent and reports whether it ended in a
// capturable or succeeded state. The signature parameter is ignored;
// stripe-go authenticates with the API key.
func (s *StripeGateway) Verify(ctx context.Context, gatewayRef, signature string) (bool, error) {
	pi, err := paymentintent.Get(gatewayRef, nil)
	if err != nil {
		return false, err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return true, nil
	case stripe.PaymentIntentStatusRequiresCapture:
		if _, err := paymentintent.Capture(gatewayRef, nil); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (s *StripeGateway) Refund(ctx context.Context, gatewayRef string, amount int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(gatewayRef),
		Amount:        stripe.Int64(amount),
	}
	r, err := refund.New(params)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}
