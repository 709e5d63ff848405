// Package stripegw adapts the Stripe PaymentIntents API to payment.Processor.
package stripegw

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Config configures the Stripe client.
type Config struct {
	SecretKey string
	// APIURL overrides the API endpoint, e.g. for stripe-mock.
	APIURL string
	// Timeout bounds each HTTP round trip.
	Timeout        time.Duration
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Processor creates and looks up payment intents.
type Processor struct {
	api *client.API
}

var _ payment.Processor = (*Processor)(nil)

// New creates a Processor. The client never retries on its own; retries are
// the caller's decision.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var transportOpts []otelhttp.Option
	if cfg.TracerProvider != nil {
		transportOpts = append(transportOpts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		transportOpts = append(transportOpts, otelhttp.WithMeterProvider(cfg.MeterProvider))
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, transportOpts...),
	}

	backendConfig := func(url string) *stripe.BackendConfig {
		c := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     cfg.Logger.Named("stripe").Sugar(),
			EnableTelemetry:   stripe.Bool(false),
		}
		if url != "" {
			c.URL = stripe.String(url)
		}
		return c
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig(cfg.APIURL)),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig("")),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig("")),
	}
	return &Processor{api: client.New(cfg.SecretKey, backends)}
}

// CreateAndConfirm implements payment.Processor.
func (p *Processor) CreateAndConfirm(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodToken),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.SavePaymentMethod {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return chargeOf(pi), nil
}

// Retrieve implements payment.Processor.
func (p *Processor) Retrieve(ctx context.Context, intentID string) (*payment.Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return chargeOf(pi), nil
}

func chargeOf(pi *stripe.PaymentIntent) *payment.Charge {
	c := &payment.Charge{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     string(pi.Currency),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		c.Status = payment.ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		c.Status = payment.ChargeRequiresAction
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		c.Status = payment.ChargeProcessing
	default:
		c.Status = payment.ChargeFailed
		if pi.LastPaymentError != nil {
			c.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return c
}

// mapError keeps payment.DeclineError for issuer declines only. Invalid
// requests become payment.RejectError, idempotency conflicts
// payment.ErrKeyReused, and everything else a transport failure.
func mapError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return errors.Wrap(err, "stripe request")
	}
	switch se.Type {
	case stripe.ErrorTypeCard:
		return &payment.DeclineError{Code: string(se.Code), Message: se.Msg}
	case stripe.ErrorTypeIdempotency:
		return errors.Wrapf(payment.ErrKeyReused, "stripe: %s", se.Msg)
	case stripe.ErrorTypeInvalidRequest:
		return &payment.RejectError{Code: string(se.Code), Message: se.Msg}
	default:
		return errors.Wrapf(err, "stripe %s (status %d)", se.Type, se.HTTPStatusCode)
	}
}
