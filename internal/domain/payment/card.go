package payment

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// CardConfig configures the card rail.
type CardConfig struct {
	// BillingCurrency is charged when the order currency is not supported.
	BillingCurrency string
	// Currencies lists the currencies the processor accepts.
	Currencies []string
	// Timeout bounds each processor call.
	Timeout time.Duration
}

// CardRail pays orders through an external card processor.
type CardRail struct {
	processor Processor
	billing   string
	supported map[string]struct{}
	timeout   time.Duration
}

var (
	_ Rail      = (*CardRail)(nil)
	_ Refresher = (*CardRail)(nil)
)

// NewCardRail creates a CardRail.
func NewCardRail(p Processor, cfg CardConfig) *CardRail {
	supported := make(map[string]struct{}, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		supported[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	billing := strings.ToLower(cfg.BillingCurrency)
	if billing == "" {
		billing = "usd"
	}
	supported[billing] = struct{}{}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	return &CardRail{
		processor: p,
		billing:   billing,
		supported: supported,
		timeout:   cfg.Timeout,
	}
}

// Method implements Rail.
func (r *CardRail) Method() order.PaymentMethod { return order.PaymentCard }

// Check implements Rail.
func (r *CardRail) Check(_ *order.Order, req Request) error {
	if strings.TrimSpace(req.PaymentMethodToken) == "" {
		return ErrMissingPaymentToken
	}
	return nil
}

// currencyFor returns the currency to charge for an order currency and
// whether the billing currency fallback was used.
func (r *CardRail) currencyFor(orderCurrency string) (string, bool) {
	c := strings.ToLower(orderCurrency)
	if _, ok := r.supported[c]; ok {
		return c, false
	}
	return r.billing, true
}

// Pay implements Rail.
func (r *CardRail) Pay(ctx context.Context, o *order.Order, req Request) (*Outcome, error) {
	lg := zctx.From(ctx)

	currency, fallback := r.currencyFor(o.Currency)
	if fallback {
		lg.Warn("Order currency not supported by processor, charging billing currency",
			zap.String("order_currency", o.Currency),
			zap.String("billing_currency", currency),
		)
	}
	charged := &Charged{
		AmountMinor:   MinorUnits(o.Total, currency),
		Currency:      currency,
		Fallback:      fallback,
		OrderCurrency: o.Currency,
	}

	if charged.AmountMinor <= 0 {
		return &Outcome{
			Status:        order.StatusConfirmed,
			PaymentStatus: order.PaymentPaid,
			RailStatus:    string(ChargeSucceeded),
			Message:       "Nothing to charge",
			Charge:        charged,
		}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	charge, err := r.processor.CreateAndConfirm(callCtx, ChargeRequest{
		AmountMinor:        charged.AmountMinor,
		Currency:           currency,
		PaymentMethodToken: req.PaymentMethodToken,
		SavePaymentMethod:  req.SavePaymentMethod,
		IdempotencyKey:     o.IdempotencyKey(),
		Description:        "Order " + o.Number,
		Metadata: map[string]string{
			"order_id":     o.ID.String(),
			"order_number": o.Number,
		},
	})
	if err != nil {
		return nil, classify(callCtx, err)
	}

	out, err := outcomeOf(charge)
	if err != nil {
		return nil, err
	}
	out.Charge = charged
	return out, nil
}

// Refresh implements Refresher by looking up the order's payment intent.
func (r *CardRail) Refresh(ctx context.Context, o *order.Order) (*Outcome, error) {
	if o.ExternalPaymentRef == "" {
		return nil, ErrNothingToSync
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	charge, err := r.processor.Retrieve(callCtx, o.ExternalPaymentRef)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	return outcomeOf(charge)
}

func outcomeOf(c *Charge) (*Outcome, error) {
	switch c.Status {
	case ChargeSucceeded:
		return &Outcome{
			Status:        order.StatusConfirmed,
			PaymentStatus: order.PaymentPaid,
			RailStatus:    string(ChargeSucceeded),
			ExternalRef:   c.IntentID,
			Message:       "Payment succeeded",
		}, nil
	case ChargeRequiresAction, ChargeProcessing:
		return &Outcome{
			Status:        order.StatusPending,
			PaymentStatus: order.PaymentRequiresAction,
			RailStatus:    string(ChargeRequiresAction),
			ExternalRef:   c.IntentID,
			ClientSecret:  c.ClientSecret,
			Message:       "Additional authentication is required to complete the payment",
		}, nil
	default:
		reason := c.FailureReason
		if reason == "" {
			reason = "Your card was declined"
		}
		return nil, ErrDeclined.With(reason)
	}
}

// classify maps a processor error to the payment error taxonomy.
func classify(ctx context.Context, err error) error {
	var decline *DeclineError
	if errors.As(err, &decline) {
		msg := decline.Message
		if msg == "" {
			msg = ErrDeclined.Message
		}
		return ErrDeclined.With(msg).Wrap(err)
	}
	if errors.Is(err, ErrKeyReused) {
		return ErrAttemptUnsettled.Wrap(err)
	}
	var reject *RejectError
	if errors.As(err, &reject) {
		if reject.Message == "" {
			return ErrRejected.Wrap(err)
		}
		return ErrRejected.With(reject.Message).Wrap(err)
	}

	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout.Wrap(err)
	}

	return ErrProcessorUnavailable.Wrap(err)
}
