// Package sandbox implements an in-process card processor for local runs.
//
// Outcomes are selected by the payment method token, mirroring the test
// tokens of hosted processors:
//
//	pm_card_visa                    succeeds
//	pm_card_chargeDeclined          declined
//	pm_card_insufficientFunds       returns a failed intent
//	pm_card_threeDSecure2Required   requires action; Authenticate settles it
//	pm_card_timeout                 charges, then hangs until the caller gives up
//
// Any other token succeeds. Requests are deduplicated by idempotency key; a
// key reused with a different amount, currency or token fails with
// payment.ErrKeyReused.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Test tokens.
const (
	TokenSuccess           = "pm_card_visa"
	TokenDeclined          = "pm_card_chargeDeclined"
	TokenInsufficientFunds = "pm_card_insufficientFunds"
	TokenRequiresAction    = "pm_card_threeDSecure2Required"
	TokenTimeout           = "pm_card_timeout"
)

// Processor is the sandbox processor. The zero value is not usable; use New.
type Processor struct {
	mu      sync.RWMutex
	byKey   map[string]keyed
	byID    map[string]*payment.Charge
	charges int
}

var _ payment.Processor = (*Processor)(nil)

// New creates an empty sandbox processor.
func New() *Processor {
	return &Processor{
		byKey: make(map[string]keyed),
		byID:  make(map[string]*payment.Charge),
	}
}

// CreateAndConfirm implements payment.Processor.
func (p *Processor) CreateAndConfirm(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	if req.AmountMinor <= 0 {
		return nil, &payment.RejectError{Code: "amount_too_small", Message: "Amount must be greater than zero."}
	}

	p.mu.RLock()
	prev, ok := p.byKey[req.IdempotencyKey]
	p.mu.RUnlock()
	if ok && req.IdempotencyKey != "" {
		if prev.params != paramsOf(req) {
			return nil, errors.Wrap(payment.ErrKeyReused, "sandbox: keys must be reused with the same parameters")
		}
		c := *prev.charge
		return &c, nil
	}

	id := "pi_" + uuid.NewString()
	c := &payment.Charge{
		IntentID:     id,
		ClientSecret: id + "_secret",
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Status:       payment.ChargeSucceeded,
	}

	switch req.PaymentMethodToken {
	case TokenDeclined:
		return nil, &payment.DeclineError{Code: "card_declined", Message: "Your card was declined."}
	case TokenInsufficientFunds:
		c.Status = payment.ChargeFailed
		c.FailureReason = "Your card has insufficient funds."
	case TokenRequiresAction:
		c.Status = payment.ChargeRequiresAction
	}

	p.record(req.IdempotencyKey, paramsOf(req), c)

	if req.PaymentMethodToken == TokenTimeout {
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "sandbox: waiting for response")
	}

	out := *c
	return &out, nil
}

// Retrieve implements payment.Processor.
func (p *Processor) Retrieve(_ context.Context, intentID string) (*payment.Charge, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byID[intentID]
	if !ok {
		return nil, &payment.RejectError{Code: "resource_missing", Message: fmt.Sprintf("No such payment intent: %s", intentID)}
	}
	out := *c
	return &out, nil
}

// Authenticate completes the customer challenge of an intent awaiting
// action, successfully or not.
func (p *Processor) Authenticate(intentID string, ok bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, found := p.byID[intentID]
	if !found {
		return errors.Errorf("sandbox: unknown intent %s", intentID)
	}
	if c.Status != payment.ChargeRequiresAction {
		return errors.Errorf("sandbox: intent %s is %s", intentID, c.Status)
	}
	if ok {
		c.Status = payment.ChargeSucceeded
		return nil
	}
	c.Status = payment.ChargeFailed
	c.FailureReason = "We are unable to authenticate your payment method."
	return nil
}

// Charges returns how many intents were created.
func (p *Processor) Charges() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.charges
}

func (p *Processor) record(key string, params params, c *payment.Charge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != "" {
		p.byKey[key] = keyed{params: params, charge: c}
	}
	p.byID[c.IntentID] = c
	p.charges++
}

// params identifies the request an idempotency key was first used with.
type params struct {
	amount   int64
	currency string
	token    string
}

type keyed struct {
	params params
	charge *payment.Charge
}

func paramsOf(req payment.ChargeRequest) params {
	return params{amount: req.AmountMinor, currency: req.Currency, token: req.PaymentMethodToken}
}
