package payment

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ChargeStatus is a processor payment status mapped to the states this
// service distinguishes.
type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeRequiresAction ChargeStatus = "requires_action"
	ChargeProcessing     ChargeStatus = "processing"
	ChargeFailed         ChargeStatus = "failed"
)

// ChargeRequest creates and confirms a payment in one call.
type ChargeRequest struct {
	AmountMinor        int64
	Currency           string
	PaymentMethodToken string
	SavePaymentMethod  bool
	IdempotencyKey     string
	Description        string
	Metadata           map[string]string
}

// Charge is the processor's view of a payment intent.
type Charge struct {
	IntentID      string
	ClientSecret  string
	Status        ChargeStatus
	AmountMinor   int64
	Currency      string
	FailureReason string
}

// Processor is an external card payment processor.
type Processor interface {
	CreateAndConfirm(ctx context.Context, req ChargeRequest) (*Charge, error)
	Retrieve(ctx context.Context, intentID string) (*Charge, error)
}

// ErrKeyReused is returned by a Processor when an idempotency key already
// belongs to a request with different parameters, or to a request that is
// still executing. The original attempt may have charged the customer.
var ErrKeyReused = errors.New("idempotency key reused")

// DeclineError is returned by a Processor when the card issuer refused the
// payment. Nothing was charged under the request's idempotency key.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return "declined: " + e.Message
	}
	return "declined (" + e.Code + "): " + e.Message
}

// RejectError is returned by a Processor that refused a request as invalid,
// for example an unknown payment method token.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	if e.Code == "" {
		return "rejected: " + e.Message
	}
	return "rejected (" + e.Code + "): " + e.Message
}

var (
	zeroDecimalCurrencies = map[string]struct{}{
		"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
		"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
	}
	threeDecimalCurrencies = map[string]struct{}{
		"bhd": {}, "jod": {}, "kwd": {}, "omr": {}, "tnd": {},
	}
)

// MinorUnits converts amount to the integer minor unit of currency.
// Three-decimal currencies are rounded to a multiple of ten, which is what
// card processors accept for them.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	c := strings.ToLower(currency)
	if _, ok := zeroDecimalCurrencies[c]; ok {
		return amount.Round(0).IntPart()
	}
	if _, ok := threeDecimalCurrencies[c]; ok {
		return amount.Shift(2).Round(0).IntPart() * 10
	}
	return amount.Shift(2).Round(0).IntPart()
}
