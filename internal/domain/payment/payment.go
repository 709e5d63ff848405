// Package payment dispatches order payments to payment rails and reconciles
// rail outcomes back into order state.
package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

var (
	// ErrMissingPaymentToken is returned for a card payment without a
	// payment method token.
	ErrMissingPaymentToken = apperr.New(apperr.KindValidation, "missing_payment_token", "payment method token is required for card payments")
	// ErrUnsupportedMethod is returned when no rail serves the payment method.
	ErrUnsupportedMethod = apperr.New(apperr.KindValidation, "unsupported_payment_method", "payment method is not supported")
	// ErrMethodMismatch is returned when the requested payment type differs
	// from the method the order was priced for.
	ErrMethodMismatch = apperr.New(apperr.KindBusinessRule, "payment_method_mismatch", "payment type does not match the payment method chosen at checkout")
	// ErrAlreadyPaid is returned when dispatching a paid order.
	ErrAlreadyPaid = apperr.New(apperr.KindConflict, "already_paid", "order has already been paid")
	// ErrAlreadyConfirmed is returned when dispatching an order already
	// confirmed for cash on delivery.
	ErrAlreadyConfirmed = apperr.New(apperr.KindConflict, "already_confirmed", "order is already confirmed for cash on delivery")
	// ErrInProgress is returned while another dispatch holds the order.
	ErrInProgress = apperr.New(apperr.KindConflict, "payment_in_progress", "a payment for this order is already in progress")
	// ErrRequiresAction is returned when dispatching an order whose payment
	// waits for customer authentication.
	ErrRequiresAction = apperr.New(apperr.KindConflict, "payment_requires_action", "payment is awaiting customer authentication")
	// ErrNothingToSync is returned when syncing an order that has no
	// outstanding processor payment.
	ErrNothingToSync = apperr.New(apperr.KindConflict, "payment_not_pending", "order has no payment awaiting confirmation")
	// ErrOrderCancelled is returned when dispatching a cancelled order.
	ErrOrderCancelled = apperr.New(apperr.KindConflict, "order_cancelled", "order has been cancelled")

	// ErrDeclined is returned when the processor refuses the payment. The
	// message is replaced by the processor's explanation where available.
	ErrDeclined = apperr.New(apperr.KindExternalService, "payment_declined", "payment was declined")
	// ErrRejected is returned when the processor refuses the payment request
	// itself, for example an unknown payment method token.
	ErrRejected = apperr.New(apperr.KindBusinessRule, "payment_rejected", "payment request was rejected by the processor")
	// ErrAttemptUnsettled is returned when the processor still holds the
	// previous attempt under the order's idempotency key.
	ErrAttemptUnsettled = apperr.New(apperr.KindConflict, "payment_attempt_unsettled", "the previous payment attempt is still being settled, retry with the same payment method")
	// ErrTimeout is returned when the processor does not answer in time.
	ErrTimeout = apperr.New(apperr.KindExternalService, "payment_timeout", "payment processor did not respond in time, retry the payment")
	// ErrProcessorUnavailable is returned for transport failures.
	ErrProcessorUnavailable = apperr.New(apperr.KindExternalService, "processor_unavailable", "payment processor is unavailable, retry the payment")
)

// Request asks to pay for an order.
type Request struct {
	OrderID uuid.UUID
	// Method optionally names the payment type; empty uses the order's method.
	Method             order.PaymentMethod
	PaymentMethodToken string
	SavePaymentMethod  bool
}

// Outcome is what a rail reports for a payment it handled.
type Outcome struct {
	Status        order.Status
	PaymentStatus order.PaymentStatus
	// RailStatus is the rail-level status reported to the caller.
	RailStatus   string
	ExternalRef  string
	ClientSecret string
	Message      string
	Charge       *Charged
}

// Charged describes the amount sent to a processor.
type Charged struct {
	AmountMinor int64
	Currency    string
	// Fallback is set when the order currency was not supported and the
	// processor billing currency was used instead.
	Fallback      bool
	OrderCurrency string
}

// Result is the outcome of a dispatch as seen by the caller.
type Result struct {
	OrderID         uuid.UUID
	OrderNumber     string
	Method          order.PaymentMethod
	Status          string
	OrderStatus     order.Status
	PaymentStatus   order.PaymentStatus
	PaymentIntentID string
	ClientSecret    string
	Message         string
	Charge          *Charged
}

// Rail settles payments for one payment method.
type Rail interface {
	Method() order.PaymentMethod
	// Check validates a request against the order without side effects.
	Check(o *order.Order, req Request) error
	// Pay performs the payment. Errors are classified *apperr.Error values.
	Pay(ctx context.Context, o *order.Order, req Request) (*Outcome, error)
}

// Refresher is implemented by rails whose payments can be left awaiting
// customer action and later looked up.
type Refresher interface {
	Refresh(ctx context.Context, o *order.Order) (*Outcome, error)
}
