package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// Status is the fulfilment status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// PaymentMethod selects the payment rail for an order.
type PaymentMethod string

const (
	PaymentCard PaymentMethod = "card"
	PaymentCOD  PaymentMethod = "cod"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentCard || m == PaymentCOD
}

// PaymentStatus tracks an order's payment through its rail.
//
// pending and failed accept a new dispatch. processing is held by an
// in-flight dispatch. requires_action waits for the customer to finish a
// processor challenge. paid and cod_pending are terminal for this service.
type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "pending"
	PaymentProcessing     PaymentStatus = "processing"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentPaid           PaymentStatus = "paid"
	PaymentCODPending     PaymentStatus = "cod_pending"
	PaymentFailed         PaymentStatus = "failed"
)

// Dispatchable reports whether a payment may be started from s.
func (s PaymentStatus) Dispatchable() bool {
	return s == PaymentPending || s == PaymentFailed
}

// FailureKind records why the last payment attempt failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureDeclined  FailureKind = "declined"
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	// FailureRejected marks a request the processor refused as invalid.
	FailureRejected FailureKind = "rejected"
	// FailureAmbiguous marks an attempt abandoned without a known outcome.
	FailureAmbiguous FailureKind = "ambiguous"
)

// Definitive reports whether the processor is known to have rejected the
// attempt. Only definitive failures start a fresh idempotency key.
func (k FailureKind) Definitive() bool {
	return k == FailureDeclined
}

var (
	// ErrNotFound is returned when an order id does not resolve.
	ErrNotFound = apperr.New(apperr.KindNotFound, "order_not_found", "order not found")
	// ErrStaleState is returned when a compare-and-swap update finds the
	// order in a different state than expected.
	ErrStaleState = apperr.New(apperr.KindConflict, "order_state_changed", "order was updated concurrently, retry the request")
	// ErrDuplicateNumber is returned by Repository.Create when the generated
	// order number is already taken.
	ErrDuplicateNumber = errors.New("order number already exists")
)

// Address is a structured postal address.
type Address struct {
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"max=100"`
	PostalCode string `json:"postalCode,omitempty" validate:"max=20"`
	Country    string `json:"country" validate:"required,len=2,alpha"`
	Phone      string `json:"phone,omitempty" validate:"max=32"`
}

// Item is a line item snapshot taken when the order was placed.
type Item struct {
	ID        uuid.UUID
	ProductID string
	Title     string
	SKU       string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// DiscountSnapshot records the discount applied to an order.
type DiscountSnapshot struct {
	Code   string
	Type   string
	Value  decimal.Decimal
	Amount decimal.Decimal
}

// Order is the order aggregate: the order record and its owned items.
type Order struct {
	ID     uuid.UUID
	Number string

	CustomerEmail string
	CustomerName  string
	CustomerPhone string

	Status        Status
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus

	// Subtotal is the goods amount after the discount.
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
	Currency string

	ShippingMethod  string
	ShippingAddress Address
	BillingAddress  *Address

	Discount *DiscountSnapshot

	ExternalPaymentRef    string
	PaymentAttempt        int
	PaymentFailure        FailureKind
	PaymentFailureMessage string

	Items []Item

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyKey returns the processor idempotency key of the current
// payment attempt.
func (o *Order) IdempotencyKey() string {
	if o.PaymentAttempt <= 1 {
		return o.ID.String()
	}
	return fmt.Sprintf("%s-%d", o.ID, o.PaymentAttempt)
}

// NextAttempt returns the attempt number a new dispatch should use. The
// counter moves only when the previous attempt was definitively declined, so
// a retry after a timeout reuses the previous key.
func (o *Order) NextAttempt() int {
	if o.PaymentAttempt == 0 || o.PaymentFailure.Definitive() {
		return o.PaymentAttempt + 1
	}
	return o.PaymentAttempt
}

// PaymentUpdate describes a payment state transition. Zero fields are left
// unchanged, except the failure fields which are always written.
type PaymentUpdate struct {
	Status         Status
	PaymentStatus  PaymentStatus
	ExternalRef    string
	Attempt        int
	Failure        FailureKind
	FailureMessage string
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists the order and its items in one transaction. When the
	// order carries a discount snapshot the code's usage counter is
	// incremented in the same transaction.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListByEmail(ctx context.Context, email string) ([]Order, error)
	// UpdatePayment applies upd only if the order's payment status is one of
	// expected, and returns the updated order. It returns ErrStaleState when
	// no row matched.
	UpdatePayment(ctx context.Context, id uuid.UUID, expected []PaymentStatus, upd PaymentUpdate) (*Order, error)
	// ListByPaymentStatus returns orders in status whose last update is older
	// than before, oldest first.
	ListByPaymentStatus(ctx context.Context, status PaymentStatus, before time.Time, limit int) ([]Order, error)
}
