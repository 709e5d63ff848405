// Package events publishes order and payment lifecycle events for
// downstream consumers such as notification delivery and fulfilment.
package events

import (
	"context"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Event types.
const (
	OrderCreated          = "order.created"
	PaymentSucceeded      = "payment.succeeded"
	PaymentRequiresAction = "payment.requires_action"
	PaymentFailed         = "payment.failed"
	PaymentCODConfirmed   = "payment.cod_confirmed"
)

// Event is a lifecycle notification about one order.
type Event struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber"`
	CustomerEmail string    `json:"customerEmail,omitempty"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	PaymentMethod string    `json:"paymentMethod"`
	Total         string    `json:"total"`
	Currency      string    `json:"currency"`
	Reference     string    `json:"reference,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// ForOrder builds an event of type typ from the current state of o.
func ForOrder(typ string, o *order.Order, now time.Time) Event {
	return Event{
		Type:          typ,
		OrderID:       o.ID.String(),
		OrderNumber:   o.Number,
		CustomerEmail: o.CustomerEmail,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		PaymentMethod: string(o.PaymentMethod),
		Total:         o.Total.StringFixed(2),
		Currency:      o.Currency,
		Reference:     o.ExternalPaymentRef,
		Reason:        o.PaymentFailureMessage,
		OccurredAt:    now.UTC(),
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

var _ Publisher = Nop{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
