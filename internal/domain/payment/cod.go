package payment

import (
	"context"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// CODRail confirms orders for cash on delivery. It makes no external call.
type CODRail struct {
	policy order.CODPolicy
}

var _ Rail = (*CODRail)(nil)

// NewCODRail creates a CODRail enforcing policy.
func NewCODRail(policy order.CODPolicy) *CODRail {
	return &CODRail{policy: policy}
}

// Method implements Rail.
func (r *CODRail) Method() order.PaymentMethod { return order.PaymentCOD }

// Check implements Rail.
func (r *CODRail) Check(o *order.Order, _ Request) error {
	if !r.policy.Eligible(o.ShippingAddress.Country) {
		return order.ErrPaymentMethodNotEligible
	}
	return nil
}

// Pay implements Rail.
func (r *CODRail) Pay(context.Context, *order.Order, Request) (*Outcome, error) {
	return &Outcome{
		Status:        order.StatusConfirmed,
		PaymentStatus: order.PaymentCODPending,
		RailStatus:    string(order.PaymentCODPending),
		Message:       "Payment will be collected on delivery",
	}, nil
}
