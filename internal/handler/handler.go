// Package handler exposes the checkout service over HTTP.
package handler

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Service is the checkout service as seen by the HTTP layer.
type Service interface {
	ShippingOptions(ctx context.Context, addr order.Address) ([]checkout.ShippingOption, error)
	PaymentMethods(ctx context.Context, country string) ([]checkout.PaymentMethodOption, error)
	ApplyDiscount(ctx context.Context, req checkout.ApplyDiscountRequest) (discount.Application, error)
	CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (*order.Order, error)
	ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error)
	SyncPayment(ctx context.Context, orderID uuid.UUID) (*payment.Result, error)
	OrderHistory(ctx context.Context, email string) ([]order.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

var _ Service = (*checkout.Service)(nil)

// Handler serves the checkout API.
type Handler struct {
	svc Service
}

// New creates a Handler.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/checkout", func(r chi.Router) {
			r.Post("/shipping-options", h.ShippingOptions)
			r.Get("/payment-methods", h.PaymentMethods)
			r.Post("/discount", h.ApplyDiscount)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.OrderHistory)
			r.Get("/{orderId}", h.GetOrder)
		})
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.ProcessPayment)
			r.Post("/sync", h.SyncPayment)
		})
	})
}
