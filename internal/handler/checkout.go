package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// ShippingOptions handles POST /api/checkout/shipping-options.
func (h *Handler) ShippingOptions(w http.ResponseWriter, r *http.Request) {
	var req shippingOptionsRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := h.svc.ShippingOptions(r.Context(), req.Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"options": toShippingOptions(opts)})
}

// PaymentMethods handles GET /api/checkout/payment-methods?country=XX.
func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.svc.PaymentMethods(r.Context(), r.URL.Query().Get("country"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"methods": toPaymentMethods(methods)})
}

// ApplyDiscount handles POST /api/checkout/discount.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req checkout.ApplyDiscountRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	app, err := h.svc.ApplyDiscount(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDiscount(app))
}

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateOrderRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.svc.CreateOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toOrder(o))
}

// OrderHistory handles GET /api/orders?email=.
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.OrderHistory(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]orderResponse, len(orders))
	for i := range orders {
		out[i] = toOrder(&orders[i])
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"orders": out})
}

// GetOrder handles GET /api/orders/{orderId}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.svc.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toOrder(o))
}

// ProcessPayment handles POST /api/payments?orderId=.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(r.URL.Query().Get("orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req processPaymentRequest
	if err := decode(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.ProcessPayment(r.Context(), payment.Request{
		OrderID:            id,
		Method:             order.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentType))),
		PaymentMethodToken: req.PaymentMethodID,
		SavePaymentMethod:  req.SavePaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPayment(res))
}

// SyncPayment handles POST /api/payments/sync?orderId=.
func (h *Handler) SyncPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(r.URL.Query().Get("orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.SyncPayment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPayment(res))
}

func parseOrderID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperr.Validation("orderId is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("orderId must be a valid UUID")
	}
	return id, nil
}
