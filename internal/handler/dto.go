package handler

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// money renders an amount as a JSON number with two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

type shippingOptionsRequest struct {
	Address order.Address `json:"address"`
}

type shippingOption struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Price       json.Number `json:"price"`
	Currency    string      `json:"currency"`
}

type paymentMethodOption struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Fees        json.Number `json:"fees"`
	Supported   bool        `json:"supported"`
}

type discountResponse struct {
	DiscountCode   string      `json:"discountCode"`
	DiscountType   string      `json:"discountType"`
	DiscountValue  json.Number `json:"discountValue"`
	DiscountAmount json.Number `json:"discountAmount"`
	NewTotal       json.Number `json:"newTotal"`
}

type customerResponse struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type orderItemResponse struct {
	ID        string      `json:"id"`
	ProductID string      `json:"productId"`
	Title     string      `json:"title"`
	SKU       string      `json:"sku,omitempty"`
	UnitPrice json.Number `json:"unitPrice"`
	Quantity  int         `json:"quantity"`
	LineTotal json.Number `json:"lineTotal"`
}

type orderDiscountResponse struct {
	Code   string      `json:"code"`
	Type   string      `json:"type"`
	Value  json.Number `json:"value"`
	Amount json.Number `json:"amount"`
}

type orderResponse struct {
	ID                 string                 `json:"id"`
	OrderNumber        string                 `json:"orderNumber"`
	Customer           customerResponse       `json:"customer"`
	Status             string                 `json:"status"`
	PaymentMethod      string                 `json:"paymentMethod"`
	PaymentStatus      string                 `json:"paymentStatus"`
	Subtotal           json.Number            `json:"subtotal"`
	Tax                json.Number            `json:"tax"`
	Shipping           json.Number            `json:"shipping"`
	Total              json.Number            `json:"total"`
	Currency           string                 `json:"currency"`
	ShippingMethod     string                 `json:"shippingMethod"`
	ShippingAddress    order.Address          `json:"shippingAddress"`
	BillingAddress     *order.Address         `json:"billingAddress,omitempty"`
	Discount           *orderDiscountResponse `json:"discount,omitempty"`
	ExternalPaymentRef string                 `json:"externalPaymentReference,omitempty"`
	PaymentError       string                 `json:"paymentError,omitempty"`
	Items              []orderItemResponse    `json:"items"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

type processPaymentRequest struct {
	PaymentMethodID   string `json:"paymentMethodId"`
	PaymentType       string `json:"paymentType"`
	SavePaymentMethod bool   `json:"savePaymentMethod"`
}

type chargeResponse struct {
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	CurrencyFallback bool   `json:"currencyFallback"`
	OrderCurrency    string `json:"orderCurrency,omitempty"`
}

type paymentResponse struct {
	PaymentType     string          `json:"paymentType"`
	Status          string          `json:"status"`
	OrderID         string          `json:"orderId"`
	OrderNumber     string          `json:"orderNumber"`
	OrderStatus     string          `json:"orderStatus"`
	PaymentStatus   string          `json:"paymentStatus"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	ClientSecret    string          `json:"clientSecret,omitempty"`
	Message         string          `json:"message,omitempty"`
	Charge          *chargeResponse `json:"charge,omitempty"`
}

func toShippingOptions(in []checkout.ShippingOption) []shippingOption {
	out := make([]shippingOption, len(in))
	for i, o := range in {
		out[i] = shippingOption{
			ID:          o.ID,
			Name:        o.Name,
			Description: o.Description,
			Price:       money(o.Price),
			Currency:    o.Currency,
		}
	}
	return out
}

func toPaymentMethods(in []checkout.PaymentMethodOption) []paymentMethodOption {
	out := make([]paymentMethodOption, len(in))
	for i, m := range in {
		out[i] = paymentMethodOption{
			ID:          string(m.ID),
			Name:        m.Name,
			Description: m.Description,
			Fees:        money(m.Fee),
			Supported:   m.Supported,
		}
	}
	return out
}

func toDiscount(a discount.Application) discountResponse {
	return discountResponse{
		DiscountCode:   a.Code,
		DiscountType:   string(a.Type),
		DiscountValue:  money(a.Value),
		DiscountAmount: money(a.Amount),
		NewTotal:       money(a.NewTotal),
	}
}

func toOrder(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:          o.ID.String(),
		OrderNumber: o.Number,
		Customer: customerResponse{
			Email: o.CustomerEmail,
			Name:  o.CustomerName,
			Phone: o.CustomerPhone,
		},
		Status:             string(o.Status),
		PaymentMethod:      string(o.PaymentMethod),
		PaymentStatus:      string(o.PaymentStatus),
		Subtotal:           money(o.Subtotal),
		Tax:                money(o.Tax),
		Shipping:           money(o.Shipping),
		Total:              money(o.Total),
		Currency:           o.Currency,
		ShippingMethod:     o.ShippingMethod,
		ShippingAddress:    o.ShippingAddress,
		BillingAddress:     o.BillingAddress,
		ExternalPaymentRef: o.ExternalPaymentRef,
		PaymentError:       o.PaymentFailureMessage,
		Items:              make([]orderItemResponse, len(o.Items)),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if d := o.Discount; d != nil {
		resp.Discount = &orderDiscountResponse{
			Code:   d.Code,
			Type:   d.Type,
			Value:  money(d.Value),
			Amount: money(d.Amount),
		}
	}
	for i, it := range o.Items {
		resp.Items[i] = orderItemResponse{
			ID:        it.ID.String(),
			ProductID: it.ProductID,
			Title:     it.Title,
			SKU:       it.SKU,
			UnitPrice: money(it.UnitPrice),
			Quantity:  it.Quantity,
			LineTotal: money(it.LineTotal),
		}
	}
	return resp
}

func toPayment(r *payment.Result) paymentResponse {
	resp := paymentResponse{
		PaymentType:     string(r.Method),
		Status:          r.Status,
		OrderID:         r.OrderID.String(),
		OrderNumber:     r.OrderNumber,
		OrderStatus:     string(r.OrderStatus),
		PaymentStatus:   string(r.PaymentStatus),
		PaymentIntentID: r.PaymentIntentID,
		ClientSecret:    r.ClientSecret,
		Message:         r.Message,
	}
	if c := r.Charge; c != nil {
		resp.Charge = &chargeResponse{
			Amount:           c.AmountMinor,
			Currency:         c.Currency,
			CurrencyFallback: c.Fallback,
			OrderCurrency:    c.OrderCurrency,
		}
	}
	return resp
}
