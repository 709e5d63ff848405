// Package checkout is the single entry point of the checkout flow: shipping
// and payment options, discount preview, order creation, payment and order
// lookup.
package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/events"
)

// maxNumberAttempts bounds order number regeneration on collisions.
const maxNumberAttempts = 3

// DiscountValidator previews discount codes.
type DiscountValidator interface {
	Validate(ctx context.Context, cartTotal decimal.Decimal, code string) (discount.Application, error)
}

// Payments settles order payments.
type Payments interface {
	Dispatch(ctx context.Context, req payment.Request) (*payment.Result, error)
	Sync(ctx context.Context, orderID uuid.UUID) (*payment.Result, error)
}

// Params holds the dependencies of a Service.
type Params struct {
	Calculator *order.Calculator
	Discounts  DiscountValidator
	Orders     order.Repository
	Payments   Payments
	Numbers    *order.NumberGenerator
	// Publisher is optional.
	Publisher events.Publisher
	// Currency is the store currency, used when a request names none.
	Currency string
}

// Service implements the checkout operations.
type Service struct {
	calc      *order.Calculator
	discounts DiscountValidator
	orders    order.Repository
	payments  Payments
	numbers   *order.NumberGenerator
	publisher events.Publisher
	currency  string
	validate  *requestValidator
	now       func() time.Time
}

// NewService creates a checkout Service.
func NewService(p Params) *Service {
	if p.Publisher == nil {
		p.Publisher = events.Nop{}
	}
	if p.Numbers == nil {
		p.Numbers = order.NewNumberGenerator("ORD")
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		calc:      p.Calculator,
		discounts: p.Discounts,
		orders:    p.Orders,
		payments:  p.Payments,
		numbers:   p.Numbers,
		publisher: p.Publisher,
		currency:  currency,
		validate:  newRequestValidator(),
		now:       time.Now,
	}
}

// ShippingOption is a priced shipping tier.
type ShippingOption struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	Currency    string
}

// ShippingOptions lists the shipping tiers available for addr.
func (s *Service) ShippingOptions(_ context.Context, addr order.Address) ([]ShippingOption, error) {
	if err := s.validate.Struct(addr); err != nil {
		return nil, err
	}
	methods := s.calc.ShippingMethods()
	out := make([]ShippingOption, 0, len(methods))
	for _, m := range methods {
		out = append(out, ShippingOption{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Price:       m.Price,
			Currency:    s.currency,
		})
	}
	return out, nil
}

// PaymentMethodOption describes a payment method offered at checkout.
type PaymentMethodOption struct {
	ID          order.PaymentMethod
	Name        string
	Description string
	Fee         decimal.Decimal
	Supported   bool
}

// PaymentMethods lists the payment methods for a shipping country. Cash on
// delivery is listed only for the eligible country.
func (s *Service) PaymentMethods(_ context.Context, country string) ([]PaymentMethodOption, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country != "" {
		if err := s.validate.Var(country, "len=2,alpha", "country"); err != nil {
			return nil, err
		}
	}

	out := []PaymentMethodOption{{
		ID:          order.PaymentCard,
		Name:        "Credit or debit card",
		Description: "Pay securely with your card",
		Fee:         decimal.Zero,
		Supported:   true,
	}}
	if cod := s.calc.COD(); cod.Eligible(country) {
		out = append(out, PaymentMethodOption{
			ID:          order.PaymentCOD,
			Name:        "Cash on delivery",
			Description: "Pay in cash when your order arrives",
			Fee:         cod.Fee,
			Supported:   true,
		})
	}
	return out, nil
}

// ApplyDiscountRequest asks for a discount preview.
type ApplyDiscountRequest struct {
	CartTotal    decimal.Decimal `json:"cartTotal"`
	DiscountCode string          `json:"discountCode" validate:"max=64"`
}

// ApplyDiscount previews a discount code against a cart total. Nothing is
// persisted; the code is redeemed only when an order is created with it.
func (s *Service) ApplyDiscount(ctx context.Context, req ApplyDiscountRequest) (discount.Application, error) {
	if err := s.validate.Struct(req); err != nil {
		return discount.Application{}, err
	}
	if req.CartTotal.IsNegative() {
		return discount.Application{}, apperr.Validation("cartTotal must not be negative")
	}
	return s.discounts.Validate(ctx, req.CartTotal, req.DiscountCode)
}

// Customer identifies the buyer.
type Customer struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone,omitempty" validate:"max=32"`
}

// ItemInput is a requested line item.
type ItemInput struct {
	ProductID string          `json:"productId" validate:"required,max=64"`
	Title     string          `json:"title" validate:"required,max=200"`
	SKU       string          `json:"sku,omitempty" validate:"max=64"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

// CreateOrderRequest is the input of CreateOrder.
type CreateOrderRequest struct {
	Customer        Customer            `json:"customer"`
	ShippingAddress order.Address       `json:"shippingAddress"`
	BillingAddress  *order.Address      `json:"billingAddress,omitempty" validate:"omitempty"`
	Items           []ItemInput         `json:"items" validate:"max=100,dive"`
	ShippingMethod  string              `json:"shippingMethod" validate:"required,max=32"`
	Currency        string              `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	PaymentMethod   order.PaymentMethod `json:"paymentMethod,omitempty" validate:"omitempty,oneof=card cod"`
	DiscountCode    string              `json:"discountCode,omitempty" validate:"max=64"`
}

// CreateOrder validates, prices and persists a new order in
// pending/pending. Every rejection happens before anything is written.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	if len(req.Items) == 0 {
		return nil, order.ErrEmptyOrder
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	method := req.PaymentMethod
	if method == "" {
		method = order.PaymentCard
	}
	if method == order.PaymentCOD && !s.calc.COD().Eligible(req.ShippingAddress.Country) {
		return nil, order.ErrPaymentMethodNotEligible
	}

	items := make([]order.Item, len(req.Items))
	for i, in := range req.Items {
		items[i] = order.Item{
			ID:        uuid.New(),
			ProductID: in.ProductID,
			Title:     in.Title,
			SKU:       in.SKU,
			UnitPrice: in.UnitPrice,
			Quantity:  in.Quantity,
		}
		items[i].LineTotal = order.LineTotal(items[i])
	}
	itemsTotal, err := order.ItemsTotal(items)
	if err != nil {
		return nil, err
	}
	if _, ok := s.calc.ShippingMethod(req.ShippingMethod); !ok {
		return nil, order.ErrUnknownShippingMethod.With("unknown shipping method: " + req.ShippingMethod)
	}

	applied, err := s.discounts.Validate(ctx, itemsTotal, req.DiscountCode)
	if err != nil {
		return nil, err
	}

	totals, err := s.calc.Compute(items, req.ShippingMethod, method, applied.Amount)
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	now := s.now().UTC()
	o := &order.Order{
		ID:              uuid.New(),
		CustomerEmail:   normalizeEmail(req.Customer.Email),
		CustomerName:    strings.TrimSpace(req.Customer.Name),
		CustomerPhone:   strings.TrimSpace(req.Customer.Phone),
		Status:          order.StatusPending,
		PaymentMethod:   method,
		PaymentStatus:   order.PaymentPending,
		Subtotal:        totals.Subtotal,
		Tax:             totals.Tax,
		Shipping:        totals.Shipping,
		Total:           totals.Total,
		Currency:        currency,
		ShippingMethod:  req.ShippingMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.ShippingAddress.Country = strings.ToUpper(o.ShippingAddress.Country)
	if applied.Applied() {
		o.Discount = &order.DiscountSnapshot{
			Code:   applied.Code,
			Type:   string(applied.Type),
			Value:  applied.Value,
			Amount: totals.Discount,
		}
	}

	if err := s.persist(ctx, o); err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order created",
		zap.Stringer("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("payment_method", string(o.PaymentMethod)),
		zap.String("total", o.Total.StringFixed(2)),
	)
	if err := s.publisher.Publish(ctx, events.ForOrder(events.OrderCreated, o, now)); err != nil {
		zctx.From(ctx).Warn("Failed to publish event",
			zap.String("type", events.OrderCreated),
			zap.Stringer("order_id", o.ID),
			zap.Error(err),
		)
	}
	return o, nil
}

// persist stores o, drawing a fresh order number on collisions.
func (s *Service) persist(ctx context.Context, o *order.Order) error {
	var err error
	for range maxNumberAttempts {
		o.Number = s.numbers.Next()
		err = s.orders.Create(ctx, o)
		if !errors.Is(err, order.ErrDuplicateNumber) {
			break
		}
		zctx.From(ctx).Debug("Order number taken, retrying", zap.String("order_number", o.Number))
	}
	if err != nil {
		if errors.Is(err, order.ErrDuplicateNumber) {
			return apperr.Persistence(err, "could not allocate an order number")
		}
		return errors.Wrap(err, "create order")
	}
	return nil
}

// ProcessPayment pays for an existing order.
func (s *Service) ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error) {
	if req.OrderID == uuid.Nil {
		return nil, apperr.Validation("orderId is required")
	}
	return s.payments.Dispatch(ctx, req)
}

// SyncPayment settles a payment that was waiting for customer action.
func (s *Service) SyncPayment(ctx context.Context, orderID uuid.UUID) (*payment.Result, error) {
	if orderID == uuid.Nil {
		return nil, apperr.Validation("orderId is required")
	}
	return s.payments.Sync(ctx, orderID)
}

// OrderHistory returns the orders placed with email, newest first.
func (s *Service) OrderHistory(ctx context.Context, email string) ([]order.Order, error) {
	email = normalizeEmail(email)
	if err := s.validate.Var(email, "required,email", "email"); err != nil {
		return nil, err
	}
	orders, err := s.orders.ListByEmail(ctx, email)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// GetOrder returns one order with its items.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if id == uuid.Nil {
		return nil, order.ErrNotFound
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
