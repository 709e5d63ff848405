package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

var (
	// ErrEmptyOrder is returned when an order has no items.
	ErrEmptyOrder = apperr.New(apperr.KindValidation, "empty_order", "order must contain at least one item")
	// ErrInvalidQuantity is returned for a line item with quantity below 1.
	ErrInvalidQuantity = apperr.New(apperr.KindValidation, "invalid_quantity", "item quantity must be at least 1")
	// ErrInvalidPrice is returned for a line item with a negative price.
	ErrInvalidPrice = apperr.New(apperr.KindValidation, "invalid_price", "item price must not be negative")
	// ErrUnknownShippingMethod is returned for a shipping method that is not configured.
	ErrUnknownShippingMethod = apperr.New(apperr.KindValidation, "unknown_shipping_method", "unknown shipping method")
	// ErrPaymentMethodNotEligible is returned when cash on delivery is
	// requested for an address outside the eligible country.
	ErrPaymentMethodNotEligible = apperr.New(apperr.KindBusinessRule, "payment_method_not_eligible", "cash on delivery is not available for this shipping address")
)

// ShippingMethod is a configured shipping tier.
type ShippingMethod struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
}

// CODPolicy holds cash on delivery eligibility and its handling fee.
type CODPolicy struct {
	Country string
	Fee     decimal.Decimal
}

// Eligible reports whether an address in country may pay on delivery.
func (p CODPolicy) Eligible(country string) bool {
	return p.Country != "" && strings.EqualFold(strings.TrimSpace(country), p.Country)
}

// Totals is the priced breakdown of an order.
type Totals struct {
	// ItemsTotal is the sum of line totals before the discount.
	ItemsTotal decimal.Decimal
	Discount   decimal.Decimal
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Shipping   decimal.Decimal
	Total      decimal.Decimal
}

// Calculator derives order totals from items, shipping method and payment
// method. It holds no state besides its configuration.
type Calculator struct {
	taxRate decimal.Decimal
	methods []ShippingMethod
	byID    map[string]ShippingMethod
	cod     CODPolicy
}

// NewCalculator creates a Calculator. methods keep their order for display.
func NewCalculator(taxRate decimal.Decimal, methods []ShippingMethod, cod CODPolicy) *Calculator {
	byID := make(map[string]ShippingMethod, len(methods))
	for _, m := range methods {
		byID[m.ID] = m
	}
	return &Calculator{
		taxRate: taxRate,
		methods: methods,
		byID:    byID,
		cod:     cod,
	}
}

// ShippingMethods returns the configured shipping tiers.
func (c *Calculator) ShippingMethods() []ShippingMethod {
	out := make([]ShippingMethod, len(c.methods))
	copy(out, c.methods)
	return out
}

// ShippingMethod looks up a shipping tier by id.
func (c *Calculator) ShippingMethod(id string) (ShippingMethod, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// COD returns the cash on delivery policy.
func (c *Calculator) COD() CODPolicy {
	return c.cod
}

// ItemsTotal returns the sum of the items' line totals, so the stored line
// totals always add up to it.
func ItemsTotal(items []Item) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, ErrEmptyOrder
	}
	sum := decimal.Zero
	for _, it := range items {
		if it.Quantity < 1 {
			return decimal.Zero, ErrInvalidQuantity
		}
		if it.UnitPrice.IsNegative() {
			return decimal.Zero, ErrInvalidPrice
		}
		sum = sum.Add(LineTotal(it))
	}
	return sum, nil
}

// LineTotal returns unit price times quantity, rounded to cents.
func LineTotal(it Item) decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
}

// Compute prices an order. discount is subtracted from the items total
// before tax; the result never goes below zero.
func (c *Calculator) Compute(items []Item, shippingMethod string, method PaymentMethod, discount decimal.Decimal) (Totals, error) {
	itemsTotal, err := ItemsTotal(items)
	if err != nil {
		return Totals{}, err
	}

	ship, ok := c.byID[shippingMethod]
	if !ok {
		return Totals{}, ErrUnknownShippingMethod.With("unknown shipping method: " + shippingMethod)
	}

	discount = decimal.Min(decimal.Max(discount, decimal.Zero), itemsTotal)
	subtotal := itemsTotal.Sub(discount).Round(2)
	tax := subtotal.Mul(c.taxRate).Round(2)

	shipping := ship.Price
	if method == PaymentCOD {
		shipping = shipping.Add(c.cod.Fee)
	}
	shipping = shipping.Round(2)

	return Totals{
		ItemsTotal: itemsTotal,
		Discount:   discount,
		Subtotal:   subtotal,
		Tax:        tax,
		Shipping:   shipping,
		Total:      subtotal.Add(tax).Add(shipping).Round(2),
	}, nil
}
