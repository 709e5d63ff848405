package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Check validates c against cartTotal at now and computes the discount.
// The checks run in a fixed order: activity, window start, window end,
// minimum amount, usage limit.
func Check(c *Code, cartTotal decimal.Decimal, now time.Time) (Application, error) {
	if c == nil {
		return Application{}, ErrNotFound
	}
	if err := c.Available(now); err != nil {
		return Application{}, err
	}
	if cartTotal.LessThan(c.MinimumAmount) {
		return Application{}, ErrBelowMinimum
	}
	if c.Exhausted() {
		return Application{}, ErrUsageExhausted
	}

	amount := Amount(c.Type, c.Value, cartTotal)
	return Application{
		Code:     c.Code,
		Type:     c.Type,
		Value:    c.Value,
		Amount:   amount,
		NewTotal: decimal.Max(decimal.Zero, cartTotal.Sub(amount)),
	}, nil
}

// Amount computes the discount of the given type and value on cartTotal,
// rounded to cents and never larger than cartTotal.
func Amount(t Type, value, cartTotal decimal.Decimal) decimal.Decimal {
	if cartTotal.IsNegative() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch t {
	case TypePercentage:
		amount = cartTotal.Mul(value).Div(hundred).Round(2)
	case TypeFixed:
		amount = decimal.Min(value, cartTotal)
	default:
		return decimal.Zero
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, cartTotal)
}

// Validator looks up discount codes and applies them to a cart total.
type Validator struct {
	repo Repository
	now  func() time.Time
}

// NewValidator creates a Validator backed by repo.
func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo, now: time.Now}
}

// Validate applies code to cartTotal without side effects. An empty code is
// not an error and yields a zero discount.
func (v *Validator) Validate(ctx context.Context, cartTotal decimal.Decimal, code string) (Application, error) {
	code = Normalize(code)
	if code == "" {
		return Application{Amount: decimal.Zero, NewTotal: decimal.Max(decimal.Zero, cartTotal)}, nil
	}

	c, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Application{}, ErrNotFound
		}
		return Application{}, errors.Wrap(err, "lookup discount code")
	}

	return Check(c, cartTotal, v.now())
}
