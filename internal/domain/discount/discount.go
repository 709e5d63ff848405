package discount

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes a percentage of the cart total.
	TypePercentage Type = "percentage"
	// TypeFixed takes a fixed amount, capped at the cart total.
	TypeFixed Type = "fixed"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == TypePercentage || t == TypeFixed
}

var (
	// ErrNotFound is returned when no code matches or the code is inactive.
	ErrNotFound = apperr.New(apperr.KindNotFound, "discount_not_found", "discount code is invalid or inactive")
	// ErrNotYetActive is returned before the code's activity window opens.
	ErrNotYetActive = apperr.New(apperr.KindBusinessRule, "discount_not_yet_active", "discount code is not active yet")
	// ErrExpired is returned after the code's activity window closed.
	ErrExpired = apperr.New(apperr.KindBusinessRule, "discount_expired", "discount code has expired")
	// ErrBelowMinimum is returned when the cart total is under the code's minimum amount.
	ErrBelowMinimum = apperr.New(apperr.KindBusinessRule, "discount_below_minimum", "order total is below the minimum amount for this discount code")
	// ErrUsageExhausted is returned when the code reached its usage limit.
	ErrUsageExhausted = apperr.New(apperr.KindBusinessRule, "discount_usage_exhausted", "discount code usage limit has been reached")
)

// Code is a promotional discount code.
type Code struct {
	Code          string
	Type          Type
	Value         decimal.Decimal
	MinimumAmount decimal.Decimal
	// UsageLimit is nil for unlimited codes.
	UsageLimit *int
	UsageCount int
	Active     bool
	StartsAt   *time.Time
	EndsAt     *time.Time
	CreatedAt  time.Time
}

// Exhausted reports whether the code reached its usage limit.
func (c *Code) Exhausted() bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

// Available reports why c cannot be used at now, checking the active flag
// and the activity window.
func (c *Code) Available(now time.Time) error {
	if !c.Active {
		return ErrNotFound
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return ErrNotYetActive
	}
	if c.EndsAt != nil && now.After(*c.EndsAt) {
		return ErrExpired
	}
	return nil
}

// Redeemable reports why one more use of c at now is not allowed. The
// minimum amount is checked when the code is applied, not here.
func (c *Code) Redeemable(now time.Time) error {
	if err := c.Available(now); err != nil {
		return err
	}
	if c.Exhausted() {
		return ErrUsageExhausted
	}
	return nil
}

// Application is the result of applying a code to a cart total.
type Application struct {
	Code   string
	Type   Type
	Value  decimal.Decimal
	Amount decimal.Decimal
	// NewTotal is the cart total after the discount, never negative.
	NewTotal decimal.Decimal
}

// Applied reports whether a code was applied.
func (a Application) Applied() bool {
	return a.Code != ""
}

// Repository provides lookup and redemption of discount codes.
type Repository interface {
	// FindByCode returns the code matching the normalized value, or
	// ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Code, error)
}

// Normalize returns the canonical lookup form of a code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
