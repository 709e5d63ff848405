package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDiscountRepo struct {
	code      *Code
	err       error
	requested string
}

func (m *mockDiscountRepo) FindByCode(_ context.Context, code string) (*Code, error) {
	m.requested = code
	return m.code, m.err
}

func intPtr(v int) *int { return &v }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-48 * time.Hour)
	yesterday := fixedNow.Add(-24 * time.Hour)
	tomorrow := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name         string
		code         *Code
		repoErr      error
		cartTotal    string
		input        string
		wantAmount   string
		wantNewTotal string
		wantErr      error
	}{
		{
			name: "percentage code in window",
			code: &Code{
				Code: "WELCOME10", Type: TypePercentage, Value: d("10"),
				MinimumAmount: decimal.Zero, Active: true,
				StartsAt: &yesterday, EndsAt: &tomorrow,
			},
			cartTotal:    "100",
			input:        "welcome10",
			wantAmount:   "10",
			wantNewTotal: "90",
		},
		{
			name: "percentage rounds to cents",
			code: &Code{
				Code: "THIRD", Type: TypePercentage, Value: d("33.333"),
				Active: true,
			},
			cartTotal:    "10",
			input:        "THIRD",
			wantAmount:   "3.33",
			wantNewTotal: "6.67",
		},
		{
			name: "fixed code capped at cart total",
			code: &Code{
				Code: "FLAT50", Type: TypeFixed, Value: d("50"), Active: true,
			},
			cartTotal:    "30",
			input:        "FLAT50",
			wantAmount:   "30",
			wantNewTotal: "0",
		},
		{
			name: "fixed code below cart total",
			code: &Code{
				Code: "FLAT5", Type: TypeFixed, Value: d("5"), Active: true,
			},
			cartTotal:    "42.50",
			input:        "flat5",
			wantAmount:   "5",
			wantNewTotal: "37.5",
		},
		{
			name:      "unknown code",
			repoErr:   ErrNotFound,
			cartTotal: "100",
			input:     "NOPE",
			wantErr:   ErrNotFound,
		},
		{
			name: "inactive code",
			code: &Code{
				Code: "OLD", Type: TypeFixed, Value: d("5"), Active: false,
			},
			cartTotal: "100",
			input:     "OLD",
			wantErr:   ErrNotFound,
		},
		{
			name: "not yet active",
			code: &Code{
				Code: "SOON", Type: TypeFixed, Value: d("5"), Active: true,
				StartsAt: &tomorrow,
			},
			cartTotal: "100",
			input:     "SOON",
			wantErr:   ErrNotYetActive,
		},
		{
			name: "expired wins over other failures",
			code: &Code{
				Code: "GONE", Type: TypeFixed, Value: d("5"), Active: true,
				StartsAt: &past, EndsAt: &yesterday,
				MinimumAmount: d("1000"),
				UsageLimit:    intPtr(1), UsageCount: 1,
			},
			cartTotal: "100",
			input:     "GONE",
			wantErr:   ErrExpired,
		},
		{
			name: "below minimum",
			code: &Code{
				Code: "BIG", Type: TypePercentage, Value: d("20"), Active: true,
				MinimumAmount: d("150"),
			},
			cartTotal: "149.99",
			input:     "BIG",
			wantErr:   ErrBelowMinimum,
		},
		{
			name: "under usage limit",
			code: &Code{
				Code: "LIMITED", Type: TypeFixed, Value: d("5"), Active: true,
				UsageLimit: intPtr(3), UsageCount: 2,
			},
			cartTotal:    "20",
			input:        "LIMITED",
			wantAmount:   "5",
			wantNewTotal: "15",
		},
		{
			name: "at usage limit",
			code: &Code{
				Code: "LIMITED", Type: TypeFixed, Value: d("5"), Active: true,
				UsageLimit: intPtr(3), UsageCount: 3,
			},
			cartTotal: "20",
			input:     "LIMITED",
			wantErr:   ErrUsageExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockDiscountRepo{code: tt.code, err: tt.repoErr}
			v := NewValidator(repo)
			v.now = func() time.Time { return fixedNow }

			got, err := v.Validate(context.Background(), d(tt.cartTotal), tt.input)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, Normalize(tt.input), repo.requested)
			assert.True(t, d(tt.wantAmount).Equal(got.Amount), "amount: got %s", got.Amount)
			assert.True(t, d(tt.wantNewTotal).Equal(got.NewTotal), "new total: got %s", got.NewTotal)
			assert.True(t, got.Applied())
		})
	}
}

func TestValidator_EmptyCode(t *testing.T) {
	repo := &mockDiscountRepo{err: errors.New("must not be called")}
	v := NewValidator(repo)

	got, err := v.Validate(context.Background(), d("80"), "  ")
	require.NoError(t, err)
	assert.False(t, got.Applied())
	assert.True(t, got.Amount.IsZero())
	assert.True(t, d("80").Equal(got.NewTotal))
	assert.Empty(t, repo.requested)
}

func TestValidator_RepositoryFailure(t *testing.T) {
	boom := errors.New("connection reset")
	v := NewValidator(&mockDiscountRepo{err: boom})

	_, err := v.Validate(context.Background(), d("80"), "ANY")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAmount_NeverExceedsCart(t *testing.T) {
	totals := []string{"0", "0.01", "9.99", "100", "12345.67"}
	values := []string{"0", "1", "10", "99.99", "100", "250"}

	for _, total := range totals {
		for _, value := range values {
			for _, typ := range []Type{TypePercentage, TypeFixed} {
				amount := Amount(typ, d(value), d(total))
				assert.False(t, amount.IsNegative(), "%s %s on %s", typ, value, total)
				assert.True(t, amount.LessThanOrEqual(d(total)), "%s %s on %s = %s", typ, value, total, amount)
			}
		}
	}
}

func TestCode_Redeemable(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name string
		code Code
		want error
	}{
		{"Active", Code{Active: true}, nil},
		{"Inactive", Code{Active: false, UsageLimit: intPtr(1), UsageCount: 1}, ErrNotFound},
		{"NotStarted", Code{Active: true, StartsAt: &later}, ErrNotYetActive},
		{"Ended", Code{Active: true, EndsAt: &earlier}, ErrExpired},
		{"Exhausted", Code{Active: true, UsageLimit: intPtr(1), UsageCount: 1}, ErrUsageExhausted},
		{"BelowMinimumStillRedeemable", Code{Active: true, MinimumAmount: d("100")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.code.Redeemable(now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}
