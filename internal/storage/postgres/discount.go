package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/discount"
)

const (
	getDiscountByCodeSQL = `SELECT code, discount_type, value, minimum_amount, usage_limit, usage_count,
		active, starts_at, ends_at, created_at
		FROM discount_codes WHERE code = UPPER($1)`

	lockDiscountSQL = `SELECT code, discount_type, value, minimum_amount, usage_limit, usage_count,
		active, starts_at, ends_at, created_at
		FROM discount_codes WHERE code = UPPER($1) FOR UPDATE`

	redeemDiscountSQL = `UPDATE discount_codes SET usage_count = usage_count + 1 WHERE code = $1`

	listDiscountCodesSQL = `SELECT code FROM discount_codes`

	// Re-importing a code refreshes its terms and keeps its usage count.
	upsertDiscountSQL = `INSERT INTO discount_codes
		(code, discount_type, value, minimum_amount, usage_limit, active, starts_at, ends_at)
		VALUES (UPPER($1), $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			minimum_amount = EXCLUDED.minimum_amount,
			usage_limit = EXCLUDED.usage_limit,
			active = EXCLUDED.active,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindByCode looks up a code case-insensitively, active or not.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	rows, err := r.pool.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, apperr.Persistence(err, "find discount code")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, apperr.Persistence(err, "find discount code")
	}
	return &c, nil
}

// EachCode calls fn with every stored code.
func (r *DiscountRepository) EachCode(ctx context.Context, fn func(code string) error) error {
	rows, err := r.pool.Query(ctx, listDiscountCodesSQL)
	if err != nil {
		return errors.Wrap(err, "list discount codes")
	}
	var code string
	_, err = pgx.ForEachRow(rows, []any{&code}, func() error {
		return fn(code)
	})
	if err != nil {
		return errors.Wrap(err, "scan discount codes")
	}
	return nil
}

// Upsert creates or updates codes in one batch and returns how many rows
// were written.
func (r *DiscountRepository) Upsert(ctx context.Context, codes []discount.Code) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range codes {
		if !c.Type.Valid() {
			return 0, errors.Errorf("code %s: unknown discount type %q", c.Code, c.Type)
		}
		batch.Queue(upsertDiscountSQL,
			c.Code, string(c.Type), c.Value, c.MinimumAmount, c.UsageLimit,
			c.Active, c.StartsAt, c.EndsAt,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var written int64
	for _, c := range codes {
		tag, err := br.Exec()
		if err != nil {
			return written, errors.Wrapf(err, "upsert discount code %s", c.Code)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

// redeem takes one use of code inside tx. The row stays locked until tx
// ends, so concurrent redemptions of a limited code are serialized.
func redeem(ctx context.Context, tx pgx.Tx, code string, now time.Time) error {
	rows, err := tx.Query(ctx, lockDiscountSQL, code)
	if err != nil {
		return apperr.Persistence(err, "lock discount code")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.ErrNotFound
		}
		return apperr.Persistence(err, "lock discount code")
	}
	if err := c.Redeemable(now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, redeemDiscountSQL, c.Code); err != nil {
		return apperr.Persistence(err, "redeem discount code")
	}
	return nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Code, error) {
	var (
		c     discount.Code
		typ   string
		limit *int32
		used  int32
	)
	err := row.Scan(
		&c.Code, &typ, &c.Value, &c.MinimumAmount, &limit, &used,
		&c.Active, &c.StartsAt, &c.EndsAt, &c.CreatedAt,
	)
	c.Type = discount.Type(typ)
	c.UsageCount = int(used)
	if limit != nil {
		n := int(*limit)
		c.UsageLimit = &n
	}
	return c, err
}
