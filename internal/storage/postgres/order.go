package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	uniqueViolation       = "23505"
	orderNumberConstraint = "orders_order_number_key"

	orderColumns = `id, order_number, customer_email, customer_name, customer_phone,
		status, payment_method, payment_status, subtotal, tax, shipping, total, currency,
		shipping_method, shipping_address, billing_address,
		discount_code, discount_type, discount_value, discount_amount,
		external_payment_ref, payment_attempt, payment_failure, payment_failure_message,
		created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersByEmailSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_email = $1 ORDER BY created_at DESC`

	listOrdersByPaymentStatusSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE payment_status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`

	updatePaymentSQL = `UPDATE orders SET
		status = COALESCE(NULLIF($3::text, ''), status),
		payment_status = COALESCE(NULLIF($4::text, ''), payment_status),
		external_payment_ref = COALESCE(NULLIF($5::text, ''), external_payment_ref),
		payment_attempt = CASE WHEN $6::int > 0 THEN $6::int ELSE payment_attempt END,
		payment_failure = $7,
		payment_failure_message = $8,
		updated_at = now()
		WHERE id = $1 AND payment_status = ANY($2::text[])
		RETURNING ` + orderColumns

	listItemsSQL = `SELECT order_id, id, product_id, title, sku, unit_price, quantity, line_total
		FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, position`
)

var itemColumns = []string{"id", "order_id", "position", "product_id", "title", "sku", "unit_price", "quantity", "line_total"}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order and its items in one transaction, redeeming
// the order's discount code in the same transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if o.Discount != nil {
		if err := redeem(ctx, tx, o.Discount.Code, o.CreatedAt); err != nil {
			return err
		}
	}

	var (
		discountCode, discountType    *string
		discountValue, discountAmount decimal.NullDecimal
	)
	if d := o.Discount; d != nil {
		discountCode, discountType = &d.Code, &d.Type
		discountValue = decimal.NewNullDecimal(d.Value)
		discountAmount = decimal.NewNullDecimal(d.Amount)
	}

	_, err = tx.Exec(ctx, insertOrderSQL,
		o.ID, o.Number, o.CustomerEmail, o.CustomerName, o.CustomerPhone,
		string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus),
		o.Subtotal, o.Tax, o.Shipping, o.Total, o.Currency,
		o.ShippingMethod, o.ShippingAddress, o.BillingAddress,
		discountCode, discountType, discountValue, discountAmount,
		o.ExternalPaymentRef, o.PaymentAttempt, string(o.PaymentFailure), o.PaymentFailureMessage,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == orderNumberConstraint {
			return order.ErrDuplicateNumber
		}
		return apperr.Persistence(err, "insert order")
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, itemColumns,
		pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
			it := o.Items[i]
			return []any{it.ID, o.ID, i, it.ProductID, it.Title, it.SKU, it.UnitPrice, it.Quantity, it.LineTotal}, nil
		}),
	)
	if err != nil {
		return apperr.Persistence(err, "insert order items")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence(err, "commit order")
	}
	return nil
}

// GetByID returns an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, apperr.Persistence(err, "get order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, apperr.Persistence(err, "get order")
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListByEmail returns the orders of a customer with their items, newest first.
func (r *OrderRepository) ListByEmail(ctx context.Context, email string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByEmailSQL, email)
	if err != nil {
		return nil, apperr.Persistence(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, apperr.Persistence(err, "list orders")
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdatePayment applies upd when the order's payment status is one of
// expected. The check and the write are a single statement.
func (r *OrderRepository) UpdatePayment(ctx context.Context, id uuid.UUID, expected []order.PaymentStatus, upd order.PaymentUpdate) (*order.Order, error) {
	statuses := make([]string, len(expected))
	for i, s := range expected {
		statuses[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, updatePaymentSQL,
		id, statuses,
		string(upd.Status), string(upd.PaymentStatus), upd.ExternalRef, upd.Attempt,
		string(upd.Failure), upd.FailureMessage,
	)
	if err != nil {
		return nil, apperr.Persistence(err, "update order payment")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrStaleState
		}
		return nil, apperr.Persistence(err, "update order payment")
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListByPaymentStatus returns orders without their items.
func (r *OrderRepository) ListByPaymentStatus(ctx context.Context, status order.PaymentStatus, before time.Time, limit int) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByPaymentStatusSQL, string(status), before, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "list orders by payment status")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, apperr.Persistence(err, "list orders by payment status")
	}
	return orders, nil
}

func (r *OrderRepository) attachItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[uuid.UUID]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID.String()
		index[o.ID] = i
	}

	rows, err := r.pool.Query(ctx, listItemsSQL, ids)
	if err != nil {
		return apperr.Persistence(err, "list order items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID uuid.UUID
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ID, &it.ProductID, &it.Title, &it.SKU, &it.UnitPrice, &it.Quantity, &it.LineTotal); err != nil {
			return apperr.Persistence(err, "scan order item")
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return apperr.Persistence(err, "list order items")
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                             order.Order
		status, method, payStatus     string
		failure                       string
		discountCode, discountType    *string
		discountValue, discountAmount decimal.NullDecimal
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerEmail, &o.CustomerName, &o.CustomerPhone,
		&status, &method, &payStatus, &o.Subtotal, &o.Tax, &o.Shipping, &o.Total, &o.Currency,
		&o.ShippingMethod, &o.ShippingAddress, &o.BillingAddress,
		&discountCode, &discountType, &discountValue, &discountAmount,
		&o.ExternalPaymentRef, &o.PaymentAttempt, &failure, &o.PaymentFailureMessage,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)
	o.PaymentStatus = order.PaymentStatus(payStatus)
	o.PaymentFailure = order.FailureKind(failure)
	if discountCode != nil {
		o.Discount = &order.DiscountSnapshot{
			Code:   *discountCode,
			Value:  discountValue.Decimal,
			Amount: discountAmount.Decimal,
		}
		if discountType != nil {
			o.Discount.Type = *discountType
		}
	}
	return o, err
}
