package payment

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/events"
)

type memOrders struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*order.Order
	updateErr func(upd order.PaymentUpdate) error
	now       time.Time
}

func newMemOrders(orders ...*order.Order) *memOrders {
	m := &memOrders{orders: make(map[uuid.UUID]*order.Order), now: time.Now()}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memOrders) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *memOrders) ListByEmail(context.Context, string) ([]order.Order, error) {
	return nil, nil
}

func (m *memOrders) UpdatePayment(_ context.Context, id uuid.UUID, expected []order.PaymentStatus, upd order.PaymentUpdate) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		if err := m.updateErr(upd); err != nil {
			return nil, err
		}
	}
	o, ok := m.orders[id]
	if !ok || !slices.Contains(expected, o.PaymentStatus) {
		return nil, order.ErrStaleState
	}
	if upd.Status != "" {
		o.Status = upd.Status
	}
	o.PaymentStatus = upd.PaymentStatus
	if upd.ExternalRef != "" {
		o.ExternalPaymentRef = upd.ExternalRef
	}
	if upd.Attempt != 0 {
		o.PaymentAttempt = upd.Attempt
	}
	o.PaymentFailure = upd.Failure
	o.PaymentFailureMessage = upd.FailureMessage
	o.UpdatedAt = m.now
	c := *o
	return &c, nil
}

func (m *memOrders) ListByPaymentStatus(_ context.Context, status order.PaymentStatus, before time.Time, limit int) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.PaymentStatus == status && o.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) get(id uuid.UUID) order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

type fakeProcessor struct {
	mu       sync.Mutex
	requests []ChargeRequest
	charge   *Charge
	err      error
	// block makes CreateAndConfirm wait for ctx to end.
	block bool
	delay time.Duration

	retrieved *Charge
}

func (p *fakeProcessor) CreateAndConfirm(ctx context.Context, req ChargeRequest) (*Charge, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	charge, err, block, delay := p.charge, p.err, p.block, p.delay
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	c := *charge
	return &c, nil
}

func (p *fakeProcessor) Retrieve(_ context.Context, intentID string) (*Charge, error) {
	if p.retrieved == nil {
		return nil, &RejectError{Code: "resource_missing", Message: "no such intent " + intentID}
	}
	c := *p.retrieved
	return &c, nil
}

func (p *fakeProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProcessor) last() ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// keyedProcessor replays results by idempotency key and refuses a key
// reused with another token. Token "pm_slow" charges, then hangs until the
// caller gives up.
type keyedProcessor struct {
	mu      sync.Mutex
	byKey   map[string]keyedCharge
	keys    []string
	charges int
}

type keyedCharge struct {
	token  string
	charge Charge
}

func newKeyedProcessor() *keyedProcessor {
	return &keyedProcessor{byKey: make(map[string]keyedCharge)}
}

func (p *keyedProcessor) CreateAndConfirm(ctx context.Context, req ChargeRequest) (*Charge, error) {
	p.mu.Lock()
	p.keys = append(p.keys, req.IdempotencyKey)
	prev, ok := p.byKey[req.IdempotencyKey]
	if ok {
		p.mu.Unlock()
		if prev.token != req.PaymentMethodToken {
			return nil, ErrKeyReused
		}
		c := prev.charge
		return &c, nil
	}
	p.charges++
	c := Charge{IntentID: fmt.Sprintf("pi_%d", p.charges), Status: ChargeSucceeded, AmountMinor: req.AmountMinor}
	p.byKey[req.IdempotencyKey] = keyedCharge{token: req.PaymentMethodToken, charge: c}
	p.mu.Unlock()

	if req.PaymentMethodToken == "pm_slow" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &c, nil
}

func (p *keyedProcessor) Retrieve(context.Context, string) (*Charge, error) {
	return nil, &RejectError{Code: "resource_missing"}
}

func (p *keyedProcessor) lastKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[len(p.keys)-1]
}

func (p *keyedProcessor) charged() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newOrder(method order.PaymentMethod, country string) *order.Order {
	return &order.Order{
		ID:              uuid.New(),
		Number:          "ORD-2026-1234",
		CustomerEmail:   "ada@example.com",
		Status:          order.StatusPending,
		PaymentMethod:   method,
		PaymentStatus:   order.PaymentPending,
		Subtotal:        decimal.RequireFromString("40.00"),
		Tax:             decimal.RequireFromString("3.20"),
		Shipping:        decimal.RequireFromString("15.00"),
		Total:           decimal.RequireFromString("58.20"),
		Currency:        "USD",
		ShippingMethod:  "express",
		ShippingAddress: order.Address{Line1: "1 Main St", City: "Amman", Country: country},
	}
}
