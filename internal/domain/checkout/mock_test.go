package checkout

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/events"
)

type memOrders struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*order.Order
	numbers map[string]struct{}
	// createErrs are returned by successive Create calls before any order
	// is stored.
	createErrs []error
	creates    int
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders:  make(map[uuid.UUID]*order.Order),
		numbers: make(map[string]struct{}),
	}
}

func (m *memOrders) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		return err
	}
	if _, ok := m.numbers[o.Number]; ok {
		return order.ErrDuplicateNumber
	}
	c := *o
	m.orders[o.ID] = &c
	m.numbers[o.Number] = struct{}{}
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

func (m *memOrders) ListByEmail(_ context.Context, email string) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if strings.EqualFold(o.CustomerEmail, email) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) UpdatePayment(_ context.Context, id uuid.UUID, expected []order.PaymentStatus, upd order.PaymentUpdate) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	o.UpdatedAt = time.Now()
	c := *o
	return &c, nil
}

func (m *memOrders) ListByPaymentStatus(context.Context, order.PaymentStatus, time.Time, int) ([]order.Order, error) {
	return nil, nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memDiscounts map[string]*discount.Code

func (m memDiscounts) FindByCode(_ context.Context, code string) (*discount.Code, error) {
	c, ok := m[code]
	if !ok {
		return nil, discount.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
