package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

type mockService struct {
	shippingOptions func(ctx context.Context, addr order.Address) ([]checkout.ShippingOption, error)
	paymentMethods  func(ctx context.Context, country string) ([]checkout.PaymentMethodOption, error)
	applyDiscount   func(ctx context.Context, req checkout.ApplyDiscountRequest) (discount.Application, error)
	createOrder     func(ctx context.Context, req checkout.CreateOrderRequest) (*order.Order, error)
	processPayment  func(ctx context.Context, req payment.Request) (*payment.Result, error)
	syncPayment     func(ctx context.Context, id uuid.UUID) (*payment.Result, error)
	orderHistory    func(ctx context.Context, email string) ([]order.Order, error)
	getOrder        func(ctx context.Context, id uuid.UUID) (*order.Order, error)
}

func (m *mockService) ShippingOptions(ctx context.Context, addr order.Address) ([]checkout.ShippingOption, error) {
	return m.shippingOptions(ctx, addr)
}

func (m *mockService) PaymentMethods(ctx context.Context, country string) ([]checkout.PaymentMethodOption, error) {
	return m.paymentMethods(ctx, country)
}

func (m *mockService) ApplyDiscount(ctx context.Context, req checkout.ApplyDiscountRequest) (discount.Application, error) {
	return m.applyDiscount(ctx, req)
}

func (m *mockService) CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (*order.Order, error) {
	return m.createOrder(ctx, req)
}

func (m *mockService) ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error) {
	return m.processPayment(ctx, req)
}

func (m *mockService) SyncPayment(ctx context.Context, id uuid.UUID) (*payment.Result, error) {
	return m.syncPayment(ctx, id)
}

func (m *mockService) OrderHistory(ctx context.Context, email string) ([]order.Order, error) {
	return m.orderHistory(ctx, email)
}

func (m *mockService) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return m.getOrder(ctx, id)
}

func serve(t *testing.T, svc Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	New(svc).Register(r)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func sampleOrder() *order.Order {
	return &order.Order{
		ID:             uuid.MustParse("6f1c1a43-8e5c-4d7a-9f55-1d1c0b7c2a10"),
		Number:         "ORD-2026-0042",
		CustomerEmail:  "jane@example.com",
		CustomerName:   "Jane Doe",
		Status:         order.StatusPending,
		PaymentMethod:  order.PaymentCard,
		PaymentStatus:  order.PaymentPending,
		Subtotal:       decimal.RequireFromString("40"),
		Tax:            decimal.RequireFromString("3.2"),
		Shipping:       decimal.RequireFromString("15"),
		Total:          decimal.RequireFromString("58.2"),
		Currency:       "USD",
		ShippingMethod: "express",
		ShippingAddress: order.Address{
			Line1: "1 Main St", City: "Austin", Country: "US",
		},
		Items: []order.Item{{
			ID: uuid.New(), ProductID: "p1", Title: "Wheel",
			UnitPrice: decimal.RequireFromString("20"), Quantity: 2, LineTotal: decimal.RequireFromString("40"),
		}},
		CreatedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandler_CreateOrder(t *testing.T) {
	var got checkout.CreateOrderRequest
	svc := &mockService{createOrder: func(_ context.Context, req checkout.CreateOrderRequest) (*order.Order, error) {
		got = req
		return sampleOrder(), nil
	}}

	rec := serve(t, svc, http.MethodPost, "/api/orders", `{
		"customer": {"email": "jane@example.com", "name": "Jane Doe"},
		"shippingAddress": {"line1": "1 Main St", "city": "Austin", "country": "US"},
		"items": [{"productId": "p1", "title": "Wheel", "unitPrice": 20, "quantity": 2}],
		"shippingMethod": "express",
		"paymentMethod": "card",
		"discountCode": "WELCOME10"
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "jane@example.com", got.Customer.Email)
	assert.Equal(t, order.PaymentCard, got.PaymentMethod)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "WELCOME10", got.DiscountCode)

	body := rec.Body.String()
	assert.Contains(t, body, `"total":58.20`)
	assert.Contains(t, body, `"tax":3.20`)
	assert.Contains(t, body, `"orderNumber":"ORD-2026-0042"`)
	assert.Contains(t, body, `"lineTotal":40.00`)
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "Validation",
			err:         order.ErrEmptyOrder,
			wantStatus:  http.StatusBadRequest,
			wantCode:    "empty_order",
			wantMessage: "order must contain at least one item",
		},
		{
			name:       "NotEligible",
			err:        order.ErrPaymentMethodNotEligible,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "payment_method_not_eligible",
		},
		{
			name:       "DiscountNotFound",
			err:        discount.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "discount_not_found",
		},
		{
			name:       "AlreadyPaid",
			err:        payment.ErrAlreadyPaid,
			wantStatus: http.StatusConflict,
			wantCode:   "already_paid",
		},
		{
			name:        "Declined",
			err:         payment.ErrDeclined.With("Your card was declined."),
			wantStatus:  http.StatusPaymentRequired,
			wantCode:    "payment_declined",
			wantMessage: "Your card was declined.",
		},
		{
			name:       "Timeout",
			err:        payment.ErrTimeout.Wrap(context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "payment_timeout",
		},
		{
			name:       "ProcessorDown",
			err:        payment.ErrProcessorUnavailable,
			wantStatus: http.StatusBadGateway,
			wantCode:   "processor_unavailable",
		},
		{
			name:        "Persistence",
			err:         errors.Wrap(apperr.Persistence(errors.New("connection refused: secret host"), "insert order"), "create order"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "persistence_failure",
			wantMessage: internalMessage,
		},
		{
			name:        "Unclassified",
			err:         errors.New("boom"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "internal_error",
			wantMessage: internalMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{createOrder: func(context.Context, checkout.CreateOrderRequest) (*order.Order, error) {
				return nil, tt.err
			}}
			rec := serve(t, svc, http.MethodPost, "/api/orders", `{"items": []}`)

			require.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantStatus, body.Code)
			assert.Equal(t, tt.wantCode, body.Error)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, body.Message)
			}
			assert.NotContains(t, rec.Body.String(), "secret host")
		})
	}
}

func TestHandler_MalformedJSON(t *testing.T) {
	rec := serve(t, &mockService{}, http.MethodPost, "/api/orders", `{"items": [`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeError(t, rec).Kind)
}

func TestHandler_ProcessPayment(t *testing.T) {
	id := uuid.New()

	t.Run("Card", func(t *testing.T) {
		var got payment.Request
		svc := &mockService{processPayment: func(_ context.Context, req payment.Request) (*payment.Result, error) {
			got = req
			return &payment.Result{
				OrderID:         id,
				OrderNumber:     "ORD-2026-0042",
				Method:          order.PaymentCard,
				Status:          "succeeded",
				OrderStatus:     order.StatusConfirmed,
				PaymentStatus:   order.PaymentPaid,
				PaymentIntentID: "pi_123",
				Charge:          &payment.Charged{AmountMinor: 5820, Currency: "usd"},
			}, nil
		}}

		rec := serve(t, svc, http.MethodPost, "/api/payments?orderId="+id.String(),
			`{"paymentMethodId": "pm_card_visa", "paymentType": "Card", "savePaymentMethod": true}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, id, got.OrderID)
		assert.Equal(t, order.PaymentCard, got.Method)
		assert.Equal(t, "pm_card_visa", got.PaymentMethodToken)
		assert.True(t, got.SavePaymentMethod)

		var body paymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "pi_123", body.PaymentIntentID)
		assert.Equal(t, "succeeded", body.Status)
		assert.Equal(t, "card", body.PaymentType)
		require.NotNil(t, body.Charge)
		assert.Equal(t, int64(5820), body.Charge.Amount)
	})

	t.Run("CODWithoutBody", func(t *testing.T) {
		svc := &mockService{processPayment: func(_ context.Context, req payment.Request) (*payment.Result, error) {
			assert.Empty(t, req.Method)
			return &payment.Result{
				OrderID:       id,
				OrderNumber:   "ORD-2026-0043",
				Method:        order.PaymentCOD,
				Status:        "cod_pending",
				OrderStatus:   order.StatusConfirmed,
				PaymentStatus: order.PaymentCODPending,
				Message:       "Payment will be collected on delivery",
			}, nil
		}}

		rec := serve(t, svc, http.MethodPost, "/api/payments?orderId="+id.String(), "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"paymentType":"cod"`)
		assert.NotContains(t, rec.Body.String(), "paymentIntentId")
	})

	t.Run("BadOrderID", func(t *testing.T) {
		rec := serve(t, &mockService{}, http.MethodPost, "/api/payments?orderId=nope", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = serve(t, &mockService{}, http.MethodPost, "/api/payments", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "orderId is required", decodeError(t, rec).Message)
	})
}

func TestHandler_SyncPayment(t *testing.T) {
	id := uuid.New()
	svc := &mockService{syncPayment: func(_ context.Context, got uuid.UUID) (*payment.Result, error) {
		assert.Equal(t, id, got)
		return nil, payment.ErrNothingToSync
	}}

	rec := serve(t, svc, http.MethodPost, "/api/payments/sync?orderId="+id.String(), "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "payment_not_pending", decodeError(t, rec).Error)
}

func TestHandler_ApplyDiscount(t *testing.T) {
	svc := &mockService{applyDiscount: func(_ context.Context, req checkout.ApplyDiscountRequest) (discount.Application, error) {
		assert.True(t, req.CartTotal.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, "welcome10", req.DiscountCode)
		return discount.Application{
			Code:     "WELCOME10",
			Type:     discount.TypePercentage,
			Value:    decimal.NewFromInt(10),
			Amount:   decimal.NewFromInt(10),
			NewTotal: decimal.NewFromInt(90),
		}, nil
	}}

	rec := serve(t, svc, http.MethodPost, "/api/checkout/discount", `{"cartTotal": 100, "discountCode": "welcome10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"discountCode": "WELCOME10",
		"discountType": "percentage",
		"discountValue": 10,
		"discountAmount": 10,
		"newTotal": 90
	}`, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"newTotal":90.00`)
}

func TestHandler_CheckoutOptions(t *testing.T) {
	svc := &mockService{
		shippingOptions: func(_ context.Context, addr order.Address) ([]checkout.ShippingOption, error) {
			assert.Equal(t, "JO", addr.Country)
			return []checkout.ShippingOption{{ID: "standard", Name: "Standard", Price: decimal.NewFromInt(5), Currency: "USD"}}, nil
		},
		paymentMethods: func(_ context.Context, country string) ([]checkout.PaymentMethodOption, error) {
			assert.Equal(t, "JO", country)
			return []checkout.PaymentMethodOption{
				{ID: order.PaymentCard, Name: "Card", Fee: decimal.Zero, Supported: true},
				{ID: order.PaymentCOD, Name: "Cash on delivery", Fee: decimal.NewFromInt(2), Supported: true},
			}, nil
		},
	}

	rec := serve(t, svc, http.MethodPost, "/api/checkout/shipping-options", `{"address": {"line1": "x", "city": "Amman", "country": "JO"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"price":5.00`)

	rec = serve(t, svc, http.MethodGet, "/api/checkout/payment-methods?country=JO", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":"cod"`)
	assert.Contains(t, rec.Body.String(), `"fees":2.00`)
}

func TestHandler_Orders(t *testing.T) {
	o := sampleOrder()
	svc := &mockService{
		orderHistory: func(_ context.Context, email string) ([]order.Order, error) {
			assert.Equal(t, "jane@example.com", email)
			return []order.Order{*o}, nil
		},
		getOrder: func(_ context.Context, id uuid.UUID) (*order.Order, error) {
			if id != o.ID {
				return nil, order.ErrNotFound
			}
			return o, nil
		},
	}

	rec := serve(t, svc, http.MethodGet, "/api/orders?email=jane@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var history struct {
		Orders []orderResponse `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Orders, 1)
	assert.Equal(t, "ORD-2026-0042", history.Orders[0].OrderNumber)

	rec = serve(t, svc, http.MethodGet, "/api/orders/"+o.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paymentStatus":"pending"`)

	rec = serve(t, svc, http.MethodGet, "/api/orders/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", decodeError(t, rec).Error)

	rec = serve(t, svc, http.MethodGet, "/api/orders/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
