//go:build integration

package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway/sandbox"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool))

	orders := postgres.NewOrderRepository(pool)
	discounts := postgres.NewDiscountRepository(pool)

	limit := 1
	_, err = discounts.Upsert(ctx, []discount.Code{
		{Code: "WELCOME10", Type: discount.TypePercentage, Value: decimal.NewFromInt(10), Active: true},
		{Code: "ONEUSE", Type: discount.TypeFixed, Value: decimal.NewFromInt(5), UsageLimit: &limit, Active: true},
	})
	require.NoError(t, err)

	cod := order.CODPolicy{Country: "JO", Fee: decimal.NewFromInt(2)}
	dispatcher, err := payment.NewDispatcher(payment.DispatcherParams{
		Orders: orders,
		Rails: []payment.Rail{
			payment.NewCardRail(sandbox.New(), payment.CardConfig{
				BillingCurrency: "usd",
				Currencies:      []string{"usd", "eur"},
				Timeout:         2 * time.Second,
			}),
			payment.NewCODRail(cod),
		},
	})
	require.NoError(t, err)

	svc := checkout.NewService(checkout.Params{
		Calculator: order.NewCalculator(decimal.RequireFromString("0.08"), []order.ShippingMethod{
			{ID: "standard", Name: "Standard Shipping", Price: decimal.NewFromInt(5)},
			{ID: "express", Name: "Express Shipping", Price: decimal.NewFromInt(15)},
		}, cod),
		Discounts: discount.NewValidator(discounts),
		Orders:    orders,
		Payments:  dispatcher,
		Numbers:   order.NewNumberGenerator("ORD"),
		Currency:  "USD",
	})

	checks := health.New(zaptest.NewLogger(t))
	checks.Add(health.Check{Name: "postgres", Probe: health.Readiness, Func: health.Postgres(pool)})
	checks.SetReady(true)

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(zaptest.NewLogger(t)),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
	)
	checks.Routes(r)
	r.Group(func(r chi.Router) {
		r.Use(httpmiddleware.LogRequests())
		handler.New(svc).Register(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type reply struct {
	Status int
	Body   string
}

func (r reply) decode(t *testing.T) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Body), &v), r.Body)
	return v
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) reply {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return reply{Status: resp.StatusCode, Body: string(data)}
}

func orderBody(email, country, shipping, method, code string) string {
	v := map[string]any{
		"customer": map[string]any{"email": email, "name": "Jane Doe"},
		"shippingAddress": map[string]any{
			"line1": "1 Main St", "city": "Amman", "country": country,
		},
		"items": []map[string]any{
			{"productId": "p1", "title": "Wheel", "unitPrice": "15.00", "quantity": 2},
			{"productId": "p2", "title": "Strap", "unitPrice": "10.00", "quantity": 1},
		},
		"shippingMethod": shipping,
		"paymentMethod":  method,
	}
	if code != "" {
		v["discountCode"] = code
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func createOrder(t *testing.T, srv *httptest.Server, body string) map[string]any {
	t.Helper()
	res := do(t, srv, http.MethodPost, "/api/orders", body)
	require.Equal(t, http.StatusCreated, res.Status, res.Body)
	return res.decode(t)
}

func TestCheckoutEndToEnd(t *testing.T) {
	srv := startServer(t)

	t.Run("Readyz", func(t *testing.T) {
		res := do(t, srv, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusOK, res.Status, res.Body)
	})

	t.Run("CardPaymentSettlesOnce", func(t *testing.T) {
		res := do(t, srv, http.MethodPost, "/api/orders", orderBody("card@example.com", "US", "express", "card", ""))
		require.Equal(t, http.StatusCreated, res.Status, res.Body)
		assert.Contains(t, res.Body, `"total":58.20`)

		created := res.decode(t)
		id := created["id"].(string)
		assert.Equal(t, "pending", created["status"])
		assert.Equal(t, "pending", created["paymentStatus"])

		pay := do(t, srv, http.MethodPost, "/api/payments?orderId="+id,
			`{"paymentMethodId":"`+sandbox.TokenSuccess+`","paymentType":"card"}`)
		require.Equal(t, http.StatusOK, pay.Status, pay.Body)
		body := pay.decode(t)
		assert.Equal(t, "succeeded", body["status"])
		assert.Equal(t, "paid", body["paymentStatus"])
		assert.Equal(t, "confirmed", body["orderStatus"])

		again := do(t, srv, http.MethodPost, "/api/payments?orderId="+id,
			`{"paymentMethodId":"`+sandbox.TokenSuccess+`","paymentType":"card"}`)
		require.Equal(t, http.StatusConflict, again.Status, again.Body)
		assert.Equal(t, "already_paid", again.decode(t)["error"])

		got := do(t, srv, http.MethodGet, "/api/orders/"+id, "")
		require.Equal(t, http.StatusOK, got.Status, got.Body)
		stored := got.decode(t)
		assert.Equal(t, "paid", stored["paymentStatus"])
		assert.NotEmpty(t, stored["externalPaymentReference"])
	})

	t.Run("DeclinedThenRetried", func(t *testing.T) {
		id := createOrder(t, srv, orderBody("retry@example.com", "US", "standard", "card", ""))["id"].(string)

		declined := do(t, srv, http.MethodPost, "/api/payments?orderId="+id,
			`{"paymentMethodId":"`+sandbox.TokenDeclined+`","paymentType":"card"}`)
		require.Equal(t, http.StatusPaymentRequired, declined.Status, declined.Body)
		assert.Equal(t, "payment_declined", declined.decode(t)["error"])

		got := do(t, srv, http.MethodGet, "/api/orders/"+id, "").decode(t)
		assert.Equal(t, "failed", got["paymentStatus"])

		retry := do(t, srv, http.MethodPost, "/api/payments?orderId="+id,
			`{"paymentMethodId":"`+sandbox.TokenSuccess+`","paymentType":"card"}`)
		require.Equal(t, http.StatusOK, retry.Status, retry.Body)
		assert.Equal(t, "paid", retry.decode(t)["paymentStatus"])
	})

	t.Run("CashOnDelivery", func(t *testing.T) {
		id := createOrder(t, srv, orderBody("cod@example.com", "JO", "standard", "cod", ""))["id"].(string)

		pay := do(t, srv, http.MethodPost, "/api/payments?orderId="+id, "")
		require.Equal(t, http.StatusOK, pay.Status, pay.Body)
		body := pay.decode(t)
		assert.Equal(t, "cod", body["paymentType"])
		assert.Equal(t, "cod_pending", body["paymentStatus"])
		assert.Equal(t, "confirmed", body["orderStatus"])
	})

	t.Run("CashOnDeliveryOutsideCountry", func(t *testing.T) {
		res := do(t, srv, http.MethodPost, "/api/orders", orderBody("cod@example.com", "US", "standard", "cod", ""))
		require.Equal(t, http.StatusUnprocessableEntity, res.Status, res.Body)
		assert.Equal(t, "payment_method_not_eligible", res.decode(t)["error"])
	})

	t.Run("DiscountUsageLimit", func(t *testing.T) {
		first := createOrder(t, srv, orderBody("once@example.com", "US", "standard", "card", "oneuse"))
		d, ok := first["discount"].(map[string]any)
		require.True(t, ok, "discount snapshot is returned")
		assert.Equal(t, "ONEUSE", d["code"])

		res := do(t, srv, http.MethodPost, "/api/orders", orderBody("once@example.com", "US", "standard", "card", "ONEUSE"))
		require.Equal(t, http.StatusUnprocessableEntity, res.Status, res.Body)
		assert.Equal(t, "discount_usage_exhausted", res.decode(t)["error"])
	})

	t.Run("ApplyDiscount", func(t *testing.T) {
		res := do(t, srv, http.MethodPost, "/api/checkout/discount", `{"cartTotal":"50.00","discountCode":"welcome10"}`)
		require.Equal(t, http.StatusOK, res.Status, res.Body)
		assert.Contains(t, res.Body, `"discountAmount":5.00`)
		assert.Contains(t, res.Body, `"newTotal":45.00`)

		missing := do(t, srv, http.MethodPost, "/api/checkout/discount", `{"cartTotal":"50.00","discountCode":"NOPE"}`)
		assert.Equal(t, http.StatusNotFound, missing.Status, missing.Body)
	})

	t.Run("OrderHistory", func(t *testing.T) {
		res := do(t, srv, http.MethodGet, "/api/orders?email=once@example.com", "")
		require.Equal(t, http.StatusOK, res.Status, res.Body)

		var history struct {
			Orders []struct {
				Customer struct {
					Email string `json:"email"`
				} `json:"customer"`
				Discount *struct {
					Code string `json:"code"`
				} `json:"discount"`
			} `json:"orders"`
		}
		require.NoError(t, json.Unmarshal([]byte(res.Body), &history), res.Body)
		require.Len(t, history.Orders, 1, "the rejected second order is not stored")
		assert.Equal(t, "once@example.com", history.Orders[0].Customer.Email)
		require.NotNil(t, history.Orders[0].Discount)
		assert.Equal(t, "ONEUSE", history.Orders[0].Discount.Code)
	})
}
