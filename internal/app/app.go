package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/events"
	"github.com/xenking/kart-checkout/internal/gateway/sandbox"
	"github.com/xenking/kart-checkout/internal/gateway/stripegw"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the payment
// reconciler, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	ctx = zctx.Base(ctx, lg)

	pricing, err := cfg.Checkout.Pricing()
	if err != nil {
		return errors.Wrap(err, "checkout config")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New(lg)
	healthSvc.Add(health.Check{Name: "postgres", Probe: health.Readiness, Func: health.Postgres(pool)})
	healthSvc.Add(health.Check{Name: "goroutines", Probe: health.Liveness, Timeout: time.Second, Func: health.GoroutineCount(10000)})

	// Optional Redis for the shared rate limiter.
	var limiterStore httpmiddleware.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		limiterStore = httpmiddleware.NewRedisStore(rdb, "checkout:ratelimit:")
		healthSvc.Add(health.Check{Name: "redis", Probe: health.Readiness, Func: health.Redis(rdb)})
	}

	// Optional Kafka event stream.
	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		defer func() {
			if err := kp.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		publisher = kp

		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := health.Kafka(cfg.Kafka.Brokers)(dialCtx); err != nil {
			lg.Warn("Kafka is unreachable, events will be dropped until it recovers", zap.Error(err))
		}
		cancel()
	}

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)

	// Payment rails.
	processor := newProcessor(lg, m, cfg.Processor)
	dispatcher, err := payment.NewDispatcher(payment.DispatcherParams{
		Orders: orderRepo,
		Rails: []payment.Rail{
			payment.NewCardRail(processor, payment.CardConfig{
				BillingCurrency: cfg.Processor.BillingCurrency,
				Currencies:      cfg.Processor.Currencies,
				Timeout:         cfg.Processor.Timeout,
			}),
			payment.NewCODRail(pricing.COD),
		},
		Publisher:      publisher,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	// Checkout service.
	svc := checkout.NewService(checkout.Params{
		Calculator: order.NewCalculator(pricing.TaxRate, pricing.Shipping, pricing.COD),
		Discounts:  discount.NewValidator(discountRepo),
		Orders:     orderRepo,
		Payments:   dispatcher,
		Numbers:    order.NewNumberGenerator(cfg.Checkout.OrderPrefix),
		Publisher:  publisher,
		Currency:   cfg.Checkout.Currency,
	})

	g, gctx := errgroup.WithContext(ctx)

	if limiterStore == nil {
		mem := httpmiddleware.NewMemoryStore()
		g.Go(func() error {
			mem.Cleanup(gctx, 2*cfg.RateLimit.Window, 2*cfg.RateLimit.Window)
			return nil
		})
		limiterStore = mem
	}

	router := chi.NewRouter()
	router.Use(
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
	)
	healthSvc.Routes(router)
	router.Group(func(r chi.Router) {
		r.Use(
			httpmiddleware.Instrument("checkout-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
			cors.Handler(cors.Options{
				AllowedOrigins:   cfg.CORS.Origins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders:   []string{"Content-Type", "Authorization", httpmiddleware.HeaderRequestID},
				ExposedHeaders:   []string{httpmiddleware.HeaderRequestID, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Store:  limiterStore,
			}),
		)
		handler.New(svc).Register(r)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Leaves room for a processor call bounded by Processor.Timeout.
		WriteTimeout:   cfg.Processor.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        router,
	}

	healthSvc.Start(gctx, 10*time.Second)
	healthSvc.SetReady(true)

	if cfg.Reconcile.Enabled {
		reconciler := payment.NewReconciler(orderRepo, dispatcher, payment.ReconcilerConfig{
			Interval:  cfg.Reconcile.Interval,
			ActionAge: cfg.Reconcile.ActionAge,
			StuckAge:  cfg.Reconcile.StuckAge,
			BatchSize: cfg.Reconcile.BatchSize,
		})
		g.Go(func() error {
			return reconciler.Run(gctx)
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr), zap.Bool("sandbox", cfg.Processor.Sandbox()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func newProcessor(lg *zap.Logger, m *app.Telemetry, cfg ProcessorConfig) payment.Processor {
	if cfg.Sandbox() {
		lg.Warn("No processor secret key configured, using the sandbox processor")
		return sandbox.New()
	}
	return stripegw.New(stripegw.Config{
		SecretKey:      cfg.SecretKey,
		APIURL:         cfg.APIURL,
		Timeout:        cfg.Timeout,
		Logger:         lg,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
}
