package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Checkout    CheckoutConfig
	Processor   ProcessorConfig
	Reconcile   ReconcileConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// CheckoutConfig holds pricing. Amounts are decimal strings.
type CheckoutConfig struct {
	Currency         string `default:"USD" usage:"Default order currency"`
	TaxRate          string `default:"0.08" usage:"Flat tax rate applied to the discounted subtotal" flag:"tax-rate"`
	OrderPrefix      string `default:"ORD" usage:"Order number prefix" flag:"order-prefix"`
	StandardShipping string `default:"5.00" usage:"Standard shipping price" flag:"standard-shipping"`
	ExpressShipping  string `default:"15.00" usage:"Express shipping price" flag:"express-shipping"`
	CODCountry       string `default:"JO" usage:"ISO country where cash on delivery is offered (empty disables it)" flag:"cod-country"`
	CODFee           string `default:"2.00" usage:"Cash on delivery handling fee" flag:"cod-fee"`
}

// ProcessorConfig configures the card processor. Without a secret key the
// in-process sandbox processor is used.
type ProcessorConfig struct {
	SecretKey       string        `usage:"Stripe secret key (CHECKOUT_PROCESSOR_SECRETKEY)" flag:"processor-secret-key"`
	APIURL          string        `usage:"Override of the Stripe API URL, e.g. stripe-mock" flag:"processor-api-url"`
	BillingCurrency string        `default:"usd" usage:"Currency charged when the order currency is not supported" flag:"billing-currency"`
	Currencies      []string      `default:"usd,eur,gbp" usage:"Currencies accepted by the processor" flag:"processor-currencies"`
	Timeout         time.Duration `default:"12s" usage:"Timeout of one processor call" flag:"processor-timeout"`
}

// Sandbox reports whether the sandbox processor should be used.
func (c ProcessorConfig) Sandbox() bool {
	return c.SecretKey == ""
}

// ReconcileConfig controls the background payment reconciler.
type ReconcileConfig struct {
	Enabled   bool          `default:"true" usage:"Run the payment reconciler" flag:"reconcile"`
	Interval  time.Duration `default:"1m" usage:"Reconciler sweep interval" flag:"reconcile-interval"`
	ActionAge time.Duration `default:"15m" usage:"Age after which requires_action payments are synced" flag:"reconcile-action-age"`
	StuckAge  time.Duration `default:"5m" usage:"Age after which processing payments are released" flag:"reconcile-stuck-age"`
	BatchSize int           `default:"50" usage:"Orders handled per state per sweep" flag:"reconcile-batch"`
}

// RedisConfig enables the shared rate limiter store when Addr is set.
type RedisConfig struct {
	Addr     string `usage:"Redis address (host:port); empty keeps rate limits in memory" flag:"redis-addr"`
	Password string `usage:"Redis password" flag:"redis-password"`
	DB       int    `default:"0" usage:"Redis database" flag:"redis-db"`
}

// KafkaConfig enables event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka brokers; empty disables event publishing" flag:"kafka-brokers"`
	Topic        string        `default:"checkout.events" usage:"Topic for order and payment events" flag:"kafka-topic"`
	WriteTimeout time.Duration `default:"5s" usage:"Kafka write timeout" flag:"kafka-write-timeout"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Pricing is the parsed form of CheckoutConfig.
type Pricing struct {
	TaxRate  decimal.Decimal
	Shipping []order.ShippingMethod
	COD      order.CODPolicy
}

// Pricing parses the configured amounts.
func (c CheckoutConfig) Pricing() (Pricing, error) {
	var p Pricing
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse %s", name)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.Errorf("%s must not be negative", name)
		}
		return d, nil
	}

	var err error
	if p.TaxRate, err = parse("tax rate", c.TaxRate); err != nil {
		return p, err
	}
	standard, err := parse("standard shipping", c.StandardShipping)
	if err != nil {
		return p, err
	}
	express, err := parse("express shipping", c.ExpressShipping)
	if err != nil {
		return p, err
	}
	fee, err := parse("cod fee", c.CODFee)
	if err != nil {
		return p, err
	}

	p.Shipping = []order.ShippingMethod{
		{ID: "standard", Name: "Standard Shipping", Description: "Delivered in 5-7 business days", Price: standard},
		{ID: "express", Name: "Express Shipping", Description: "Delivered in 1-2 business days", Price: express},
	}
	p.COD = order.CODPolicy{Country: strings.ToUpper(strings.TrimSpace(c.CODCountry)), Fee: fee}
	return p, nil
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if _, err := cfg.Checkout.Pricing(); err != nil {
		return nil, errors.Wrap(err, "checkout config")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Processor.SecretKey == "" {
		c.Processor.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
}
