package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	codes := demoCodes(time.Now().UTC())
	written, err := postgres.NewDiscountRepository(pool).Upsert(ctx, codes)
	if err != nil {
		return errors.Wrap(err, "upsert discount codes")
	}
	for _, c := range codes {
		lg.Info("Upserted discount code",
			zap.String("code", c.Code),
			zap.String("type", string(c.Type)),
			zap.Stringer("value", c.Value),
		)
	}
	lg.Info("Discount codes seeded", zap.Int64("rows", written))
	return nil
}

func demoCodes(now time.Time) []discount.Code {
	limit := func(n int) *int { return &n }
	at := func(t time.Time) *time.Time { return &t }

	return []discount.Code{
		{
			Code:   "WELCOME10",
			Type:   discount.TypePercentage,
			Value:  decimal.NewFromInt(10),
			Active: true,
		},
		{
			Code:          "SAVE20",
			Type:          discount.TypePercentage,
			Value:         decimal.NewFromInt(20),
			MinimumAmount: decimal.NewFromInt(100),
			Active:        true,
		},
		{
			Code:       "FLAT5",
			Type:       discount.TypeFixed,
			Value:      decimal.NewFromInt(5),
			UsageLimit: limit(1000),
			Active:     true,
		},
		{
			Code:     "SUMMER15",
			Type:     discount.TypePercentage,
			Value:    decimal.NewFromInt(15),
			StartsAt: at(now.AddDate(0, 0, -1)),
			EndsAt:   at(now.AddDate(0, 3, 0)),
			Active:   true,
		},
		{
			Code:   "EXPIRED50",
			Type:   discount.TypePercentage,
			Value:  decimal.NewFromInt(50),
			EndsAt: at(now.AddDate(0, 0, -1)),
			Active: true,
		},
		{
			Code:       "ONEUSE",
			Type:       discount.TypeFixed,
			Value:      decimal.NewFromInt(25),
			UsageLimit: limit(1),
			Active:     true,
		},
	}
}
