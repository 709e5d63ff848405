// Command discount-import loads discount codes from gzip-compressed CSV
// exports into the discount_codes table.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/discount"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
)

type options struct {
	databaseURL string
	batchSize   int
	onlyNew     bool
	dryRun      bool
	files       []string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.batchSize, "batch", 500, "codes per upsert batch")
	flag.BoolVar(&opts.onlyNew, "only-new", false, "leave codes that already exist untouched")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "parse and validate the files without writing")
	flag.Parse()
	opts.files = flag.Args()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if len(opts.files) == 0 {
		lg.Fatal("Usage: discount-import [flags] codes1.csv.gz [codes2.csv.gz ...]")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.batchSize <= 0 {
		opts.batchSize = 500
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Discount import failed", zap.Error(err))
	}
	lg.Info("Discount import completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	parsed := make([][]discount.Code, len(opts.files))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range opts.files {
		g.Go(func() error {
			codes, err := readFile(gctx, path)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			lg.Info("Parsed file", zap.String("path", path), zap.Int("codes", len(codes)))
			parsed[i] = codes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	codes := merge(parsed)
	lg.Info("Merged files", zap.Int("files", len(opts.files)), zap.Int("codes", len(codes)))
	if opts.dryRun || len(codes) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	repo := postgres.NewDiscountRepository(pool)

	if opts.onlyNew {
		known := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		if err := repo.EachCode(ctx, func(code string) error {
			known.AddString(code)
			return nil
		}); err != nil {
			return errors.Wrap(err, "load existing codes")
		}

		var skipped int
		codes, skipped, err = dropExisting(ctx, codes, known, func(ctx context.Context, code string) (bool, error) {
			_, err := repo.FindByCode(ctx, code)
			switch {
			case err == nil:
				return true, nil
			case errors.Is(err, discount.ErrNotFound):
				return false, nil
			default:
				return false, err
			}
		})
		if err != nil {
			return errors.Wrap(err, "filter existing codes")
		}
		lg.Info("Skipped existing codes", zap.Int("skipped", skipped), zap.Int("remaining", len(codes)))
	}

	var written int64
	for start := 0; start < len(codes); start += opts.batchSize {
		end := min(start+opts.batchSize, len(codes))
		n, err := repo.Upsert(ctx, codes[start:end])
		if err != nil {
			return errors.Wrapf(err, "upsert batch at %d", start)
		}
		written += n
		lg.Info("Write progress", zap.Int("done", end), zap.Int("total", len(codes)))
	}
	lg.Info("Codes written", zap.Int64("rows", written))
	return nil
}
