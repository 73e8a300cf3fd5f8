// Command coupon-import bulk-loads coupon definitions from gzipped
// JSON-lines files.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		workers     int
		expected    uint
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent inserts per file")
	flag.UintVar(&expected, "expected", 1_000_000, "expected coupons per file, sizes the bloom filters")
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
	if flag.NArg() == 0 {
		lg.Fatal("Usage: coupon-import [flags] file.jsonl.gz...")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, workers, expected, flag.Args()); err != nil {
		lg.Error("Coupon import failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, workers int, expected uint, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc := coupon.NewService(
		postgres.NewCouponRepository(pool),
		postgres.NewUsageRepository(pool),
		coupon.WithLogger(lg.WithOptions(zap.IncreaseLevel(zap.WarnLevel))),
	)
	stats, err := NewImporter(svc, lg, workers, expected).Run(ctx, files)
	if err != nil {
		return err
	}

	lg.Info("Coupon import completed",
		zap.Int64("created", stats.Created),
		zap.Int64("existing", stats.Existing),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("malformed", stats.Malformed),
	)
	return nil
}
