// Command coupon-sweeper expires overdue coupons once and exits. It is meant
// for cron-style schedulers when the server runs with the in-process sweeper
// disabled.
package main

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
	appkg "github.com/xenking/coupon-engine/internal/app"
	"github.com/xenking/coupon-engine/internal/storage/postgres"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return err
		}

		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		sweeper := coupon.NewSweeper(postgres.NewCouponRepository(pool), cfg.Sweeper.Domain(),
			coupon.WithLogger(lg),
			coupon.WithMeterProvider(m.MeterProvider()),
			coupon.WithTracerProvider(m.TracerProvider()),
		)
		n, err := sweeper.Sweep(ctx, time.Now().UTC())
		if err != nil {
			return errors.Wrapf(err, "sweep (expired %d before failing)", n)
		}
		lg.Info("Sweep completed", zap.Int("expired", n))
		return nil
	})
}
