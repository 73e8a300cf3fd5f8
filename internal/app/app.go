package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/handler"
	"github.com/xenking/coupon-engine/internal/storage/cache"
	"github.com/xenking/coupon-engine/internal/storage/postgres"
	"github.com/xenking/coupon-engine/pkg/health"
	"github.com/xenking/coupon-engine/pkg/httpmiddleware"
)

// Stores bundles the coupon repositories used by the service and sweeper.
type Stores struct {
	Coupons coupon.Repository
	Usages  coupon.UsageRepository
}

// NewStores builds the Postgres repositories, optionally behind the
// read-through cache.
func NewStores(pool *pgxpool.Pool, cfg CacheConfig) Stores {
	couponRepo := postgres.NewCouponRepository(pool)
	usageRepo := postgres.NewUsageRepository(pool)
	if !cfg.Enabled {
		return Stores{Coupons: couponRepo, Usages: usageRepo}
	}
	cached := cache.NewCoupons(couponRepo, cfg.TTL)
	return Stores{Coupons: cached, Usages: cache.NewUsages(usageRepo, cached)}
}

// Run creates all dependencies, starts the HTTP server and the expiration
// sweeper, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	stores := NewStores(pool, cfg.Cache)
	opts := []coupon.Option{
		coupon.WithLogger(lg.Named("coupon")),
		coupon.WithMeterProvider(m.MeterProvider()),
		coupon.WithTracerProvider(m.TracerProvider()),
		coupon.WithCategoryResolver(postgres.NewCatalogRepository(pool)),
	}
	couponSvc := coupon.NewService(stores.Coupons, stores.Usages, opts...)
	sweeper := coupon.NewSweeper(stores.Coupons, cfg.Sweeper.Domain(), opts...)

	healthSvc := health.New(lg.Named("health"))
	healthSvc.Add(health.Readiness, "postgres", health.PingCheck(pool), health.WithTimeout(5*time.Second))
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))

	sweeperDone := make(chan struct{})
	if cfg.Sweeper.Enabled {
		// Three missed intervals in a row means the sweeper is stuck or the
		// database keeps refusing the batch.
		healthSvc.Add(health.Readiness, "sweeper",
			health.FreshnessCheck(sweeper.LastSuccess, 3*cfg.Sweeper.Interval, nil),
		)
		go func() {
			defer close(sweeperDone)
			sweeper.Run(ctx, cfg.Sweeper.Interval)
		}()
	} else {
		close(sweeperDone)
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	// Limits apply per API key after authentication; unauthenticated
	// requests never reach a bucket.
	limit := httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
		Rate:    cfg.RateLimit.Rate,
		Burst:   cfg.RateLimit.Burst,
		KeyFunc: handler.KeyID,
	})
	handler.NewHandler(couponSvc, sweeper).Register(mux,
		handler.NewSecurityHandler(postgres.NewAPIKeyRepository(pool), []byte(cfg.APIKeyPepper),
			handler.WithRateLimit(limit),
		),
	)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("coupon-api", routeFinder, m),
			httpmiddleware.Labeler(routeFinder),
			httpmiddleware.LogRequests(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		<-sweeperDone
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
