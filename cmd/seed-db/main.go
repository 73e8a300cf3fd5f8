// Command seed-db loads demo products, coupons and API keys.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
	"github.com/xenking/coupon-engine/internal/storage/postgres"
)

type productJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CategoryID string `json:"categoryId"`
}

type seedConfig struct {
	databaseURL  string
	productsFile string
	redeemKey    string
	adminKey     string
	pepper       string
}

func main() {
	var cfg seedConfig
	flag.StringVar(&cfg.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&cfg.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&cfg.redeemKey, "redeem-key", "", "checkout API key to seed (or COUPON_SEED_REDEEM_KEY env)")
	flag.StringVar(&cfg.adminKey, "admin-key", "", "admin API key to seed (or COUPON_SEED_ADMIN_KEY env)")
	flag.StringVar(&cfg.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or COUPON_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	fromEnv(&cfg.databaseURL, "DATABASE_URL")
	fromEnv(&cfg.redeemKey, "COUPON_SEED_REDEEM_KEY")
	fromEnv(&cfg.adminKey, "COUPON_SEED_ADMIN_KEY")
	fromEnv(&cfg.pepper, "COUPON_API_KEY_PEPPER")
	if cfg.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Error("Seed failed", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("Seed completed successfully")
}

func fromEnv(v *string, key string) {
	if *v == "" {
		*v = os.Getenv(key)
	}
}

func run(ctx context.Context, lg *zap.Logger, cfg seedConfig) error {
	pool, err := postgres.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, lg, postgres.NewCatalogRepository(pool), cfg.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	svc := coupon.NewService(postgres.NewCouponRepository(pool), postgres.NewUsageRepository(pool),
		coupon.WithLogger(lg),
	)
	if err := seedCoupons(ctx, lg, svc, time.Now().UTC()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	keys := postgres.NewAPIKeyRepository(pool)
	for _, k := range []struct {
		id, name, key, scope string
	}{
		{id: "checkout", name: "Checkout service", key: cfg.redeemKey, scope: auth.ScopeRedeem},
		{id: "admin", name: "Back office", key: cfg.adminKey, scope: auth.ScopeAdmin},
	} {
		if k.key == "" {
			lg.Info("Skipping API key, none given", zap.String("id", k.id))
			continue
		}
		err := keys.Upsert(ctx, auth.APIKeyInfo{
			ID:      k.id,
			KeyHash: auth.HashKey(k.key, []byte(cfg.pepper)),
			Name:    k.name,
			Scopes:  []string{k.scope},
		})
		if err != nil {
			return errors.Wrap(err, "seed api key")
		}
		lg.Info("Upserted API key", zap.String("id", k.id), zap.String("scope", k.scope))
	}
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, catalog *postgres.CatalogRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}
	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	for _, p := range products {
		if err := catalog.UpsertProduct(ctx, p.ID, p.Name, p.CategoryID); err != nil {
			return err
		}
	}
	lg.Info("Upserted products", zap.Int("count", len(products)))
	return nil
}

func seedCoupons(ctx context.Context, lg *zap.Logger, svc *coupon.Service, now time.Time) error {
	end := now.AddDate(1, 0, 0)
	reqs := []coupon.CreateRequest{
		{
			Code:          "SAVE10",
			Name:          "10% off orders over 50",
			Type:          coupon.TypePercentage,
			Value:         decimal.NewFromInt(10),
			MinimumAmount: decimal.NewNullDecimal(decimal.NewFromInt(50)),
			MaximumAmount: decimal.NewNullDecimal(decimal.NewFromInt(25)),
			StartDate:     now,
			EndDate:       end,
		},
		{
			Code:           "FLAT500",
			Name:           "5.00 off for new customers",
			Type:           coupon.TypeFixed,
			Value:          decimal.NewFromInt(5),
			MaxUses:        ptr(500),
			MaxUsesPerUser: ptr(1),
			Restrictions:   coupon.Restrictions{NewCustomersOnly: true},
			StartDate:      now,
			EndDate:        end,
		},
		{
			Code:                 "BOGO1",
			Name:                 "Buy one get one on shoes",
			Type:                 coupon.TypeBogo,
			ApplicableCategories: []string{"shoes"},
			StartDate:            now,
			EndDate:              end,
		},
		{
			Code:            "SHIPFREE",
			Name:            "Free shipping, gift cards excluded",
			Type:            coupon.TypeFreeShipping,
			ExcludeProducts: []string{"sku-giftcard-05"},
			StartDate:       now,
			EndDate:         end,
		},
	}

	for _, req := range reqs {
		_, err := svc.CreateCoupon(ctx, req)
		switch {
		case errors.Is(err, coupon.ErrCodeAlreadyExists):
			lg.Info("Coupon already seeded", zap.String("code", req.Code))
		case err != nil:
			return errors.Wrapf(err, "create coupon %s", req.Code)
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
