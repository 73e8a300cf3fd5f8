//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "coupon",
				"POSTGRES_PASSWORD": "coupon",
				"POSTGRES_DB":       "coupon",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = testcontainers.TerminateContainer(container) }()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://coupon:coupon@%s:%s/coupon?sslmode=disable", host, port.Port())
	pool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

func ptrTo(v int) *int { return &v }

func createCoupon(t *testing.T, code string, mut func(*coupon.Coupon)) *coupon.Coupon {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &coupon.Coupon{
		ID:        "id-" + code,
		Code:      code,
		Name:      code,
		Type:      coupon.TypePercentage,
		Value:     decimal.NewFromInt(10),
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Status:    coupon.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mut != nil {
		mut(c)
	}
	require.NoError(t, NewCouponRepository(pool).Create(context.Background(), c))
	return c
}

func TestCouponRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(pool)

	created := createCoupon(t, "CRUD10", func(c *coupon.Coupon) {
		c.MinimumAmount = decimal.NewNullDecimal(decimal.NewFromInt(50))
		c.MaxUses = ptrTo(5)
		c.ApplicableCategories = []string{"shoes"}
		c.Restrictions.FirstTimeOnly = true
	})

	got, err := repo.FindByCode(ctx, "crud10")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, got.MinimumAmount.Valid)
	assert.True(t, got.MinimumAmount.Decimal.Equal(decimal.NewFromInt(50)))
	assert.False(t, got.MaximumAmount.Valid)
	require.NotNil(t, got.MaxUses)
	assert.Equal(t, 5, *got.MaxUses)
	assert.Nil(t, got.MaxUsesPerUser)
	assert.Equal(t, []string{"shoes"}, got.ApplicableCategories)
	assert.True(t, got.Restrictions.FirstTimeOnly)

	err = repo.Create(ctx, &coupon.Coupon{
		ID: "dup", Code: "Crud10", Name: "dup", Type: coupon.TypeFixed, Value: decimal.NewFromInt(1),
		StartDate: created.StartDate, EndDate: created.EndDate, Status: coupon.StatusActive,
	})
	assert.ErrorIs(t, err, coupon.ErrCodeAlreadyExists)

	got.Name = "Renamed"
	got.MaxUses = nil
	require.NoError(t, repo.Update(ctx, got))
	again, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)
	assert.Nil(t, again.MaxUses)

	list, err := repo.List(ctx, coupon.ListFilter{Search: "renamed"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, created.ID))
	_, err = repo.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, coupon.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, created.ID), coupon.ErrNotFound)
}

func TestUsageRepository_ConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	usages := NewUsageRepository(pool)
	c := createCoupon(t, "RACE5", func(c *coupon.Coupon) {
		c.MaxUses = ptrTo(5)
	})

	const attempts = 30
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := usages.Record(ctx, &coupon.Usage{
				ID:             fmt.Sprintf("race-%d", i),
				CouponID:       c.ID,
				UserID:         fmt.Sprintf("user-%d", i),
				OrderID:        fmt.Sprintf("order-%d", i),
				DiscountAmount: decimal.NewFromInt(1),
				UsedAt:         time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, coupon.ErrUsageLimitExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	got, err := NewCouponRepository(pool).FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.UsedCount)

	rows, err := usages.ListByCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, "RACE5", rows[0].CouponCode)
}

func TestUsageRepository_Refusals(t *testing.T) {
	ctx := context.Background()
	usages := NewUsageRepository(pool)
	c := createCoupon(t, "PERUSER2", func(c *coupon.Coupon) {
		c.MaxUsesPerUser = ptrTo(2)
	})

	record := func(id, user, order string) error {
		return usages.Record(ctx, &coupon.Usage{
			ID: id, CouponID: c.ID, UserID: user, OrderID: order, UsedAt: time.Now().UTC(),
		})
	}

	require.NoError(t, record("pu1", "alice", "o1"))
	require.NoError(t, record("pu2", "alice", "o2"))
	assert.ErrorIs(t, record("pu3", "alice", "o3"), coupon.ErrPerUserLimitExceeded)
	assert.ErrorIs(t, record("pu4", "bob", "o1"), coupon.ErrAlreadyApplied)
	assert.ErrorIs(t, usages.Record(ctx, &coupon.Usage{
		ID: "pu5", CouponID: "missing", UserID: "bob", OrderID: "o5", UsedAt: time.Now().UTC(),
	}), coupon.ErrNotFound)

	n, err := usages.CountByUser(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := NewCouponRepository(pool).FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsedCount)
}

func TestCouponRepository_UpdateLimitBelowUsage(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(pool)
	c := createCoupon(t, "SHRINK3", func(c *coupon.Coupon) {
		c.MaxUses = ptrTo(3)
	})
	usages := NewUsageRepository(pool)
	for i := range 2 {
		require.NoError(t, usages.Record(ctx, &coupon.Usage{
			ID: fmt.Sprintf("shrink-%d", i), CouponID: c.ID, UserID: "u", OrderID: fmt.Sprintf("o%d", i),
			UsedAt: time.Now().UTC(),
		}))
	}

	c.MaxUses = ptrTo(1)
	err := repo.Update(ctx, c)
	require.ErrorIs(t, err, coupon.ErrInvalidData)
	assert.Equal(t, coupon.KindInvalidCouponData, coupon.KindOf(err))
}

func TestCouponRepository_ExpireBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(pool)
	now := time.Now().UTC()
	for i := range 3 {
		createCoupon(t, fmt.Sprintf("GONE%d", i), func(c *coupon.Coupon) {
			c.StartDate = now.Add(-48 * time.Hour)
			c.EndDate = now.Add(-24 * time.Hour)
		})
	}

	var total int
	for {
		n, err := repo.ExpireBatch(ctx, now, 2)
		require.NoError(t, err)
		total += n
		if n < 2 {
			break
		}
	}
	assert.GreaterOrEqual(t, total, 3)

	n, err := repo.ExpireBatch(ctx, now, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.FindByCode(ctx, "GONE0")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, got.Status)
}

func TestAPIKeyAndCatalog(t *testing.T) {
	ctx := context.Background()
	keys := NewAPIKeyRepository(pool)
	hash := auth.HashKey("secret", []byte("pepper"))
	require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{
		ID: "k1", KeyHash: hash, Name: "test", Scopes: []string{auth.ScopeRedeem},
	}))

	info, err := keys.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.True(t, info.HasScope(auth.ScopeRedeem))
	assert.False(t, info.HasScope(auth.ScopeAdmin))

	_, err = keys.FindByHash(ctx, "nope")
	assert.ErrorIs(t, err, auth.ErrKeyNotFound)

	cat := NewCatalogRepository(pool)
	require.NoError(t, cat.UpsertProduct(ctx, "p1", "Sneaker", "shoes"))
	got, err := cat.Categories(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "shoes"}, got)
}
