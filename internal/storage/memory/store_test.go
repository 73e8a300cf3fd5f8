package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newCoupon(id, code string) *coupon.Coupon {
	return &coupon.Coupon{
		ID:        id,
		Code:      code,
		Name:      code,
		Type:      coupon.TypeFixed,
		Value:     decimal.NewFromInt(5),
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		Status:    coupon.StatusActive,
		CreatedAt: now,
	}
}

func intPtr(v int) *int { return &v }

func TestStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Create(ctx, newCoupon("c1", "save10")))

	c, err := s.FindByCode(ctx, " Save10 ")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", c.Code)

	// Returned coupons are copies.
	c.Name = "changed"
	again, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "save10", again.Name)

	err = s.Create(ctx, newCoupon("c2", "SAVE10"))
	assert.ErrorIs(t, err, coupon.ErrCodeAlreadyExists)

	_, err = s.FindByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestStore_UpdateKeepsUsedCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newCoupon("c1", "A100")))
	require.NoError(t, s.Create(ctx, newCoupon("c2", "B200")))
	require.NoError(t, s.Record(ctx, &coupon.Usage{ID: "u1", CouponID: "c1", UserID: "u", OrderID: "o1"}))

	c, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	c.UsedCount = 0
	c.Code = "A101"
	require.NoError(t, s.Update(ctx, c))

	got, err := s.FindByCode(ctx, "A101")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
	_, err = s.FindByCode(ctx, "A100")
	assert.ErrorIs(t, err, coupon.ErrNotFound)

	c.Code = "B200"
	assert.ErrorIs(t, s.Update(ctx, c), coupon.ErrCodeAlreadyExists)
}

func TestStore_UpdateRefusesLimitBelowUsage(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newCoupon("c1", "A100")))
	for _, order := range []string{"o1", "o2"} {
		require.NoError(t, s.Record(ctx, &coupon.Usage{ID: order, CouponID: "c1", UserID: "u", OrderID: order}))
	}

	// A stale copy read before the second usage.
	c, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	c.UsedCount = 1
	c.MaxUses = intPtr(1)
	assert.ErrorIs(t, s.Update(ctx, c), coupon.ErrInvalidData)

	got, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got.MaxUses)
	assert.Equal(t, 2, got.UsedCount)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := range 5 {
		c := newCoupon(fmt.Sprintf("c%d", i), fmt.Sprintf("CODE%d", i))
		c.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			c.Type = coupon.TypePercentage
		}
		require.NoError(t, s.Create(ctx, c))
	}

	all, err := s.List(ctx, coupon.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "CODE4", all[0].Code)

	pct, err := s.List(ctx, coupon.ListFilter{Type: coupon.TypePercentage})
	require.NoError(t, err)
	assert.Len(t, pct, 3)

	page, err := s.List(ctx, coupon.ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	found, err := s.List(ctx, coupon.ListFilter{Search: "code3"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "c3", found[0].ID)
}

func TestStore_ExpireBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := range 3 {
		c := newCoupon(fmt.Sprintf("old%d", i), fmt.Sprintf("OLD%d", i))
		c.EndDate = now.Add(-time.Minute)
		require.NoError(t, s.Create(ctx, c))
	}
	require.NoError(t, s.Create(ctx, newCoupon("fresh", "FRESH")))

	n, err := s.ExpireBatch(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.ExpireBatch(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ExpireBatch(ctx, now, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	fresh, err := s.FindByID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusActive, fresh.Status)
}

func TestStore_RecordConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCoupon("c1", "LIMITED")
	c.MaxUses = intPtr(3)
	require.NoError(t, s.Create(ctx, c))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Record(ctx, &coupon.Usage{
				ID:       fmt.Sprintf("u%d", i),
				CouponID: "c1",
				UserID:   fmt.Sprintf("user%d", i),
				OrderID:  fmt.Sprintf("order%d", i),
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

	assert.Equal(t, 3, success)
	got, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCount)

	usages, err := s.ListByCoupon(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, usages, 3)
}

func TestStore_RecordFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCoupon("c1", "ONCE")
	c.MaxUsesPerUser = intPtr(1)
	require.NoError(t, s.Create(ctx, c))

	u := &coupon.Usage{ID: "u1", CouponID: "c1", UserID: "alice", OrderID: "o1"}
	require.NoError(t, s.Record(ctx, u))
	assert.Equal(t, "ONCE", u.CouponCode)

	err := s.Record(ctx, &coupon.Usage{ID: "u2", CouponID: "c1", UserID: "alice", OrderID: "o2"})
	assert.ErrorIs(t, err, coupon.ErrPerUserLimitExceeded)

	err = s.Record(ctx, &coupon.Usage{ID: "u3", CouponID: "c1", UserID: "bob", OrderID: "o1"})
	assert.ErrorIs(t, err, coupon.ErrAlreadyApplied)

	err = s.Record(ctx, &coupon.Usage{ID: "u4", CouponID: "missing", UserID: "bob", OrderID: "o4"})
	assert.ErrorIs(t, err, coupon.ErrNotFound)

	got, err := s.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
	n, err := s.CountByUser(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCatalog_Categories(t *testing.T) {
	c := Catalog{"p1": "shoes", "p2": "hats"}
	got, err := c.Categories(context.Background(), []string{"p1", "p3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "shoes"}, got)
}
