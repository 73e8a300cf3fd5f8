// Package cache provides a read-through in-process cache in front of the
// coupon stores.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

var (
	_ coupon.Repository      = (*Coupons)(nil)
	_ coupon.UsageRepository = (*Usages)(nil)
)

// Coupons caches FindByCode results of the wrapped repository. Every write
// through Coupons drops the whole cache, so an admin change is visible to the
// next lookup. Counters in a cached coupon may lag by up to the TTL; the
// ledger re-checks limits atomically so the lag only affects the advisory
// check in validation.
type Coupons struct {
	coupon.Repository
	cache *gocache.Cache
}

// NewCoupons wraps repo with a cache whose entries live for ttl.
func NewCoupons(repo coupon.Repository, ttl time.Duration) *Coupons {
	return &Coupons{
		Repository: repo,
		cache:      gocache.New(ttl, 2*ttl),
	}
}

func (c *Coupons) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	key := coupon.NormalizeCode(code)
	if v, ok := c.cache.Get(key); ok {
		return v.(*coupon.Coupon).Clone(), nil
	}

	found, err := c.Repository.FindByCode(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, found.Clone())
	return found, nil
}

func (c *Coupons) Create(ctx context.Context, cp *coupon.Coupon) error {
	defer c.cache.Flush()
	return c.Repository.Create(ctx, cp)
}

func (c *Coupons) Update(ctx context.Context, cp *coupon.Coupon) error {
	defer c.cache.Flush()
	return c.Repository.Update(ctx, cp)
}

func (c *Coupons) Delete(ctx context.Context, id string) error {
	defer c.cache.Flush()
	return c.Repository.Delete(ctx, id)
}

func (c *Coupons) ExpireBatch(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := c.Repository.ExpireBatch(ctx, now, limit)
	if n > 0 {
		c.cache.Flush()
	}
	return n, err
}

// Invalidate drops the cached coupon with the given code.
func (c *Coupons) Invalidate(code string) {
	c.cache.Delete(coupon.NormalizeCode(code))
}

// Usages drops the cached coupon after each recorded use so the next
// validation sees the new counter.
type Usages struct {
	coupon.UsageRepository
	coupons *Coupons
}

// NewUsages wraps repo and invalidates entries of coupons.
func NewUsages(repo coupon.UsageRepository, coupons *Coupons) *Usages {
	return &Usages{UsageRepository: repo, coupons: coupons}
}

func (u *Usages) Record(ctx context.Context, usage *coupon.Usage) error {
	if err := u.UsageRepository.Record(ctx, usage); err != nil {
		return err
	}
	u.coupons.Invalidate(usage.CouponCode)
	return nil
}
