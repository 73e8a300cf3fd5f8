// Package memory implements the coupon stores in process memory. All
// operations are serialized by a single mutex, which makes Record trivially
// atomic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

var (
	_ coupon.Repository      = (*Store)(nil)
	_ coupon.UsageRepository = (*Store)(nil)
)

type orderKey struct {
	couponID string
	orderID  string
}

type userKey struct {
	couponID string
	userID   string
}

// Store keeps coupons and their usage records in maps.
type Store struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	byCode  map[string]string
	usages  []coupon.Usage
	orders  map[orderKey]struct{}
	perUser map[userKey]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		coupons: make(map[string]*coupon.Coupon),
		byCode:  make(map[string]string),
		orders:  make(map[orderKey]struct{}),
		perUser: make(map[userKey]int),
	}
}

func (s *Store) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return s.coupons[id].Clone(), nil
}

func (s *Store) FindByID(_ context.Context, id string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return c.Clone(), nil
}

// List returns matching coupons ordered by creation time, newest first.
func (s *Store) List(_ context.Context, f coupon.ListFilter) ([]coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f = f.Normalize()
	search := strings.ToLower(f.Search)
	matched := lo.Filter(lo.Values(s.coupons), func(c *coupon.Coupon, _ int) bool {
		if f.Status != "" && c.Status != f.Status {
			return false
		}
		if f.Type != "" && c.Type != f.Type {
			return false
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Code), search) &&
			!strings.Contains(strings.ToLower(c.Name), search) {
			return false
		}
		return true
	})
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Code < matched[j].Code
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset >= len(matched) {
		return []coupon.Coupon{}, nil
	}
	matched = matched[f.Offset:min(f.Offset+f.Limit, len(matched))]
	return lo.Map(matched, func(c *coupon.Coupon, _ int) coupon.Coupon {
		return *c.Clone()
	}), nil
}

func (s *Store) Create(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := coupon.NormalizeCode(c.Code)
	if _, ok := s.byCode[code]; ok {
		return coupon.ErrCodeAlreadyExists
	}
	stored := c.Clone()
	stored.Code = code
	s.coupons[stored.ID] = stored
	s.byCode[code] = stored.ID
	return nil
}

// Update replaces the stored coupon except for its usage counter. A limit
// below the counter is refused.
func (s *Store) Update(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.coupons[c.ID]
	if !ok {
		return coupon.ErrNotFound
	}
	code := coupon.NormalizeCode(c.Code)
	if id, taken := s.byCode[code]; taken && id != c.ID {
		return coupon.ErrCodeAlreadyExists
	}
	if c.MaxUses != nil && *c.MaxUses < old.UsedCount {
		return coupon.InvalidField("maxUses", coupon.UsedCountReason(old.UsedCount))
	}

	stored := c.Clone()
	stored.Code = code
	stored.UsedCount = old.UsedCount
	stored.CreatedAt = old.CreatedAt
	delete(s.byCode, old.Code)
	s.coupons[c.ID] = stored
	s.byCode[code] = c.ID
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	delete(s.byCode, c.Code)
	delete(s.coupons, id)
	return nil
}

func (s *Store) ExpireBatch(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, c := range s.coupons {
		if n >= limit {
			break
		}
		if c.Status == coupon.StatusActive && c.EndDate.Before(now) {
			c.Status = coupon.StatusExpired
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByUser(_ context.Context, couponID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.perUser[userKey{couponID, userID}], nil
}

func (s *Store) ListByCoupon(_ context.Context, couponID string) ([]coupon.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := lo.Filter(s.usages, func(u coupon.Usage, _ int) bool {
		return u.CouponID == couponID
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsedAt.After(out[j].UsedAt)
	})
	return out, nil
}

func (s *Store) Record(_ context.Context, u *coupon.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[u.CouponID]
	if !ok {
		return coupon.ErrNotFound
	}
	key := orderKey{u.CouponID, u.OrderID}
	if _, dup := s.orders[key]; dup {
		return coupon.ErrAlreadyApplied
	}
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return coupon.ErrUsageLimitExceeded
	}
	uk := userKey{u.CouponID, u.UserID}
	if c.MaxUsesPerUser != nil && s.perUser[uk] >= *c.MaxUsesPerUser {
		return coupon.ErrPerUserLimitExceeded
	}

	c.UsedCount++
	s.perUser[uk]++
	s.orders[key] = struct{}{}
	u.CouponCode = c.Code
	s.usages = append(s.usages, *u)
	return nil
}
