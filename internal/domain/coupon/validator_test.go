package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCouponRepo struct {
	Repository
	coupon *Coupon
	err    error
}

func (m *mockCouponRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.coupon == nil || m.coupon.Code != code {
		return nil, ErrNotFound
	}
	return m.coupon.Clone(), nil
}

type mockUsageRepo struct {
	UsageRepository
	count int
	err   error
}

func (m *mockUsageRepo) CountByUser(_ context.Context, _, _ string) (int, error) {
	return m.count, m.err
}

type mockResolver map[string]string

func (m mockResolver) Categories(_ context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range ids {
		if c, ok := m[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func activeCoupon(mut func(*Coupon)) *Coupon {
	c := &Coupon{
		ID:        "c1",
		Code:      "SAVE10",
		Name:      "Save 10",
		Type:      TypePercentage,
		Value:     dec("10"),
		StartDate: fixedNow.Add(-7 * 24 * time.Hour),
		EndDate:   fixedNow.Add(7 * 24 * time.Hour),
		Status:    StatusActive,
	}
	if mut != nil {
		mut(c)
	}
	return c
}

func cart(prices ...string) []CartItem {
	items := make([]CartItem, len(prices))
	for i, p := range prices {
		items[i] = CartItem{ProductID: string(rune('a' + i)), Price: dec(p), Quantity: 1}
	}
	return items
}

func TestService_Validate(t *testing.T) {
	tests := []struct {
		name      string
		coupon    *Coupon
		usedByMe  int
		req       ValidateRequest
		wantValid bool
		wantKind  Kind
		wantError string
		wantDisc  string
	}{
		{
			name:      "valid percentage",
			coupon:    activeCoupon(nil),
			req:       ValidateRequest{Code: "save10", Items: cart("1000"), Subtotal: dec("1000")},
			wantValid: true,
			wantDisc:  "100",
		},
		{
			name:      "unknown code",
			coupon:    activeCoupon(nil),
			req:       ValidateRequest{Code: "NOPE", Subtotal: dec("10")},
			wantKind:  KindNotFound,
			wantError: "Invalid coupon code",
		},
		{
			name:      "inactive",
			coupon:    activeCoupon(func(c *Coupon) { c.Status = StatusInactive }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindInactive,
			wantError: "Coupon is not active",
		},
		{
			name:      "expired status",
			coupon:    activeCoupon(func(c *Coupon) { c.Status = StatusExpired }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindInactive,
			wantError: "Coupon is not active",
		},
		{
			name:      "not yet valid",
			coupon:    activeCoupon(func(c *Coupon) { c.StartDate = fixedNow.Add(time.Hour) }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindNotYetValid,
			wantError: "Coupon is not yet valid",
		},
		{
			name:      "past end date",
			coupon:    activeCoupon(func(c *Coupon) { c.EndDate = fixedNow.Add(-time.Second) }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindExpired,
			wantError: "Coupon has expired",
		},
		{
			name:      "end date is inclusive",
			coupon:    activeCoupon(func(c *Coupon) { c.EndDate = fixedNow }),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("100"), Subtotal: dec("100")},
			wantValid: true,
			wantDisc:  "10",
		},
		{
			name: "global limit reached",
			coupon: activeCoupon(func(c *Coupon) {
				c.MaxUses = intPtr(3)
				c.UsedCount = 3
			}),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindUsageLimitExceeded,
			wantError: "Coupon usage limit exceeded",
		},
		{
			name:      "per-user limit reached",
			coupon:    activeCoupon(func(c *Coupon) { c.MaxUsesPerUser = intPtr(1) }),
			usedByMe:  1,
			req:       ValidateRequest{Code: "SAVE10", UserID: "u1", Subtotal: dec("10")},
			wantKind:  KindPerUserLimitExceeded,
			wantError: "You have already used this coupon the maximum number of times",
		},
		{
			name:      "per-user limit without user",
			coupon:    activeCoupon(func(c *Coupon) { c.MaxUsesPerUser = intPtr(1) }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindRestrictionViolation,
			wantError: "Sign in to use this coupon",
		},
		{
			name: "below minimum",
			coupon: activeCoupon(func(c *Coupon) {
				c.MinimumAmount = decimal.NewNullDecimal(dec("500"))
			}),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("400"), Subtotal: dec("400")},
			wantKind:  KindBelowMinimumAmount,
			wantError: "Minimum order amount of 500.00 required",
		},
		{
			name: "minimum is inclusive",
			coupon: activeCoupon(func(c *Coupon) {
				c.MinimumAmount = decimal.NewNullDecimal(dec("500"))
			}),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("500"), Subtotal: dec("500")},
			wantValid: true,
			wantDisc:  "50",
		},
		{
			name:      "first time only with previous orders",
			coupon:    activeCoupon(func(c *Coupon) { c.Restrictions.FirstTimeOnly = true }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10"), User: &UserProfile{ID: "u1", OrderCount: 2}},
			wantKind:  KindRestrictionViolation,
			wantError: "This coupon is only valid on your first order",
		},
		{
			name:      "first time only on first order",
			coupon:    activeCoupon(func(c *Coupon) { c.Restrictions.FirstTimeOnly = true }),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10"), User: &UserProfile{ID: "u1"}},
			wantValid: true,
			wantDisc:  "1",
		},
		{
			name:   "new customers only with old account",
			coupon: activeCoupon(func(c *Coupon) { c.Restrictions.NewCustomersOnly = true }),
			req: ValidateRequest{Code: "SAVE10", Subtotal: dec("10"), User: &UserProfile{
				ID: "u1", CreatedAt: fixedNow.Add(-31 * 24 * time.Hour),
			}},
			wantKind:  KindRestrictionViolation,
			wantError: "This coupon is only valid for new customers",
		},
		{
			name:      "existing customers only without orders",
			coupon:    activeCoupon(func(c *Coupon) { c.Restrictions.ExistingCustomersOnly = true }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10"), User: &UserProfile{ID: "u1"}},
			wantKind:  KindRestrictionViolation,
			wantError: "This coupon is only valid for returning customers",
		},
		{
			name:      "restricted coupon without profile",
			coupon:    activeCoupon(func(c *Coupon) { c.Restrictions.NewCustomersOnly = true }),
			req:       ValidateRequest{Code: "SAVE10", Subtotal: dec("10")},
			wantKind:  KindRestrictionViolation,
			wantError: "Sign in to use this coupon",
		},
		{
			name:      "no applicable product in cart",
			coupon:    activeCoupon(func(c *Coupon) { c.ApplicableProducts = []string{"zz"} }),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
			wantKind:  KindNotApplicableToCart,
			wantError: "Coupon is not applicable to items in your cart",
		},
		{
			name:      "every line excluded",
			coupon:    activeCoupon(func(c *Coupon) { c.ExcludeProducts = []string{"a", "b"} }),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("10", "20"), Subtotal: dec("30")},
			wantKind:  KindNotApplicableToCart,
			wantError: "Coupon is not applicable to items in your cart",
		},
		{
			name:      "applicable product present",
			coupon:    activeCoupon(func(c *Coupon) { c.ApplicableProducts = []string{"b"} }),
			req:       ValidateRequest{Code: "SAVE10", Items: cart("10", "20"), Subtotal: dec("30")},
			wantValid: true,
			wantDisc:  "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(
				&mockCouponRepo{coupon: tt.coupon},
				&mockUsageRepo{count: tt.usedByMe},
				WithClock(func() time.Time { return fixedNow }),
			)

			res, err := svc.Validate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantError, res.Error)
			if tt.wantValid {
				require.NotNil(t, res.Coupon)
				assert.True(t, res.DiscountAmount.Equal(dec(tt.wantDisc)),
					"got %s, want %s", res.DiscountAmount, tt.wantDisc)
			} else {
				assert.Nil(t, res.Coupon)
				assert.True(t, res.DiscountAmount.IsZero())
			}
		})
	}
}

func TestService_Validate_Warnings(t *testing.T) {
	tests := []struct {
		name   string
		coupon *Coupon
		req    ValidateRequest
		want   []string
	}{
		{
			name:   "free shipping",
			coupon: activeCoupon(func(c *Coupon) { c.Type = TypeFreeShipping; c.Value = decimal.Zero }),
			req:    ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
			want:   []string{"Free shipping is applied at checkout"},
		},
		{
			name:   "fixed larger than subtotal",
			coupon: activeCoupon(func(c *Coupon) { c.Type = TypeFixed; c.Value = dec("50") }),
			req:    ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
			want:   []string{"Discount reduced to the order subtotal"},
		},
		{
			name:   "bogo with one line",
			coupon: activeCoupon(func(c *Coupon) { c.Type = TypeBogo; c.Value = decimal.Zero }),
			req:    ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
			want:   []string{"Add another eligible item to receive the discount"},
		},
		{
			name:   "expires within a day",
			coupon: activeCoupon(func(c *Coupon) { c.EndDate = fixedNow.Add(2 * time.Hour) }),
			req:    ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
			want:   []string{"Coupon expires soon"},
		},
		{
			name:   "nothing to say",
			coupon: activeCoupon(nil),
			req:    ValidateRequest{Code: "SAVE10", Items: cart("10"), Subtotal: dec("10")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&mockCouponRepo{coupon: tt.coupon}, &mockUsageRepo{},
				WithClock(func() time.Time { return fixedNow }),
			)
			res, err := svc.Validate(context.Background(), tt.req)
			require.NoError(t, err)
			require.True(t, res.Valid)
			assert.Equal(t, tt.want, res.Warnings)
		})
	}
}

func TestService_Validate_ResolvesCategories(t *testing.T) {
	c := activeCoupon(func(c *Coupon) {
		c.Type = TypeBogo
		c.Value = decimal.Zero
		c.ApplicableCategories = []string{"shoes"}
	})
	svc := NewService(&mockCouponRepo{coupon: c}, &mockUsageRepo{},
		WithClock(func() time.Time { return fixedNow }),
		WithCategoryResolver(mockResolver{"a": "shoes", "b": "hats", "c": "shoes"}),
	)

	items := cart("90", "10", "70")
	res, err := svc.Validate(context.Background(), ValidateRequest{
		Code: "SAVE10", Items: items, Subtotal: dec("170"),
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, res.DiscountAmount.Equal(dec("70")), "got %s", res.DiscountAmount)
	assert.Empty(t, items[0].CategoryID, "caller's cart must not be modified")
}

func TestService_Validate_InvalidInput(t *testing.T) {
	svc := NewService(&mockCouponRepo{coupon: activeCoupon(nil)}, &mockUsageRepo{})

	for name, req := range map[string]ValidateRequest{
		"empty code":        {Code: "  ", Subtotal: dec("10")},
		"negative subtotal": {Code: "SAVE10", Subtotal: dec("-1")},
		"zero quantity":     {Code: "SAVE10", Subtotal: dec("10"), Items: []CartItem{{ProductID: "a", Price: dec("10")}}},
		"negative price": {Code: "SAVE10", Subtotal: dec("10"), Items: []CartItem{
			{ProductID: "a", Price: dec("-10"), Quantity: 1},
		}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestService_Validate_StoreFailure(t *testing.T) {
	storeErr := errors.New("connection refused")

	svc := NewService(&mockCouponRepo{err: storeErr}, &mockUsageRepo{})
	_, err := svc.Validate(context.Background(), ValidateRequest{Code: "SAVE10", Subtotal: dec("10")})
	require.ErrorIs(t, err, storeErr)
	assert.Empty(t, KindOf(err))

	svc = NewService(
		&mockCouponRepo{coupon: activeCoupon(func(c *Coupon) { c.MaxUsesPerUser = intPtr(1) })},
		&mockUsageRepo{err: storeErr},
		WithClock(func() time.Time { return fixedNow }),
	)
	_, err = svc.Validate(context.Background(), ValidateRequest{Code: "SAVE10", UserID: "u", Subtotal: dec("10")})
	require.ErrorIs(t, err, storeErr)
}
