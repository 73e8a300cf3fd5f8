package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the supported coupon discount strategies.
type Type string

const (
	// TypeFixed subtracts a fixed monetary amount, capped at the subtotal.
	TypeFixed Type = "fixed"
	// TypePercentage applies a percentage of the subtotal, optionally capped.
	TypePercentage Type = "percentage"
	// TypeFreeShipping waives shipping at checkout and discounts nothing here.
	TypeFreeShipping Type = "free_shipping"
	// TypeBogo discounts the cheapest qualifying line when two or more qualify.
	TypeBogo Type = "bogo"
)

// Types lists every known coupon type.
var Types = []Type{TypeFixed, TypePercentage, TypeFreeShipping, TypeBogo}

// Valid reports whether t is one of the known coupon types.
func (t Type) Valid() bool {
	switch t {
	case TypeFixed, TypePercentage, TypeFreeShipping, TypeBogo:
		return true
	default:
		return false
	}
}

// usesValue reports whether the coupon's Value participates in the discount.
func (t Type) usesValue() bool {
	return t == TypeFixed || t == TypePercentage
}

// Status is the lifecycle state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive || s == StatusExpired
}

// newCustomerWindow is the account age up to which a customer counts as new.
const newCustomerWindow = 30 * 24 * time.Hour

// Restrictions filter the audience allowed to redeem a coupon.
type Restrictions struct {
	FirstTimeOnly         bool `json:"firstTimeOnly,omitempty"`
	NewCustomersOnly      bool `json:"newCustomersOnly,omitempty"`
	ExistingCustomersOnly bool `json:"existingCustomersOnly,omitempty"`
}

// Any reports whether at least one audience restriction is set.
func (r Restrictions) Any() bool {
	return r.FirstTimeOnly || r.NewCustomersOnly || r.ExistingCustomersOnly
}

// Coupon is a discount rule identified by a unique, case-insensitive code.
type Coupon struct {
	ID          string
	Code        string
	Name        string
	Description string
	Type        Type
	Value       decimal.Decimal

	// MinimumAmount is the smallest subtotal the coupon accepts.
	MinimumAmount decimal.NullDecimal
	// MaximumAmount caps the discount of percentage coupons.
	MaximumAmount decimal.NullDecimal

	// MaxUses and MaxUsesPerUser are nil when unlimited.
	MaxUses        *int
	MaxUsesPerUser *int
	UsedCount      int

	StartDate time.Time
	EndDate   time.Time
	Status    Status

	Restrictions         Restrictions
	ApplicableProducts   []string
	ApplicableCategories []string
	ExcludeProducts      []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scoped reports whether the coupon restricts itself to specific products or
// categories.
func (c *Coupon) Scoped() bool {
	return len(c.ApplicableProducts) > 0 || len(c.ApplicableCategories) > 0
}

// ActiveAt reports whether now falls within the inclusive validity window.
func (c *Coupon) ActiveAt(now time.Time) bool {
	return !now.Before(c.StartDate) && !now.After(c.EndDate)
}

// Clone returns a deep copy of the coupon.
func (c *Coupon) Clone() *Coupon {
	out := *c
	if c.MaxUses != nil {
		v := *c.MaxUses
		out.MaxUses = &v
	}
	if c.MaxUsesPerUser != nil {
		v := *c.MaxUsesPerUser
		out.MaxUsesPerUser = &v
	}
	out.ApplicableProducts = cloneStrings(c.ApplicableProducts)
	out.ApplicableCategories = cloneStrings(c.ApplicableCategories)
	out.ExcludeProducts = cloneStrings(c.ExcludeProducts)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// NormalizeCode returns the canonical (trimmed, uppercased) form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CartItem is a cart line as seen by the coupon engine.
type CartItem struct {
	ProductID string
	// CategoryID may be empty; it is resolved through a catalog.Resolver when
	// a category-scoped coupon needs it.
	CategoryID string
	Price      decimal.Decimal
	Quantity   int
}

// UserProfile carries the customer facts audience restrictions depend on.
type UserProfile struct {
	ID         string
	OrderCount int
	CreatedAt  time.Time
}

// Usage is the immutable record of one coupon application to an order.
type Usage struct {
	ID             string
	CouponID       string
	CouponCode     string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedAt         time.Time
}

// ValidationResult is the outcome of running the validation pipeline.
type ValidationResult struct {
	Valid          bool
	Coupon         *Coupon
	DiscountAmount decimal.Decimal
	// Kind identifies the rejection for programmatic branching.
	Kind Kind
	// Error is a display-ready rejection message.
	Error    string
	Warnings []string
}

// ListFilter narrows a coupon listing. Zero values mean "no filter".
type ListFilter struct {
	Status Status
	Type   Type
	// Search matches code or name, case-insensitively.
	Search string
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Normalize clamps the paging parameters.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Repository persists coupons.
//
// FindByCode and FindByID return ErrNotFound when nothing matches, Create
// returns ErrCodeAlreadyExists on a duplicate code.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	FindByID(ctx context.Context, id string) (*Coupon, error)
	List(ctx context.Context, filter ListFilter) ([]Coupon, error)
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
	Delete(ctx context.Context, id string) error
	// ExpireBatch marks at most limit active coupons whose end date is before
	// now as expired, atomically, and returns how many it changed.
	ExpireBatch(ctx context.Context, now time.Time, limit int) (int, error)
}

// UsageRepository is the persistence side of the usage ledger.
type UsageRepository interface {
	// CountByUser returns how many usage records the user has for the coupon.
	CountByUser(ctx context.Context, couponID, userID string) (int, error)
	// ListByCoupon returns usage records of a coupon, newest first.
	ListByCoupon(ctx context.Context, couponID string) ([]Usage, error)
	// Record increments the coupon's usage counters and stores u as a single
	// atomic unit. It fails with ErrUsageLimitExceeded, ErrPerUserLimitExceeded,
	// ErrAlreadyApplied or ErrNotFound and writes nothing in that case.
	// On success u.CouponCode is filled from the stored coupon.
	Record(ctx context.Context, u *Usage) error
}
