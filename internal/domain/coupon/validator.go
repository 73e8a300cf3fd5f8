package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const expiringSoonWindow = 24 * time.Hour

// Service implements coupon validation, application and administration on top
// of the injected stores. It holds no per-request state.
type Service struct {
	coupons Repository
	usages  UsageRepository
	opts    options
	tracer  trace.Tracer
	metrics *metrics
}

// NewService creates a Service backed by the given stores.
func NewService(coupons Repository, usages UsageRepository, opts ...Option) *Service {
	o := buildOptions(opts)
	return &Service{
		coupons: coupons,
		usages:  usages,
		opts:    o,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
		metrics: newMetrics(o.meterProvider),
	}
}

// ValidateRequest is the input of the validation pipeline.
type ValidateRequest struct {
	Code     string
	UserID   string
	Items    []CartItem
	Subtotal decimal.Decimal
	// User is optional; coupons with audience restrictions require it.
	User *UserProfile
}

func (r ValidateRequest) check() error {
	if NormalizeCode(r.Code) == "" {
		return errors.Wrap(ErrInvalidInput, "code is required")
	}
	if r.Subtotal.IsNegative() {
		return errors.Wrap(ErrInvalidInput, "subtotal must not be negative")
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 {
			return errors.Wrapf(ErrInvalidInput, "quantity must be greater than 0 for product %s", it.ProductID)
		}
		if it.Price.IsNegative() {
			return errors.Wrapf(ErrInvalidInput, "price must not be negative for product %s", it.ProductID)
		}
	}
	return nil
}

// Validate decides whether the coupon identified by req.Code can be applied
// to the cart and computes the discount. Business-rule failures are reported
// in the result; only malformed input and infrastructure failures are
// returned as errors. Validate never changes usage counters.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Validate")
	defer span.End()

	if err := req.check(); err != nil {
		return nil, err
	}

	code := NormalizeCode(req.Code)
	span.SetAttributes(attribute.String("coupon.code", code))

	c, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.rejected(ctx, code, ErrNotFound), nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := s.opts.now()
	if r := checkLifecycle(c, now); r != nil {
		return s.rejected(ctx, code, r), nil
	}

	r, err := s.checkUsage(ctx, c, req.UserID)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return s.rejected(ctx, code, r), nil
	}

	if c.MinimumAmount.Valid && req.Subtotal.LessThan(c.MinimumAmount.Decimal) {
		return s.rejected(ctx, code, reject(KindBelowMinimumAmount,
			"Minimum order amount of %s required", c.MinimumAmount.Decimal.StringFixed(2))), nil
	}

	if r := checkAudience(c, req.User, now); r != nil {
		return s.rejected(ctx, code, r), nil
	}

	items, err := s.resolveCategories(ctx, c, req.Items)
	if err != nil {
		return nil, err
	}
	if r := checkApplicability(c, items); r != nil {
		return s.rejected(ctx, code, r), nil
	}

	amount, err := Calculate(c, items, req.Subtotal)
	if err != nil {
		return nil, errors.Wrap(err, "calculate discount")
	}

	s.metrics.validated(ctx, "")
	return &ValidationResult{
		Valid:          true,
		Coupon:         c,
		DiscountAmount: amount,
		Warnings:       warnings(c, items, req.Subtotal, now),
	}, nil
}

func (s *Service) rejected(ctx context.Context, code string, r *Rejection) *ValidationResult {
	s.metrics.validated(ctx, r.Kind)
	s.opts.lg.Debug("Coupon rejected",
		zap.String("code", code),
		zap.String("kind", string(r.Kind)),
	)
	return &ValidationResult{Kind: r.Kind, Error: r.Message}
}

func checkLifecycle(c *Coupon, now time.Time) *Rejection {
	if c.Status != StatusActive {
		return reject(KindInactive, "Coupon is not active")
	}
	if now.Before(c.StartDate) {
		return reject(KindNotYetValid, "Coupon is not yet valid")
	}
	if now.After(c.EndDate) {
		return reject(KindExpired, "Coupon has expired")
	}
	return nil
}

// checkUsage compares the snapshot counters with the limits. The ledger
// re-checks both atomically when the coupon is applied.
func (s *Service) checkUsage(ctx context.Context, c *Coupon, userID string) (*Rejection, error) {
	if c.MaxUses != nil && c.UsedCount >= *c.MaxUses {
		return ErrUsageLimitExceeded, nil
	}
	if c.MaxUsesPerUser == nil {
		return nil, nil
	}
	if userID == "" {
		return reject(KindRestrictionViolation, "Sign in to use this coupon"), nil
	}
	used, err := s.usages.CountByUser(ctx, c.ID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "count user usage")
	}
	if used >= *c.MaxUsesPerUser {
		return ErrPerUserLimitExceeded, nil
	}
	return nil, nil
}

func checkAudience(c *Coupon, user *UserProfile, now time.Time) *Rejection {
	if !c.Restrictions.Any() {
		return nil
	}
	if user == nil {
		return reject(KindRestrictionViolation, "Sign in to use this coupon")
	}
	if c.Restrictions.FirstTimeOnly && user.OrderCount > 0 {
		return reject(KindRestrictionViolation, "This coupon is only valid on your first order")
	}
	if c.Restrictions.NewCustomersOnly && now.Sub(user.CreatedAt) > newCustomerWindow {
		return reject(KindRestrictionViolation, "This coupon is only valid for new customers")
	}
	if c.Restrictions.ExistingCustomersOnly && user.OrderCount == 0 {
		return reject(KindRestrictionViolation, "This coupon is only valid for returning customers")
	}
	return nil
}

func checkApplicability(c *Coupon, items []CartItem) *Rejection {
	notApplicable := reject(KindNotApplicableToCart, "Coupon is not applicable to items in your cart")
	qualifying := qualifyingItems(c, items)
	if c.Scoped() && len(qualifying) == 0 {
		return notApplicable
	}
	if len(c.ExcludeProducts) > 0 && len(items) > 0 && len(qualifying) == 0 {
		return notApplicable
	}
	return nil
}

// resolveCategories fills missing category IDs when the coupon is scoped by
// category. The caller's slice is left untouched.
func (s *Service) resolveCategories(ctx context.Context, c *Coupon, items []CartItem) ([]CartItem, error) {
	if len(c.ApplicableCategories) == 0 || s.opts.categories == nil {
		return items, nil
	}
	missing := lo.Uniq(lo.FilterMap(items, func(it CartItem, _ int) (string, bool) {
		return it.ProductID, it.CategoryID == ""
	}))
	if len(missing) == 0 {
		return items, nil
	}

	categories, err := s.opts.categories.Categories(ctx, missing)
	if err != nil {
		return nil, errors.Wrap(err, "resolve categories")
	}

	out := make([]CartItem, len(items))
	for i, it := range items {
		if it.CategoryID == "" {
			it.CategoryID = categories[it.ProductID]
		}
		out[i] = it
	}
	return out, nil
}

func warnings(c *Coupon, items []CartItem, subtotal decimal.Decimal, now time.Time) []string {
	var out []string
	switch c.Type {
	case TypeFreeShipping:
		out = append(out, "Free shipping is applied at checkout")
	case TypeFixed:
		if c.Value.GreaterThan(subtotal) {
			out = append(out, "Discount reduced to the order subtotal")
		}
	case TypeBogo:
		if len(qualifyingItems(c, items)) < 2 {
			out = append(out, "Add another eligible item to receive the discount")
		}
	}
	if c.EndDate.Sub(now) <= expiringSoonWindow {
		out = append(out, "Coupon expires soon")
	}
	return out
}
