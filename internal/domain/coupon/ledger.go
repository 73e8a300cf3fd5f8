package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ApplyRequest records a coupon against a confirmed order.
type ApplyRequest struct {
	CouponID       string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
}

func (r ApplyRequest) check() error {
	switch {
	case r.CouponID == "":
		return errors.Wrap(ErrInvalidInput, "coupon id is required")
	case r.UserID == "":
		return errors.Wrap(ErrInvalidInput, "user id is required")
	case r.OrderID == "":
		return errors.Wrap(ErrInvalidInput, "order id is required")
	case r.DiscountAmount.IsNegative():
		return errors.Wrap(ErrInvalidInput, "discount amount must not be negative")
	}
	return nil
}

// Apply consumes one use of the coupon for the order. The global and per-user
// limits are enforced atomically by the store, so a coupon that passed
// validation may still be refused here with ErrUsageLimitExceeded or
// ErrPerUserLimitExceeded when a concurrent checkout took the last slot.
// Callers should re-validate and tell the user the coupon is gone.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Usage, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("coupon.id", req.CouponID),
		attribute.String("order.id", req.OrderID),
	)

	if err := req.check(); err != nil {
		return nil, err
	}

	u := &Usage{
		ID:             uuid.New().String(),
		CouponID:       req.CouponID,
		UserID:         req.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: req.DiscountAmount.Round(2),
		UsedAt:         s.opts.now().UTC(),
	}

	if err := s.usages.Record(ctx, u); err != nil {
		if kind := KindOf(err); kind != "" {
			s.metrics.applied(ctx, kind)
			s.opts.lg.Warn("Coupon application refused",
				zap.String("coupon_id", req.CouponID),
				zap.String("order_id", req.OrderID),
				zap.String("kind", string(kind)),
			)
			return nil, err
		}
		return nil, errors.Wrap(err, "record usage")
	}

	s.metrics.applied(ctx, "")
	s.opts.lg.Info("Coupon applied",
		zap.String("coupon_id", u.CouponID),
		zap.String("code", u.CouponCode),
		zap.String("order_id", u.OrderID),
		zap.String("discount", u.DiscountAmount.String()),
	)
	return u, nil
}

// ListUsage returns the usage records of a coupon for reporting.
func (s *Service) ListUsage(ctx context.Context, couponID string) ([]Usage, error) {
	if couponID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "coupon id is required")
	}
	usages, err := s.usages.ListByCoupon(ctx, couponID)
	if err != nil {
		return nil, errors.Wrap(err, "list usage")
	}
	return usages, nil
}
