package coupon

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies an expected business outcome that prevents a coupon from
// being used.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInactive             Kind = "inactive"
	KindNotYetValid          Kind = "not_yet_valid"
	KindExpired              Kind = "expired"
	KindUsageLimitExceeded   Kind = "usage_limit_exceeded"
	KindPerUserLimitExceeded Kind = "per_user_limit_exceeded"
	KindBelowMinimumAmount   Kind = "below_minimum_amount"
	KindRestrictionViolation Kind = "restriction_violation"
	KindNotApplicableToCart  Kind = "not_applicable_to_cart"
	KindInvalidCouponData    Kind = "invalid_coupon_data"
	KindCodeAlreadyExists    Kind = "code_already_exists"
	KindAlreadyApplied       Kind = "already_applied"
)

// Rejection is a business-rule failure. Two rejections match under errors.Is
// when their kinds are equal, so callers compare against the sentinels below.
type Rejection struct {
	Kind    Kind
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Is reports whether target is a Rejection of the same kind.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Kind == r.Kind
}

func reject(kind Kind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrNotFound is returned when no coupon matches the code or ID.
	ErrNotFound = &Rejection{Kind: KindNotFound, Message: "Invalid coupon code"}
	// ErrUsageLimitExceeded is returned when a coupon has no uses left.
	ErrUsageLimitExceeded = &Rejection{Kind: KindUsageLimitExceeded, Message: "Coupon usage limit exceeded"}
	// ErrPerUserLimitExceeded is returned when the user exhausted their uses.
	ErrPerUserLimitExceeded = &Rejection{
		Kind:    KindPerUserLimitExceeded,
		Message: "You have already used this coupon the maximum number of times",
	}
	// ErrCodeAlreadyExists is returned when creating a duplicate code.
	ErrCodeAlreadyExists = &Rejection{Kind: KindCodeAlreadyExists, Message: "Coupon code already exists"}
	// ErrAlreadyApplied is returned when the coupon was already applied to the order.
	ErrAlreadyApplied = &Rejection{Kind: KindAlreadyApplied, Message: "Coupon already applied to this order"}
	// ErrInvalidData matches every *InvalidDataError.
	ErrInvalidData = &Rejection{Kind: KindInvalidCouponData, Message: "Invalid coupon data"}

	// ErrInvalidInput marks malformed caller input that is not a business outcome.
	ErrInvalidInput = errors.New("invalid input")
)

// KindOf extracts the rejection kind from err, or "" when err is not a
// business rejection.
func KindOf(err error) Kind {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	var d *InvalidDataError
	if errors.As(err, &d) {
		return KindInvalidCouponData
	}
	return ""
}

// InvalidDataError lists the reasons a coupon definition was refused.
type InvalidDataError struct {
	Fields map[string]string
}

func (e *InvalidDataError) Error() string {
	return fmt.Sprintf("invalid coupon data: %d field(s) rejected", len(e.Fields))
}

// Is lets errors.Is(err, ErrInvalidData) match.
func (e *InvalidDataError) Is(target error) bool {
	return target == ErrInvalidData
}

// InvalidField returns an InvalidDataError for a single field. Stores use it
// when a constraint rejects a write the service could not see coming.
func InvalidField(field, reason string) *InvalidDataError {
	e := &InvalidDataError{}
	e.add(field, reason)
	return e
}

func (e *InvalidDataError) add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = reason
	}
}

func (e *InvalidDataError) errOrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
