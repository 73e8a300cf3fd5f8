package coupon

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	validate  = validator.New()
	codeRegex = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)
)

// CreateRequest describes a new coupon.
type CreateRequest struct {
	Code           string `validate:"required,max=32"`
	Name           string `validate:"required,max=120"`
	Description    string `validate:"max=1000"`
	Type           Type   `validate:"required,oneof=fixed percentage free_shipping bogo"`
	Value          decimal.Decimal
	MinimumAmount  decimal.NullDecimal
	MaximumAmount  decimal.NullDecimal
	MaxUses        *int `validate:"omitempty,min=1"`
	MaxUsesPerUser *int `validate:"omitempty,min=1"`
	StartDate      time.Time
	EndDate        time.Time
	// Status defaults to active.
	Status               Status `validate:"omitempty,oneof=active inactive expired"`
	Restrictions         Restrictions
	ApplicableProducts   []string `validate:"dive,required"`
	ApplicableCategories []string `validate:"dive,required"`
	ExcludeProducts      []string `validate:"dive,required"`
}

// UpdateRequest changes selected fields of a coupon; nil fields are kept.
// A MaxUses or MaxUsesPerUser of 0 removes the limit, and a NullDecimal with
// Valid=false removes the bound.
type UpdateRequest struct {
	Code                 *string `validate:"omitempty,max=32"`
	Name                 *string `validate:"omitempty,max=120"`
	Description          *string `validate:"omitempty,max=1000"`
	Type                 *Type   `validate:"omitempty,oneof=fixed percentage free_shipping bogo"`
	Value                *decimal.Decimal
	MinimumAmount        *decimal.NullDecimal
	MaximumAmount        *decimal.NullDecimal
	MaxUses              *int `validate:"omitempty,min=0"`
	MaxUsesPerUser       *int `validate:"omitempty,min=0"`
	StartDate            *time.Time
	EndDate              *time.Time
	Status               *Status `validate:"omitempty,oneof=active inactive expired"`
	Restrictions         *Restrictions
	ApplicableProducts   *[]string
	ApplicableCategories *[]string
	ExcludeProducts      *[]string
}

// CreateCoupon validates and stores a new coupon.
func (s *Service) CreateCoupon(ctx context.Context, req CreateRequest) (*Coupon, error) {
	if err := structErrors(req); err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	c := &Coupon{
		ID:                   uuid.New().String(),
		Code:                 NormalizeCode(req.Code),
		Name:                 strings.TrimSpace(req.Name),
		Description:          req.Description,
		Type:                 req.Type,
		Value:                req.Value,
		MinimumAmount:        req.MinimumAmount,
		MaximumAmount:        req.MaximumAmount,
		MaxUses:              req.MaxUses,
		MaxUsesPerUser:       req.MaxUsesPerUser,
		StartDate:            req.StartDate.UTC(),
		EndDate:              req.EndDate.UTC(),
		Status:               req.Status,
		Restrictions:         req.Restrictions,
		ApplicableProducts:   req.ApplicableProducts,
		ApplicableCategories: req.ApplicableCategories,
		ExcludeProducts:      req.ExcludeProducts,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if err := Check(c); err != nil {
		return nil, err
	}

	if err := s.coupons.Create(ctx, c); err != nil {
		if errors.Is(err, ErrCodeAlreadyExists) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create coupon")
	}

	s.opts.lg.Info("Coupon created", zap.String("id", c.ID), zap.String("code", c.Code))
	return c, nil
}

// UpdateCoupon applies req to the coupon with the given ID. The usage counter
// is never changed by an update.
func (s *Service) UpdateCoupon(ctx context.Context, id string, req UpdateRequest) (*Coupon, error) {
	if err := structErrors(req); err != nil {
		return nil, err
	}

	c, err := s.coupons.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	req.applyTo(c)
	c.UpdatedAt = s.opts.now().UTC()
	if err := Check(c); err != nil {
		return nil, err
	}

	if err := s.coupons.Update(ctx, c); err != nil {
		if KindOf(err) != "" {
			return nil, err
		}
		return nil, errors.Wrap(err, "update coupon")
	}

	s.opts.lg.Info("Coupon updated", zap.String("id", c.ID), zap.String("code", c.Code))
	return c, nil
}

func (r UpdateRequest) applyTo(c *Coupon) {
	if r.Code != nil {
		c.Code = NormalizeCode(*r.Code)
	}
	if r.Name != nil {
		c.Name = strings.TrimSpace(*r.Name)
	}
	if r.Description != nil {
		c.Description = *r.Description
	}
	if r.Type != nil {
		c.Type = *r.Type
	}
	if r.Value != nil {
		c.Value = *r.Value
	}
	if r.MinimumAmount != nil {
		c.MinimumAmount = *r.MinimumAmount
	}
	if r.MaximumAmount != nil {
		c.MaximumAmount = *r.MaximumAmount
	}
	if r.MaxUses != nil {
		c.MaxUses = limitOrNil(*r.MaxUses)
	}
	if r.MaxUsesPerUser != nil {
		c.MaxUsesPerUser = limitOrNil(*r.MaxUsesPerUser)
	}
	if r.StartDate != nil {
		c.StartDate = r.StartDate.UTC()
	}
	if r.EndDate != nil {
		c.EndDate = r.EndDate.UTC()
	}
	if r.Status != nil {
		c.Status = *r.Status
	}
	if r.Restrictions != nil {
		c.Restrictions = *r.Restrictions
	}
	if r.ApplicableProducts != nil {
		c.ApplicableProducts = *r.ApplicableProducts
	}
	if r.ApplicableCategories != nil {
		c.ApplicableCategories = *r.ApplicableCategories
	}
	if r.ExcludeProducts != nil {
		c.ExcludeProducts = *r.ExcludeProducts
	}
}

func limitOrNil(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

// DeleteCoupon removes a coupon. Its usage records are kept.
func (s *Service) DeleteCoupon(ctx context.Context, id string) error {
	if err := s.coupons.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return errors.Wrap(err, "delete coupon")
	}
	s.opts.lg.Info("Coupon deleted", zap.String("id", id))
	return nil
}

// GetCouponByCode returns the coupon with the given code, ignoring case.
func (s *Service) GetCouponByCode(ctx context.Context, code string) (*Coupon, error) {
	c, err := s.coupons.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	return c, nil
}

// ListCoupons returns coupons matching the filter.
func (s *Service) ListCoupons(ctx context.Context, filter ListFilter) ([]Coupon, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown status %q", filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown type %q", filter.Type)
	}
	coupons, err := s.coupons.List(ctx, filter.Normalize())
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

// Check verifies the invariants every stored coupon must satisfy.
func Check(c *Coupon) error {
	var e InvalidDataError

	if !codeRegex.MatchString(c.Code) {
		e.add("code", "must be 3-32 characters of A-Z, 0-9, '_' or '-'")
	}
	if strings.TrimSpace(c.Name) == "" {
		e.add("name", "is required")
	}
	if !c.Type.Valid() {
		e.add("type", fmt.Sprintf("unknown type %q", c.Type))
	}
	switch {
	case c.Type.usesValue() && !c.Value.IsPositive():
		e.add("value", "must be greater than 0")
	case c.Type == TypePercentage && c.Value.GreaterThan(hundred):
		e.add("value", "must not exceed 100 for percentage coupons")
	case c.Value.IsNegative():
		e.add("value", "must not be negative")
	}
	if c.MinimumAmount.Valid && c.MinimumAmount.Decimal.IsNegative() {
		e.add("minimumAmount", "must not be negative")
	}
	if c.MaximumAmount.Valid && !c.MaximumAmount.Decimal.IsPositive() {
		e.add("maximumAmount", "must be greater than 0")
	}
	switch {
	case c.MaxUses != nil && *c.MaxUses < 1:
		e.add("maxUses", "must be at least 1")
	case c.MaxUses != nil && *c.MaxUses < c.UsedCount:
		e.add("maxUses", UsedCountReason(c.UsedCount))
	}
	if c.MaxUsesPerUser != nil && *c.MaxUsesPerUser < 1 {
		e.add("maxUsesPerUser", "must be at least 1")
	}
	if c.StartDate.IsZero() {
		e.add("startDate", "is required")
	}
	if c.EndDate.IsZero() {
		e.add("endDate", "is required")
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && !c.StartDate.Before(c.EndDate) {
		e.add("endDate", "must be after startDate")
	}
	if !c.Status.Valid() {
		e.add("status", fmt.Sprintf("unknown status %q", c.Status))
	}
	if c.Restrictions.FirstTimeOnly && c.Restrictions.ExistingCustomersOnly {
		e.add("restrictions", "firstTimeOnly and existingCustomersOnly are mutually exclusive")
	}

	return e.errOrNil()
}

// UsedCountReason explains why a usage limit below the current count is refused.
func UsedCountReason(used int) string {
	return fmt.Sprintf("must not be below the current usage count of %d", used)
}

// structErrors runs the struct-tag validation and converts its failures.
func structErrors(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate request")
	}
	var e InvalidDataError
	for _, fe := range verrs {
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		e.add(lowerFirst(fe.Field()), reason)
	}
	return e.errOrNil()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
