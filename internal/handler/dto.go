package handler

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

type cartItemDTO struct {
	ProductID  string          `json:"productId"`
	CategoryID string          `json:"categoryId,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
}

type userProfileDTO struct {
	ID         string    `json:"id"`
	OrderCount int       `json:"orderCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

type validateRequest struct {
	Code     string          `json:"code"`
	UserID   string          `json:"userId"`
	Items    []cartItemDTO   `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	User     *userProfileDTO `json:"user,omitempty"`
}

func (r validateRequest) toDomain() coupon.ValidateRequest {
	req := coupon.ValidateRequest{
		Code:     r.Code,
		UserID:   r.UserID,
		Subtotal: r.Subtotal,
		Items: lo.Map(r.Items, func(it cartItemDTO, _ int) coupon.CartItem {
			return coupon.CartItem{
				ProductID:  it.ProductID,
				CategoryID: it.CategoryID,
				Price:      it.Price,
				Quantity:   it.Quantity,
			}
		}),
	}
	if r.User != nil {
		req.User = &coupon.UserProfile{
			ID:         r.User.ID,
			OrderCount: r.User.OrderCount,
			CreatedAt:  r.User.CreatedAt,
		}
		if req.UserID == "" {
			req.UserID = r.User.ID
		}
	}
	return req
}

type validationResponse struct {
	Valid          bool            `json:"valid"`
	Coupon         *couponDTO      `json:"coupon,omitempty"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	Kind           string          `json:"kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

func newValidationResponse(res *coupon.ValidationResult) validationResponse {
	out := validationResponse{
		Valid:          res.Valid,
		DiscountAmount: res.DiscountAmount,
		Kind:           string(res.Kind),
		Error:          res.Error,
		Warnings:       res.Warnings,
	}
	if res.Coupon != nil {
		c := newCouponDTO(res.Coupon)
		out.Coupon = &c
	}
	return out
}

type applyRequest struct {
	UserID         string          `json:"userId"`
	OrderID        string          `json:"orderId"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

type usageDTO struct {
	ID             string          `json:"id"`
	CouponID       string          `json:"couponId"`
	CouponCode     string          `json:"couponCode"`
	UserID         string          `json:"userId"`
	OrderID        string          `json:"orderId"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	UsedAt         time.Time       `json:"usedAt"`
}

func newUsageDTO(u coupon.Usage) usageDTO {
	return usageDTO{
		ID:             u.ID,
		CouponID:       u.CouponID,
		CouponCode:     u.CouponCode,
		UserID:         u.UserID,
		OrderID:        u.OrderID,
		DiscountAmount: u.DiscountAmount,
		UsedAt:         u.UsedAt,
	}
}

type couponDTO struct {
	ID                   string              `json:"id"`
	Code                 string              `json:"code"`
	Name                 string              `json:"name"`
	Description          string              `json:"description,omitempty"`
	Type                 coupon.Type         `json:"type"`
	Value                decimal.Decimal     `json:"value"`
	MinimumAmount        decimal.NullDecimal `json:"minimumAmount"`
	MaximumAmount        decimal.NullDecimal `json:"maximumAmount"`
	MaxUses              *int                `json:"maxUses"`
	MaxUsesPerUser       *int                `json:"maxUsesPerUser"`
	UsedCount            int                 `json:"usedCount"`
	StartDate            time.Time           `json:"startDate"`
	EndDate              time.Time           `json:"endDate"`
	Status               coupon.Status       `json:"status"`
	Restrictions         coupon.Restrictions `json:"restrictions"`
	ApplicableProducts   []string            `json:"applicableProducts,omitempty"`
	ApplicableCategories []string            `json:"applicableCategories,omitempty"`
	ExcludeProducts      []string            `json:"excludeProducts,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

func newCouponDTO(c *coupon.Coupon) couponDTO {
	return couponDTO{
		ID:                   c.ID,
		Code:                 c.Code,
		Name:                 c.Name,
		Description:          c.Description,
		Type:                 c.Type,
		Value:                c.Value,
		MinimumAmount:        c.MinimumAmount,
		MaximumAmount:        c.MaximumAmount,
		MaxUses:              c.MaxUses,
		MaxUsesPerUser:       c.MaxUsesPerUser,
		UsedCount:            c.UsedCount,
		StartDate:            c.StartDate,
		EndDate:              c.EndDate,
		Status:               c.Status,
		Restrictions:         c.Restrictions,
		ApplicableProducts:   c.ApplicableProducts,
		ApplicableCategories: c.ApplicableCategories,
		ExcludeProducts:      c.ExcludeProducts,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

type createCouponRequest struct {
	Code                 string              `json:"code"`
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Type                 coupon.Type         `json:"type"`
	Value                decimal.Decimal     `json:"value"`
	MinimumAmount        decimal.NullDecimal `json:"minimumAmount"`
	MaximumAmount        decimal.NullDecimal `json:"maximumAmount"`
	MaxUses              *int                `json:"maxUses"`
	MaxUsesPerUser       *int                `json:"maxUsesPerUser"`
	StartDate            time.Time           `json:"startDate"`
	EndDate              time.Time           `json:"endDate"`
	Status               coupon.Status       `json:"status"`
	Restrictions         coupon.Restrictions `json:"restrictions"`
	ApplicableProducts   []string            `json:"applicableProducts"`
	ApplicableCategories []string            `json:"applicableCategories"`
	ExcludeProducts      []string            `json:"excludeProducts"`
}

func (r createCouponRequest) toDomain() coupon.CreateRequest {
	return coupon.CreateRequest(r)
}

// optionalDecimal tells an absent field from an explicit null.
type optionalDecimal struct {
	Set   bool
	Value decimal.NullDecimal
}

func (o *optionalDecimal) UnmarshalJSON(b []byte) error {
	o.Set = true
	return o.Value.UnmarshalJSON(b)
}

func (o optionalDecimal) ptr() *decimal.NullDecimal {
	if !o.Set {
		return nil
	}
	return &o.Value
}

type updateCouponRequest struct {
	Code                 *string              `json:"code"`
	Name                 *string              `json:"name"`
	Description          *string              `json:"description"`
	Type                 *coupon.Type         `json:"type"`
	Value                *decimal.Decimal     `json:"value"`
	MinimumAmount        optionalDecimal      `json:"minimumAmount"`
	MaximumAmount        optionalDecimal      `json:"maximumAmount"`
	MaxUses              *int                 `json:"maxUses"`
	MaxUsesPerUser       *int                 `json:"maxUsesPerUser"`
	StartDate            *time.Time           `json:"startDate"`
	EndDate              *time.Time           `json:"endDate"`
	Status               *coupon.Status       `json:"status"`
	Restrictions         *coupon.Restrictions `json:"restrictions"`
	ApplicableProducts   *[]string            `json:"applicableProducts"`
	ApplicableCategories *[]string            `json:"applicableCategories"`
	ExcludeProducts      *[]string            `json:"excludeProducts"`
}

func (r updateCouponRequest) toDomain() coupon.UpdateRequest {
	return coupon.UpdateRequest{
		Code:                 r.Code,
		Name:                 r.Name,
		Description:          r.Description,
		Type:                 r.Type,
		Value:                r.Value,
		MinimumAmount:        r.MinimumAmount.ptr(),
		MaximumAmount:        r.MaximumAmount.ptr(),
		MaxUses:              r.MaxUses,
		MaxUsesPerUser:       r.MaxUsesPerUser,
		StartDate:            r.StartDate,
		EndDate:              r.EndDate,
		Status:               r.Status,
		Restrictions:         r.Restrictions,
		ApplicableProducts:   r.ApplicableProducts,
		ApplicableCategories: r.ApplicableCategories,
		ExcludeProducts:      r.ExcludeProducts,
	}
}

type sweepResponse struct {
	Expired int `json:"expired"`
}
