package handler

import (
	"net/http"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// ValidateCoupon checks a coupon against a cart. Business rejections are part
// of a 200 response; only malformed requests and failures produce errors.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.coupons.Validate(r.Context(), req.toDomain())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newValidationResponse(res))
}

// ApplyCoupon records one use of the coupon against an order.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.coupons.Apply(r.Context(), coupon.ApplyRequest{
		CouponID:       r.PathValue("id"),
		UserID:         req.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: req.DiscountAmount,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUsageDTO(*u))
}
