package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.coupons.CreateCoupon(r.Context(), req.toDomain())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCouponDTO(c))
}

// ListCoupons supports the status, type, search, limit and offset query
// parameters.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := coupon.ListFilter{
		Status: coupon.Status(q.Get("status")),
		Type:   coupon.Type(q.Get("type")),
		Search: q.Get("search"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	coupons, err := h.coupons.ListCoupons(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(coupons, func(c coupon.Coupon, _ int) couponDTO {
		return newCouponDTO(&c)
	}))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (h *Handler) GetCouponByCode(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.GetCouponByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCouponDTO(c))
}

func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req updateCouponRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.coupons.UpdateCoupon(r.Context(), r.PathValue("id"), req.toDomain())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCouponDTO(c))
}

func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.DeleteCoupon(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	usages, err := h.coupons.ListUsage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(usages, func(u coupon.Usage, _ int) usageDTO {
		return newUsageDTO(u)
	}))
}

// SweepExpiredCoupons runs one expiration sweep synchronously.
func (h *Handler) SweepExpiredCoupons(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Expired: n})
}
