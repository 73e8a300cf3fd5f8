// Package handler exposes the coupon service over JSON/HTTP.
package handler

import (
	"net/http"

	"github.com/xenking/coupon-engine/internal/domain/auth"
	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

// Handler serves the coupon API, delegating business logic to the coupon
// service and the expiration sweeper.
type Handler struct {
	coupons *coupon.Service
	sweeper *coupon.Sweeper
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(coupons *coupon.Service, sweeper *coupon.Sweeper) *Handler {
	return &Handler{
		coupons: coupons,
		sweeper: sweeper,
	}
}

// Register adds the API routes to mux. Every route requires an API key with
// the matching scope.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	redeem := func(f http.HandlerFunc) http.Handler { return sec.Require(auth.ScopeRedeem, f) }
	admin := func(f http.HandlerFunc) http.Handler { return sec.Require(auth.ScopeAdmin, f) }

	mux.Handle("POST /api/coupons/validate", redeem(h.ValidateCoupon))
	mux.Handle("POST /api/coupons/{id}/apply", redeem(h.ApplyCoupon))

	mux.Handle("POST /api/admin/coupons", admin(h.CreateCoupon))
	mux.Handle("GET /api/admin/coupons", admin(h.ListCoupons))
	mux.Handle("GET /api/admin/codes/{code}", admin(h.GetCouponByCode))
	mux.Handle("PATCH /api/admin/coupons/{id}", admin(h.UpdateCoupon))
	mux.Handle("DELETE /api/admin/coupons/{id}", admin(h.DeleteCoupon))
	mux.Handle("GET /api/admin/coupons/{id}/usage", admin(h.ListUsage))
	mux.Handle("POST /api/admin/coupons/sweep", admin(h.SweepExpiredCoupons))
}
