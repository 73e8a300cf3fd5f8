package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const (
	usageExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupon_usage WHERE coupon_id = $1 AND order_id = $2)`

	// The row lock taken by this UPDATE serializes concurrent applications of
	// the same coupon until the transaction ends.
	takeGlobalSlotSQL = `UPDATE coupons SET used_count = used_count + 1
	WHERE id = $1 AND (max_uses IS NULL OR used_count < max_uses)
	RETURNING code, max_uses_per_user`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`

	takeUserSlotSQL = `INSERT INTO coupon_user_counters (coupon_id, user_id, uses) VALUES ($1, $2, 1)
	ON CONFLICT (coupon_id, user_id) DO UPDATE SET uses = coupon_user_counters.uses + 1
	WHERE $3::int IS NULL OR coupon_user_counters.uses < $3::int
	RETURNING uses`

	insertUsageSQL = `INSERT INTO coupon_usage (id, coupon_id, coupon_code, user_id, order_id, discount_amount, used_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	countUserUsageSQL = `SELECT COALESCE(
		(SELECT uses FROM coupon_user_counters WHERE coupon_id = $1 AND user_id = $2), 0)`

	listUsageSQL = `SELECT id, coupon_id, coupon_code, user_id, order_id, discount_amount, used_at
	FROM coupon_usage WHERE coupon_id = $1 ORDER BY used_at DESC, id`
)

const orderIndex = "coupon_usage_coupon_id_order_id_key"

var _ coupon.UsageRepository = (*UsageRepository)(nil)

// UsageRepository implements the usage ledger on PostgreSQL.
type UsageRepository struct {
	pool *pgxpool.Pool
}

// NewUsageRepository returns a UsageRepository that uses the given pool.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

// Record takes a global slot, a per-user slot and inserts the usage row in a
// single transaction. Any refusal rolls the whole transaction back.
func (r *UsageRepository) Record(ctx context.Context, u *coupon.Usage) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var applied bool
		if err := tx.QueryRow(ctx, usageExistsSQL, u.CouponID, u.OrderID).Scan(&applied); err != nil {
			return errors.Wrap(err, "check order usage")
		}
		if applied {
			return coupon.ErrAlreadyApplied
		}

		var (
			code       string
			maxPerUser *int32
		)
		err := tx.QueryRow(ctx, takeGlobalSlotSQL, u.CouponID).Scan(&code, &maxPerUser)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingSlot(ctx, tx, u.CouponID)
		}
		if err != nil {
			return errors.Wrap(err, "take global slot")
		}

		var uses int32
		err = tx.QueryRow(ctx, takeUserSlotSQL, u.CouponID, u.UserID, maxPerUser).Scan(&uses)
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrPerUserLimitExceeded
		}
		if err != nil {
			return errors.Wrap(err, "take user slot")
		}

		_, err = tx.Exec(ctx, insertUsageSQL,
			u.ID, u.CouponID, code, u.UserID, u.OrderID, u.DiscountAmount, u.UsedAt,
		)
		if err != nil {
			if isUniqueViolation(err, orderIndex) {
				return coupon.ErrAlreadyApplied
			}
			return errors.Wrap(err, "insert usage")
		}

		u.CouponCode = code
		return nil
	})
}

// missingSlot tells a missing coupon apart from an exhausted one.
func (r *UsageRepository) missingSlot(ctx context.Context, tx pgx.Tx, couponID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, couponExistsSQL, couponID).Scan(&exists); err != nil {
		return errors.Wrap(err, "check coupon exists")
	}
	if !exists {
		return coupon.ErrNotFound
	}
	return coupon.ErrUsageLimitExceeded
}

// CountByUser returns how many times the user applied the coupon.
func (r *UsageRepository) CountByUser(ctx context.Context, couponID, userID string) (int, error) {
	var n int32
	if err := r.pool.QueryRow(ctx, countUserUsageSQL, couponID, userID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count user usage")
	}
	return int(n), nil
}

// ListByCoupon returns the usage rows of a coupon, newest first.
func (r *UsageRepository) ListByCoupon(ctx context.Context, couponID string) ([]coupon.Usage, error) {
	rows, err := r.pool.Query(ctx, listUsageSQL, couponID)
	if err != nil {
		return nil, errors.Wrap(err, "list usage")
	}
	usages, err := pgx.CollectRows(rows, pgx.RowToStructByPos[coupon.Usage])
	if err != nil {
		return nil, errors.Wrap(err, "list usage")
	}
	return usages, nil
}
