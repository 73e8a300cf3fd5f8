package postgres

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const (
	codeIndex = "coupons_code_upper_idx"
	// usedWithinMax guards max_uses against a concurrent application that
	// raised used_count after the service read the coupon.
	usedWithinMax = "coupons_used_count_within_max"
)

const couponColumns = `id, code, name, description, type, value, minimum_amount, maximum_amount,
	max_uses, max_uses_per_user, used_count, start_date, end_date, status,
	first_time_only, new_customers_only, existing_customers_only,
	applicable_products, applicable_categories, exclude_products, created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1)`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	insertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	// used_count and created_at are owned by the store.
	updateCouponSQL = `UPDATE coupons SET code = $2, name = $3, description = $4, type = $5, value = $6,
		minimum_amount = $7, maximum_amount = $8, max_uses = $9, max_uses_per_user = $10,
		start_date = $11, end_date = $12, status = $13,
		first_time_only = $14, new_customers_only = $15, existing_customers_only = $16,
		applicable_products = $17, applicable_categories = $18, exclude_products = $19, updated_at = $20
	WHERE id = $1
	RETURNING used_count, created_at`

	deleteCouponSQL = `DELETE FROM coupons WHERE id = $1`

	// SKIP LOCKED lets concurrent sweepers split the work instead of waiting
	// on each other.
	expireCouponsSQL = `UPDATE coupons SET status = 'expired', updated_at = $1
	WHERE id IN (
		SELECT id FROM coupons
		WHERE status = 'active' AND end_date < $1
		ORDER BY end_date
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its code, ignoring case.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.findOne(ctx, getCouponByCodeSQL, code)
}

// FindByID looks up a coupon by its identifier.
func (r *CouponRepository) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return r.findOne(ctx, getCouponByIDSQL, id)
}

func (r *CouponRepository) findOne(ctx context.Context, query string, arg string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", arg)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", arg)
	}
	return &c, nil
}

// List returns coupons matching f, newest first.
func (r *CouponRepository) List(ctx context.Context, f coupon.ListFilter) ([]coupon.Coupon, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(string(f.Type)))
	}
	if f.Search != "" {
		p := arg("%" + escapeLike(f.Search) + "%")
		where = append(where, "(code ILIKE "+p+" OR name ILIKE "+p+")")
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + couponColumns + " FROM coupons")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC, code")
	sb.WriteString(" LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	coupons, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Create inserts a new coupon.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, insertCouponSQL,
		c.ID, c.Code, c.Name, c.Description, string(c.Type), c.Value, c.MinimumAmount, c.MaximumAmount,
		c.MaxUses, c.MaxUsesPerUser, c.UsedCount, c.StartDate, c.EndDate, string(c.Status),
		c.Restrictions.FirstTimeOnly, c.Restrictions.NewCustomersOnly, c.Restrictions.ExistingCustomersOnly,
		textArray(c.ApplicableProducts), textArray(c.ApplicableCategories), textArray(c.ExcludeProducts),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, codeIndex) {
			return coupon.ErrCodeAlreadyExists
		}
		return errors.Wrapf(err, "insert coupon %q", c.Code)
	}
	return nil
}

// Update replaces a coupon's definition and refreshes the store-owned fields
// of c.
func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	err := r.pool.QueryRow(ctx, updateCouponSQL,
		c.ID, c.Code, c.Name, c.Description, string(c.Type), c.Value, c.MinimumAmount, c.MaximumAmount,
		c.MaxUses, c.MaxUsesPerUser, c.StartDate, c.EndDate, string(c.Status),
		c.Restrictions.FirstTimeOnly, c.Restrictions.NewCustomersOnly, c.Restrictions.ExistingCustomersOnly,
		textArray(c.ApplicableProducts), textArray(c.ApplicableCategories), textArray(c.ExcludeProducts),
		c.UpdatedAt,
	).Scan(&c.UsedCount, &c.CreatedAt)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return coupon.ErrNotFound
		case isUniqueViolation(err, codeIndex):
			return coupon.ErrCodeAlreadyExists
		case isCheckViolation(err, usedWithinMax):
			return coupon.InvalidField("maxUses", "must not be below the current usage count")
		}
		return errors.Wrapf(err, "update coupon %q", c.ID)
	}
	return nil
}

// Delete removes a coupon. Usage rows are kept.
func (r *CouponRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteCouponSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete coupon %q", id)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// ExpireBatch expires at most limit overdue coupons in one statement.
func (r *CouponRepository) ExpireBatch(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx, expireCouponsSQL, now, limit)
	if err != nil {
		return 0, errors.Wrap(err, "expire coupons")
	}
	return int(tag.RowsAffected()), nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c          coupon.Coupon
		typ        string
		status     string
		maxUses    *int32
		maxPerUser *int32
		usedCount  int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Name, &c.Description, &typ, &c.Value, &c.MinimumAmount, &c.MaximumAmount,
		&maxUses, &maxPerUser, &usedCount, &c.StartDate, &c.EndDate, &status,
		&c.Restrictions.FirstTimeOnly, &c.Restrictions.NewCustomersOnly, &c.Restrictions.ExistingCustomersOnly,
		&c.ApplicableProducts, &c.ApplicableCategories, &c.ExcludeProducts,
		&c.CreatedAt, &c.UpdatedAt,
	)
	c.Type = coupon.Type(typ)
	c.Status = coupon.Status(status)
	c.MaxUses = intPtr(maxUses)
	c.MaxUsesPerUser = intPtr(maxPerUser)
	c.UsedCount = int(usedCount)
	c.StartDate = c.StartDate.UTC()
	c.EndDate = c.EndDate.UTC()
	return c, err
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// textArray maps nil to an empty array for NOT NULL columns.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
