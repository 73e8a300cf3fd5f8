package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/coupon-engine/internal/domain/catalog"
)

const (
	getProductCategoriesSQL = `SELECT id, category_id FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, category_id) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category_id = EXCLUDED.category_id`
)

var _ catalog.Resolver = (*CatalogRepository)(nil)

// CatalogRepository resolves product categories from the products table.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

type productCategory struct {
	ProductID  string
	CategoryID string
}

// Categories returns the category of each known product in productIDs.
func (r *CatalogRepository) Categories(ctx context.Context, productIDs []string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, getProductCategoriesSQL, productIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query product categories")
	}
	pcs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[productCategory])
	if err != nil {
		return nil, errors.Wrap(err, "collect product categories")
	}

	out := make(map[string]string, len(pcs))
	for _, pc := range pcs {
		out[pc.ProductID] = pc.CategoryID
	}
	return out, nil
}

// UpsertProduct stores a product and its category.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, id, name, categoryID string) error {
	if _, err := r.pool.Exec(ctx, upsertProductSQL, id, name, categoryID); err != nil {
		return errors.Wrapf(err, "upsert product %q", id)
	}
	return nil
}
