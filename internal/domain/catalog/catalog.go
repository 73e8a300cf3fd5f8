// Package catalog describes the product lookup the coupon engine relies on to
// learn the category of a cart line.
package catalog

import "context"

// Resolver maps product IDs to their category IDs. Unknown products are
// omitted from the result.
type Resolver interface {
	Categories(ctx context.Context, productIDs []string) (map[string]string, error)
}
