package memory

import (
	"context"

	"github.com/xenking/coupon-engine/internal/domain/catalog"
)

var _ catalog.Resolver = Catalog(nil)

// Catalog maps product IDs to category IDs.
type Catalog map[string]string

func (c Catalog) Categories(_ context.Context, productIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(productIDs))
	for _, id := range productIDs {
		if cat, ok := c[id]; ok {
			out[id] = cat
		}
	}
	return out, nil
}
