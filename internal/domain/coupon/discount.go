package coupon

import (
	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate returns the discount the coupon grants on a cart with the given
// subtotal. The result is rounded to cents, never negative and never larger
// than the subtotal. Eligibility is not checked here.
func Calculate(c *Coupon, items []CartItem, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal

	switch c.Type {
	case TypeFixed:
		amount = c.Value
	case TypePercentage:
		amount = subtotal.Mul(c.Value).Div(hundred)
		if c.MaximumAmount.Valid && amount.GreaterThan(c.MaximumAmount.Decimal) {
			amount = c.MaximumAmount.Decimal
		}
	case TypeFreeShipping:
		amount = decimal.Zero
	case TypeBogo:
		amount = cheapestQualifyingPrice(c, items)
	default:
		return decimal.Zero, errors.Errorf("unsupported coupon type: %q", c.Type)
	}

	return clampDiscount(amount, subtotal), nil
}

func clampDiscount(amount, subtotal decimal.Decimal) decimal.Decimal {
	amount = floorAtZero(amount.Round(2))
	return decimal.Min(amount, floorAtZero(subtotal))
}

// cheapestQualifyingPrice returns the unit price of the cheapest qualifying
// line, or zero when fewer than two lines qualify. A line with quantity > 1
// still counts as one item.
func cheapestQualifyingPrice(c *Coupon, items []CartItem) decimal.Decimal {
	lines := qualifyingItems(c, items)
	if len(lines) < 2 {
		return decimal.Zero
	}
	cheapest := lo.MinBy(lines, func(a, b CartItem) bool {
		return a.Price.LessThan(b.Price)
	})
	return cheapest.Price
}

// qualifyingItems returns the cart lines the coupon applies to: excluded
// products are dropped, and when the coupon is scoped a line must match the
// product or category allow-list.
func qualifyingItems(c *Coupon, items []CartItem) []CartItem {
	return lo.Filter(items, func(it CartItem, _ int) bool {
		if lo.Contains(c.ExcludeProducts, it.ProductID) {
			return false
		}
		if !c.Scoped() {
			return true
		}
		if lo.Contains(c.ApplicableProducts, it.ProductID) {
			return true
		}
		return it.CategoryID != "" && lo.Contains(c.ApplicableCategories, it.CategoryID)
	})
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
