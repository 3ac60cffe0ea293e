// Package pricing turns line snapshots into integer display totals.
package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/shopspring/decimal"
)

// NormalizePrice converts a numeric value or numeric string to an integer
// amount. Fractions are truncated toward zero.
func NormalizePrice(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float32:
		return decimal.NewFromFloat32(v).IntPart(), nil
	case float64:
		return decimal.NewFromFloat(v).IntPart(), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("price %q is not numeric: %w", v, err)
		}
		return d.IntPart(), nil
	case json.Number:
		return NormalizePrice(v.String())
	case decimal.Decimal:
		return v.IntPart(), nil
	case domain.Price:
		return v.Decimal().IntPart(), nil
	case *domain.Price:
		if v == nil {
			return 0, nil
		}
		return v.Decimal().IntPart(), nil
	default:
		return 0, fmt.Errorf("unsupported price type %T", value)
	}
}

// MustNormalizePrice is NormalizePrice for callers that already guarantee a
// numeric input.
func MustNormalizePrice(value any) int64 {
	n, err := NormalizePrice(value)
	if err != nil {
		panic(err)
	}
	return n
}

func LineTotal(line domain.CartLine) int64 {
	return line.UnitPrice.Decimal().IntPart() * int64(line.Quantity)
}

// CartSubtotal sums line totals. Lines are assumed to share one currency.
func CartSubtotal(lines []domain.CartLine) int64 {
	var total int64
	for _, line := range lines {
		total += LineTotal(line)
	}
	return total
}

// Currency returns the currency of the first line that declares one.
func Currency(lines []domain.CartLine) string {
	for _, line := range lines {
		if line.Currency != "" {
			return line.Currency
		}
	}
	return ""
}

// Format renders an amount for display, e.g. "350 USD".
func Format(amount int64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%d", amount)
	}
	return fmt.Sprintf("%d %s", amount, currency)
}
