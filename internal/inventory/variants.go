package inventory

import (
	"fmt"
	"strings"

	"katalog/backend/internal/domain"
)

// Aggregation is the variant state of a product after a selection change.
type Aggregation struct {
	Selected     []string
	VariantStock map[string]int
	Stock        int
	// Enabled is false when no variant is selected; the product then keeps
	// its manually edited stock.
	Enabled bool
}

// Aggregate recomputes variant stock from scratch. Quantities of variants that
// are not selected are dropped, not zeroed, and do not count toward Stock.
func Aggregate(selected []string, quantities map[string]int) (Aggregation, error) {
	seen := make(map[string]struct{}, len(selected))
	normalized := make([]string, 0, len(selected))
	for _, raw := range selected {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	if len(normalized) == 0 {
		return Aggregation{}, nil
	}

	variantStock := make(map[string]int, len(normalized))
	for _, id := range normalized {
		qty := quantities[id]
		if qty < 0 {
			return Aggregation{}, fmt.Errorf("%w: variant %s has %d", ErrNegativeStock, id, qty)
		}
		variantStock[id] = qty
	}

	return Aggregation{
		Selected:     normalized,
		VariantStock: variantStock,
		Stock:        sumSelected(normalized, variantStock),
		Enabled:      true,
	}, nil
}

// RecordVariantUpdate applies a new variant selection to a product. A changed
// total is logged as a manual adjustment; a map-only change is written without
// an entry. An empty selection turns aggregation off and leaves stock as is.
func RecordVariantUpdate(product domain.Product, selected []string, quantities map[string]int, meta Meta) (domain.StockChange, error) {
	agg, err := Aggregate(selected, quantities)
	if err != nil {
		return domain.StockChange{}, err
	}

	next := cloneProduct(product)
	if !agg.Enabled {
		if !product.UsesVariants() && len(product.VariantStock) == 0 {
			return domain.StockChange{Product: product, Noop: true}, nil
		}
		next.SelectedVariants = nil
		next.VariantStock = nil
		return domain.StockChange{Product: next}, nil
	}

	next.SelectedVariants = agg.Selected
	next.VariantStock = agg.VariantStock
	next.Stock = agg.Stock
	if next.Stock == product.Stock {
		if sameVariants(product, next) {
			return domain.StockChange{Product: product, Noop: true}, nil
		}
		return domain.StockChange{Product: next}, nil
	}

	entry := newEntry(product, next.Stock, domain.StockReasonManualAdjustment, meta.Note, "", meta)
	return domain.StockChange{Product: next, Entry: &entry}, nil
}

func sumSelected(selected []string, quantities map[string]int) int {
	total := 0
	for _, id := range selected {
		total += quantities[id]
	}
	return total
}

func sameVariants(a domain.Product, b domain.Product) bool {
	if len(a.SelectedVariants) != len(b.SelectedVariants) || len(a.VariantStock) != len(b.VariantStock) {
		return false
	}
	for i := range a.SelectedVariants {
		if a.SelectedVariants[i] != b.SelectedVariants[i] {
			return false
		}
	}
	for id, qty := range a.VariantStock {
		if other, ok := b.VariantStock[id]; !ok || other != qty {
			return false
		}
	}
	return true
}
