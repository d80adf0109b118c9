// Package inventory builds stock-history entries and derives stock figures.
// Nothing here touches storage: every function takes a product snapshot and
// returns the next state, which the repository writes together with the entry.
package inventory

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"katalog/backend/internal/domain"
)

var (
	ErrNegativeStock          = errors.New("inventory: stock cannot be negative")
	ErrInvalidQuantity        = errors.New("inventory: quantity must be greater than zero")
	ErrStockManagedByVariants = errors.New("inventory: stock is derived from variants")
	ErrUnknownVariant         = errors.New("inventory: variant is not selected for product")
)

// Meta carries the audit fields shared by every entry.
type Meta struct {
	Actor string
	Note  string
	At    time.Time
}

func (m Meta) at() time.Time {
	if m.At.IsZero() {
		return time.Now().UTC()
	}
	return m.At.UTC()
}

// RecordInitialStock seeds the history of a product that is about to be
// created. The product has no id yet; the repository binds ProductID after
// the product row is written.
func RecordInitialStock(product domain.Product, quantity int, meta Meta) (domain.StockChange, error) {
	if quantity < 0 {
		return domain.StockChange{}, ErrNegativeStock
	}
	next := cloneProduct(product)
	next.Stock = quantity
	entry := newEntry(domain.Product{OwnerID: product.OwnerID}, quantity, domain.StockReasonInitial, meta.Note, "", meta)
	return domain.StockChange{Product: next, Entry: &entry}, nil
}

// RecordManualAdjustment sets the stock to an absolute value. Setting the
// value the product already has is a no-op and produces no entry.
func RecordManualAdjustment(product domain.Product, newStock int, meta Meta) (domain.StockChange, error) {
	if product.UsesVariants() {
		return domain.StockChange{}, ErrStockManagedByVariants
	}
	if newStock < 0 {
		return domain.StockChange{}, ErrNegativeStock
	}
	if newStock == product.Stock {
		return domain.StockChange{Product: product, Noop: true}, nil
	}

	next := cloneProduct(product)
	next.Stock = newStock
	entry := newEntry(product, newStock, domain.StockReasonManualAdjustment, meta.Note, "", meta)
	return domain.StockChange{Product: next, Entry: &entry}, nil
}

// RecordSaleDelivery removes delivered units. Stock is floored at zero: an
// oversell is recorded with the change that actually happened.
func RecordSaleDelivery(product domain.Product, quantity int, variantID string, orderID string, customerLabel string, meta Meta) (domain.StockChange, error) {
	if quantity <= 0 {
		return domain.StockChange{}, ErrInvalidQuantity
	}

	next := cloneProduct(product)
	if product.UsesVariants() {
		if err := drainVariants(&next, quantity, strings.TrimSpace(variantID)); err != nil {
			return domain.StockChange{}, err
		}
	} else {
		next.Stock = max(0, product.Stock-quantity)
	}

	note := "Order delivered"
	if label := strings.TrimSpace(customerLabel); label != "" {
		note = fmt.Sprintf("Order delivered to %s", label)
	}
	if meta.Note != "" {
		note = note + ": " + meta.Note
	}
	entry := newEntry(product, next.Stock, domain.StockReasonSaleDelivery, note, orderID, meta)
	return domain.StockChange{Product: next, Entry: &entry}, nil
}

// RecordReturn puts units back on the shelf.
func RecordReturn(product domain.Product, quantity int, variantID string, orderID string, meta Meta) (domain.StockChange, error) {
	if quantity <= 0 {
		return domain.StockChange{}, ErrInvalidQuantity
	}

	next := cloneProduct(product)
	if product.UsesVariants() {
		target := strings.TrimSpace(variantID)
		if target == "" {
			target = product.SelectedVariants[0]
		}
		if !slices.Contains(product.SelectedVariants, target) {
			return domain.StockChange{}, fmt.Errorf("%w: %s", ErrUnknownVariant, target)
		}
		next.VariantStock[target] += quantity
		next.Stock = sumSelected(next.SelectedVariants, next.VariantStock)
	} else {
		next.Stock = product.Stock + quantity
	}

	entry := newEntry(product, next.Stock, domain.StockReasonReturn, meta.Note, orderID, meta)
	return domain.StockChange{Product: next, Entry: &entry}, nil
}

// Replay applies every entry from an empty shelf and returns the resulting stock.
func Replay(entries []domain.StockHistoryEntry) int {
	stock := 0
	for _, entry := range entries {
		stock += entry.ChangeAmount
	}
	return stock
}

// Verify checks that a product's history (oldest first) is internally
// consistent and reconciles with the current stock.
func Verify(entries []domain.StockHistoryEntry, currentStock int) []domain.IntegrityIssue {
	issues := make([]domain.IntegrityIssue, 0)
	for i, entry := range entries {
		if entry.ChangeAmount != entry.NewStock-entry.PreviousStock {
			issues = append(issues, domain.IntegrityIssue{
				EntryID: entry.ID,
				Kind:    "change_mismatch",
				Detail:  fmt.Sprintf("change %d does not match %d -> %d", entry.ChangeAmount, entry.PreviousStock, entry.NewStock),
			})
		}
		if entry.NewStock < 0 {
			issues = append(issues, domain.IntegrityIssue{
				EntryID: entry.ID,
				Kind:    "negative_stock",
				Detail:  fmt.Sprintf("new stock %d is negative", entry.NewStock),
			})
		}
		if i == 0 {
			if entry.Reason != domain.StockReasonInitial || entry.PreviousStock != 0 {
				issues = append(issues, domain.IntegrityIssue{
					EntryID: entry.ID,
					Kind:    "missing_initial",
					Detail:  fmt.Sprintf("history starts with %s from %d", entry.Reason, entry.PreviousStock),
				})
			}
			continue
		}
		if prev := entries[i-1]; entry.PreviousStock != prev.NewStock {
			issues = append(issues, domain.IntegrityIssue{
				EntryID: entry.ID,
				Kind:    "chain_break",
				Detail:  fmt.Sprintf("previous stock %d but prior entry ended at %d", entry.PreviousStock, prev.NewStock),
			})
		}
	}

	if replayed := Replay(entries); replayed != currentStock {
		issues = append(issues, domain.IntegrityIssue{
			Kind:   "replay_mismatch",
			Detail: fmt.Sprintf("history replays to %d but stock is %d", replayed, currentStock),
		})
	}
	return issues
}

func newEntry(product domain.Product, newStock int, reason domain.StockReason, note string, referenceID string, meta Meta) domain.StockHistoryEntry {
	return domain.StockHistoryEntry{
		ProductID:     product.ID,
		OwnerID:       product.OwnerID,
		PreviousStock: product.Stock,
		NewStock:      newStock,
		ChangeAmount:  newStock - product.Stock,
		Reason:        reason,
		Notes:         strings.TrimSpace(note),
		ReferenceID:   strings.TrimSpace(referenceID),
		ActorName:     strings.TrimSpace(meta.Actor),
		CreatedAt:     meta.at(),
	}
}

// drainVariants takes quantity from one variant, or from the selected
// variants in selection order when no variant is named.
func drainVariants(product *domain.Product, quantity int, variantID string) error {
	if variantID != "" {
		if !slices.Contains(product.SelectedVariants, variantID) {
			return fmt.Errorf("%w: %s", ErrUnknownVariant, variantID)
		}
		product.VariantStock[variantID] = max(0, product.VariantStock[variantID]-quantity)
	} else {
		remaining := quantity
		for _, id := range product.SelectedVariants {
			if remaining == 0 {
				break
			}
			take := min(remaining, product.VariantStock[id])
			product.VariantStock[id] -= take
			remaining -= take
		}
	}
	product.Stock = sumSelected(product.SelectedVariants, product.VariantStock)
	return nil
}

func cloneProduct(product domain.Product) domain.Product {
	next := product
	next.SelectedVariants = slices.Clone(product.SelectedVariants)
	if product.VariantStock != nil {
		next.VariantStock = maps.Clone(product.VariantStock)
	}
	if next.UsesVariants() && next.VariantStock == nil {
		next.VariantStock = make(map[string]int, len(next.SelectedVariants))
	}
	return next
}
