package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/inventory"
	"katalog/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.OwnerID)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, actor.OwnerID, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct writes the product together with its initial_stock entry.
// When variants are given the initial stock is their sum.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.StockChangeResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StockChangeResult{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.StockChangeResult{}, fmt.Errorf("%w: name is required", store.ErrInvalidInput)
	}
	if req.Price.IsNegative() {
		return domain.StockChangeResult{}, fmt.Errorf("%w: price cannot be negative", store.ErrInvalidInput)
	}

	product := domain.Product{
		OwnerID: actor.OwnerID,
		SKU:     req.SKU,
		Name:    req.Name,
		Price:   req.Price,
	}
	quantity := req.InitialStock
	agg, err := inventory.Aggregate(req.SelectedVariants, req.VariantStock)
	if err != nil {
		return domain.StockChangeResult{}, invalid(err)
	}
	if agg.Enabled {
		product.SelectedVariants = agg.Selected
		product.VariantStock = agg.VariantStock
		quantity = agg.Stock
	}

	change, err := inventory.RecordInitialStock(product, quantity, s.meta(actor, req.Note))
	if err != nil {
		return domain.StockChangeResult{}, invalid(err)
	}

	created, entry, err := s.repo.CreateProduct(ctx, change.Product, *change.Entry)
	if err != nil {
		return domain.StockChangeResult{}, err
	}
	s.publishStockChanged(ctx, entry)
	return domain.StockChangeResult{Product: *created, Entry: entry}, nil
}

// AdjustStock sets the stock of a manually managed product. Saving the
// current value writes nothing.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (domain.StockChangeResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StockChangeResult{}, err
	}
	return s.mutateStock(ctx, actor, productID, func(current domain.Product) (domain.StockChange, error) {
		return inventory.RecordManualAdjustment(current, req.NewStock, s.meta(actor, req.Note))
	})
}

func (s *Service) UpdateVariants(ctx context.Context, productID string, req domain.VariantUpdateRequest) (domain.StockChangeResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StockChangeResult{}, err
	}
	return s.mutateStock(ctx, actor, productID, func(current domain.Product) (domain.StockChange, error) {
		return inventory.RecordVariantUpdate(current, req.SelectedVariants, req.VariantStock, s.meta(actor, req.Note))
	})
}

func (s *Service) RecordReturn(ctx context.Context, productID string, req domain.StockReturnRequest) (domain.StockChangeResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin, domain.RoleStaff)
	if err != nil {
		return domain.StockChangeResult{}, err
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID != "" {
		if _, err := s.repo.GetOrder(ctx, actor.OwnerID, req.OrderID); err != nil {
			return domain.StockChangeResult{}, fmt.Errorf("order %s: %w", req.OrderID, err)
		}
	}
	return s.mutateStock(ctx, actor, productID, func(current domain.Product) (domain.StockChange, error) {
		return inventory.RecordReturn(current, req.Quantity, req.VariantID, req.OrderID, s.meta(actor, req.Note))
	})
}

// StockCount applies a physical count to several products. Counts that match
// the system figure are skipped; the others become manual adjustments.
func (s *Service) StockCount(ctx context.Context, req domain.StockCountRequest) (domain.StockCountResponse, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.StockCountResponse{}, err
	}
	if len(req.Items) == 0 {
		return domain.StockCountResponse{}, fmt.Errorf("%w: items are required", store.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" || item.Counted < 0 {
			return domain.StockCountResponse{}, fmt.Errorf("%w: every item needs a product_id and a non-negative count", store.ErrInvalidInput)
		}
	}
	// Every line is checked before the first write so a bad line rejects the
	// whole count.
	for _, item := range req.Items {
		product, err := s.repo.GetProduct(ctx, actor.OwnerID, strings.TrimSpace(item.ProductID))
		if err != nil {
			return domain.StockCountResponse{}, fmt.Errorf("product %s: %w", item.ProductID, err)
		}
		if product.UsesVariants() {
			return domain.StockCountResponse{}, fmt.Errorf("product %s: %w", item.ProductID, invalid(inventory.ErrStockManagedByVariants))
		}
	}

	resp := domain.StockCountResponse{Notes: strings.TrimSpace(req.Notes), Lines: make([]domain.StockCountLine, 0, len(req.Items))}
	for _, item := range req.Items {
		var systemQty int
		result, err := s.mutateStock(ctx, actor, item.ProductID, func(current domain.Product) (domain.StockChange, error) {
			systemQty = current.Stock
			return inventory.RecordManualAdjustment(current, item.Counted, s.meta(actor, req.Notes))
		})
		if err != nil {
			return resp, fmt.Errorf("product %s: %w", item.ProductID, err)
		}
		resp.Lines = append(resp.Lines, domain.StockCountLine{
			ProductID: item.ProductID,
			SystemQty: systemQty,
			Counted:   item.Counted,
			Delta:     item.Counted - systemQty,
			Adjusted:  result.Entry != nil,
		})
	}
	return resp, nil
}

// StockHistory returns the ledger oldest first and flags any entry that does
// not reconcile. Flags never fail the call.
func (s *Service) StockHistory(ctx context.Context, productID string) (domain.StockHistoryResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockHistoryResponse{}, err
	}
	productID = strings.TrimSpace(productID)
	product, err := s.repo.GetProduct(ctx, actor.OwnerID, productID)
	if err != nil {
		return domain.StockHistoryResponse{}, err
	}
	entries, err := s.repo.ListStockHistory(ctx, actor.OwnerID, productID)
	if err != nil {
		return domain.StockHistoryResponse{}, err
	}

	warnings := inventory.Verify(entries, product.Stock)
	for _, issue := range warnings {
		s.logger.Warn("stock history does not reconcile",
			zap.String("owner_id", actor.OwnerID),
			zap.String("product_id", productID),
			zap.String("entry_id", issue.EntryID),
			zap.String("kind", issue.Kind),
			zap.String("detail", issue.Detail),
		)
	}
	return domain.StockHistoryResponse{
		ProductID: productID,
		Stock:     product.Stock,
		Entries:   entries,
		Warnings:  warnings,
	}, nil
}

func (s *Service) mutateStock(ctx context.Context, actor domain.Actor, productID string, mutate store.StockMutation) (domain.StockChangeResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockChangeResult{}, fmt.Errorf("%w: product_id is required", store.ErrInvalidInput)
	}
	result, err := s.repo.MutateStock(ctx, actor.OwnerID, productID, func(current domain.Product) (domain.StockChange, error) {
		change, err := mutate(current)
		return change, invalid(err)
	})
	if err != nil {
		return domain.StockChangeResult{}, err
	}
	s.publishStockChanged(ctx, result.Entry)
	return *result, nil
}
