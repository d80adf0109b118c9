package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/inventory"
	"katalog/backend/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("KATALOG_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KATALOG_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ownerID := fmt.Sprintf("owner-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customer_coupon_usages WHERE owner_id = $1`, ownerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE owner_id = $1`, ownerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_counters WHERE owner_id = $1`, ownerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM promotions WHERE owner_id = $1`, ownerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE owner_id = $1`, ownerID)
		_ = s.Close()
	})
	return s, ownerID
}

func TestMutateStockSerializesConcurrentDeliveries(t *testing.T) {
	s, ownerID := openTestStore(t)
	ctx := context.Background()

	change, err := inventory.RecordInitialStock(domain.Product{OwnerID: ownerID, Name: "Chair IT", Price: decimal.NewFromInt(1000)}, 10, inventory.Meta{Actor: "it"})
	if err != nil {
		t.Fatalf("initial stock: %v", err)
	}
	product, _, err := s.CreateProduct(ctx, change.Product, *change.Entry)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateStock(ctx, ownerID, product.ID, func(current domain.Product) (domain.StockChange, error) {
				return inventory.RecordSaleDelivery(current, 1, "", fmt.Sprintf("ord-%d", i), "", inventory.Meta{Actor: "it"})
			})
			if err != nil {
				t.Errorf("mutate stock: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := s.GetProduct(ctx, ownerID, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if stored.Stock != 0 {
		t.Fatalf("expected stock floored at 0, got %d", stored.Stock)
	}

	entries, err := s.ListStockHistory(ctx, ownerID, product.ID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if issues := inventory.Verify(entries, stored.Stock); len(issues) != 0 {
		t.Fatalf("expected consistent history, got %+v", issues)
	}
}

func TestConfirmOrderWritesUsageOnce(t *testing.T) {
	s, ownerID := openTestStore(t)
	ctx := context.Background()

	promo, err := s.CreatePromotion(ctx, domain.Promotion{
		OwnerID:       ownerID,
		Code:          "IT-ONCE",
		DiscountType:  domain.DiscountFixed,
		DiscountValue: decimal.NewFromInt(100),
		UsageLimit:    1,
		Status:        domain.PromotionActive,
	})
	if err != nil {
		t.Fatalf("create promotion: %v", err)
	}

	confirm := func(customerID string) error {
		order, err := s.CreateOrder(ctx, domain.Order{
			OwnerID:    ownerID,
			CustomerID: customerID,
			Status:     domain.OrderStatusWaiting,
			Items:      []domain.OrderItem{{ProductID: "prd-it", Name: "Item", Quantity: 1, UnitPrice: decimal.NewFromInt(500)}},
			Subtotal:   decimal.NewFromInt(500),
			Coupon:     &domain.AppliedCoupon{PromotionID: promo.ID, Code: promo.Code, Discount: decimal.NewFromInt(100)},
			Total:      decimal.NewFromInt(400),
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		order.ConfirmedAt = &now
		_, err = s.ConfirmOrder(ctx, store.ConfirmWrite{
			Order:           *order,
			ExpectedVersion: order.Version,
			Usage: &domain.CustomerCouponUsage{
				CustomerID:  customerID,
				PromotionID: promo.ID,
				OwnerID:     ownerID,
				OrderID:     order.ID,
				Discount:    decimal.NewFromInt(100),
				UsedAt:      now,
			},
		})
		return err
	}

	if err := confirm("cus-1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := confirm("cus-1"); !errors.Is(err, store.ErrCouponAlreadyUsed) {
		t.Fatalf("expected ErrCouponAlreadyUsed, got %v", err)
	}
	if err := confirm("cus-2"); !errors.Is(err, store.ErrUsageLimitReached) {
		t.Fatalf("expected ErrUsageLimitReached, got %v", err)
	}

	stored, err := s.GetPromotion(ctx, ownerID, promo.ID)
	if err != nil {
		t.Fatalf("get promotion: %v", err)
	}
	if stored.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", stored.UsageCount)
	}
}

func TestDeleteOrderOnlyRemovesUnconfirmedOrders(t *testing.T) {
	s, ownerID := openTestStore(t)
	ctx := context.Background()

	newOrder := func() *domain.Order {
		order, err := s.CreateOrder(ctx, domain.Order{
			OwnerID:  ownerID,
			Status:   domain.OrderStatusWaiting,
			Items:    []domain.OrderItem{{ProductID: "prd-it", Name: "Item", Quantity: 1, UnitPrice: decimal.NewFromInt(500)}},
			Subtotal: decimal.NewFromInt(500),
			Total:    decimal.NewFromInt(500),
		})
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		return order
	}

	pending := newOrder()
	if err := s.DeleteOrder(ctx, ownerID, pending.ID, pending.Version); err != nil {
		t.Fatalf("delete pending order: %v", err)
	}
	if _, err := s.GetOrder(ctx, ownerID, pending.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted order to be gone, got %v", err)
	}

	confirmed := newOrder()
	now := time.Now().UTC()
	confirmed.ConfirmedAt = &now
	saved, err := s.ConfirmOrder(ctx, store.ConfirmWrite{Order: *confirmed, ExpectedVersion: confirmed.Version})
	if err != nil {
		t.Fatalf("confirm order: %v", err)
	}
	if err := s.DeleteOrder(ctx, ownerID, saved.ID, saved.Version); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for confirmed order, got %v", err)
	}
	if err := s.DeleteOrder(ctx, "owner-other", saved.ID, saved.Version); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across owners, got %v", err)
	}
}
