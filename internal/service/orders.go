package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/events"
	"katalog/backend/internal/fulfillment"
	"katalog/backend/internal/inventory"
	"katalog/backend/internal/promotion"
	"katalog/backend/internal/store"
)

const storefrontActor = "storefront"

func (s *Service) ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var filter domain.OrderStatus
	if strings.TrimSpace(status) != "" {
		if filter, err = fulfillment.ParseStatus(status); err != nil {
			return nil, invalid(err)
		}
	}
	return s.repo.ListOrders(ctx, actor.OwnerID, filter, limit)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, actor.OwnerID, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// SaveOrder creates or edits an order. Totals are always recomputed from the
// lines. Moving the order into delivered takes every line off the shelf once;
// the outcome of each line is reported and a failing line does not fail the
// save.
func (s *Service) SaveOrder(ctx context.Context, req domain.OrderSaveRequest) (domain.OrderSaveResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin, domain.RoleStaff)
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	return s.saveOrder(ctx, actor, req)
}

func (s *Service) saveOrder(ctx context.Context, actor domain.Actor, req domain.OrderSaveRequest) (domain.OrderSaveResult, error) {
	status := domain.OrderStatus("")
	if strings.TrimSpace(string(req.Status)) != "" {
		parsed, err := fulfillment.ParseStatus(string(req.Status))
		if err != nil {
			return domain.OrderSaveResult{}, invalid(err)
		}
		status = parsed
	}

	items, subtotal, err := s.priceItems(ctx, actor.OwnerID, req.Items)
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	label := strings.TrimSpace(req.CustomerLabel)
	if label == "" {
		label = customerID
	}

	if strings.TrimSpace(req.OrderID) == "" {
		order := domain.Order{
			OwnerID:       actor.OwnerID,
			CustomerID:    customerID,
			CustomerLabel: label,
			Items:         items,
			Status:        domain.OrderStatusWaiting,
			Subtotal:      subtotal,
			Notes:         strings.TrimSpace(req.Notes),
		}
		if code := promotion.NormalizeCode(req.CouponCode); code != "" {
			if order.Coupon, err = s.priceCoupon(ctx, actor.OwnerID, code, customerID, subtotal); err != nil {
				return domain.OrderSaveResult{}, err
			}
		}
		order.Total = orderTotal(order)

		created, err := s.repo.CreateOrder(ctx, order)
		if err != nil {
			return domain.OrderSaveResult{}, err
		}
		if status == "" || status == created.Status {
			return domain.OrderSaveResult{Order: *created}, nil
		}
		next := *created
		next.Status = status
		return s.transition(ctx, actor, *created, next)
	}

	existing, err := s.repo.GetOrder(ctx, actor.OwnerID, strings.TrimSpace(req.OrderID))
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	if req.Version != 0 && req.Version != existing.Version {
		return domain.OrderSaveResult{}, fmt.Errorf("%w: order %s is at version %d, not %d", store.ErrConflict, existing.ID, existing.Version, req.Version)
	}

	next := *existing
	next.Items = items
	next.Subtotal = subtotal
	next.CustomerLabel = label
	next.Notes = strings.TrimSpace(req.Notes)
	if customerID != "" {
		next.CustomerID = customerID
	}
	if status != "" {
		next.Status = status
	}

	code := promotion.NormalizeCode(req.CouponCode)
	switch {
	case existing.ConfirmedAt != nil && existing.Coupon != nil:
		// The usage row is written; the coupon stays with the order.
		if code != "" && code != existing.Coupon.Code {
			return domain.OrderSaveResult{}, fmt.Errorf("%w: coupon %s is already redeemed on this order", store.ErrInvalidInput, existing.Coupon.Code)
		}
		coupon := *existing.Coupon
		coupon.Discount = decimal.Min(coupon.Discount, subtotal)
		next.Coupon = &coupon
	case code != "":
		if next.Coupon, err = s.priceCoupon(ctx, actor.OwnerID, code, next.CustomerID, subtotal); err != nil {
			return domain.OrderSaveResult{}, err
		}
	default:
		next.Coupon = nil
	}
	next.Total = orderTotal(next)

	return s.transition(ctx, actor, *existing, next)
}

// transition writes next over before with a version check. Only the writer
// that wins the check runs the delivery side effects.
func (s *Service) transition(ctx context.Context, actor domain.Actor, before domain.Order, next domain.Order) (domain.OrderSaveResult, error) {
	delivering, undelivering := s.prepareStatus(before, &next)
	saved, err := s.repo.UpdateOrder(ctx, next, before.Version)
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	return s.finishStatus(ctx, actor, before.Status, *saved, delivering, undelivering), nil
}

func (s *Service) prepareStatus(before domain.Order, next *domain.Order) (delivering bool, undelivering bool) {
	delivering = fulfillment.TriggersDelivery(before.Status, next.Status)
	undelivering = fulfillment.LeavesDelivered(before.Status, next.Status)
	if delivering {
		at := s.now()
		next.DeliveredAt = &at
	}
	if undelivering {
		next.DeliveredAt = nil
	}
	return delivering, undelivering
}

func (s *Service) finishStatus(ctx context.Context, actor domain.Actor, previous domain.OrderStatus, saved domain.Order, delivering bool, undelivering bool) domain.OrderSaveResult {
	result := domain.OrderSaveResult{Order: saved}
	if delivering {
		result.Delivered = true
		result.Outcomes = s.deliver(ctx, actor, saved)
	}
	if undelivering {
		result.Undelivered = true
		s.logger.Warn("order left delivered; stock is not restored",
			zap.String("owner_id", saved.OwnerID),
			zap.String("order_id", saved.ID),
			zap.String("status", string(saved.Status)),
			zap.String("actor", actor.Username),
		)
	}
	if previous != saved.Status {
		s.publish(ctx, saved.OwnerID, saved.ID, events.EventOrderStatusChanged, saved.ID, events.OrderStatusChangedPayload{
			OrderID:        saved.ID,
			Number:         saved.Number,
			PreviousStatus: string(previous),
			Status:         string(saved.Status),
			FailedLines:    fulfillment.Failed(result.Outcomes),
		})
	}
	return result
}

// deliver records a sale_delivery for every line. The order is already saved,
// so the loop runs to the end even if the caller goes away.
func (s *Service) deliver(ctx context.Context, actor domain.Actor, order domain.Order) []domain.FulfillmentOutcome {
	ctx = context.WithoutCancel(ctx)
	outcomes := fulfillment.Deliver(order.Items, func(_ int, item domain.OrderItem) (int, int, error) {
		return s.deliverLine(ctx, actor, order, item)
	})
	s.logFailedLines(order, outcomes)
	return outcomes
}

func (s *Service) deliverLine(ctx context.Context, actor domain.Actor, order domain.Order, item domain.OrderItem) (int, int, error) {
	result, err := s.repo.MutateStock(ctx, order.OwnerID, item.ProductID, func(current domain.Product) (domain.StockChange, error) {
		return inventory.RecordSaleDelivery(current, item.Quantity, item.VariantID, order.ID, order.CustomerLabel, s.meta(actor, ""))
	})
	if err != nil {
		return 0, 0, err
	}
	if result.Entry == nil {
		return result.Product.Stock, result.Product.Stock, nil
	}
	s.publishStockChanged(ctx, result.Entry)
	return result.Entry.PreviousStock, result.Entry.NewStock, nil
}

func (s *Service) logFailedLines(order domain.Order, outcomes []domain.FulfillmentOutcome) {
	for _, outcome := range outcomes {
		if outcome.State != domain.FulfillmentFailed {
			continue
		}
		s.logger.Warn("delivery line failed",
			zap.String("owner_id", order.OwnerID),
			zap.String("order_id", order.ID),
			zap.Int("line", outcome.Line),
			zap.String("product_id", outcome.ProductID),
			zap.String("error", outcome.Error),
		)
	}
}

// RetryFulfillment re-applies the lines of a delivered order that have no
// sale_delivery entry since the order was last delivered.
func (s *Service) RetryFulfillment(ctx context.Context, orderID string) (domain.OrderSaveResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	order, err := s.repo.GetOrder(ctx, actor.OwnerID, strings.TrimSpace(orderID))
	if err != nil {
		return domain.OrderSaveResult{}, err
	}
	if order.Status != domain.OrderStatusDelivered || order.DeliveredAt == nil {
		return domain.OrderSaveResult{}, fmt.Errorf("%w: order %s is not delivered", store.ErrInvalidInput, order.ID)
	}

	// Bumping the version makes concurrent retries of the same order conflict.
	claimed, err := s.repo.UpdateOrder(ctx, *order, order.Version)
	if err != nil {
		return domain.OrderSaveResult{}, err
	}

	since := *order.DeliveredAt
	recorded := make(map[string]int)
	consumed := make(map[string]int)
	retryCtx := context.WithoutCancel(ctx)
	outcomes := fulfillment.Deliver(claimed.Items, func(_ int, item domain.OrderItem) (int, int, error) {
		if _, ok := recorded[item.ProductID]; !ok {
			n, err := s.repo.CountStockEntries(retryCtx, claimed.OwnerID, item.ProductID, domain.StockReasonSaleDelivery, claimed.ID, since)
			if err != nil {
				return 0, 0, err
			}
			recorded[item.ProductID] = n
		}
		if consumed[item.ProductID] < recorded[item.ProductID] {
			consumed[item.ProductID]++
			return 0, 0, fulfillment.ErrAlreadyApplied
		}
		return s.deliverLine(retryCtx, actor, *claimed, item)
	})
	s.logFailedLines(*claimed, outcomes)

	return domain.OrderSaveResult{Order: *claimed, Delivered: true, Outcomes: outcomes}, nil
}

// ConfirmOrder is the point where a coupon is redeemed: the usage row, the
// usage count and the confirmation are written together. A status in the
// request is applied in the same write and its delivery effects follow.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string, req domain.ConfirmOrderRequest) (domain.ConfirmOrderResult, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin, domain.RoleStaff)
	if err != nil {
		return domain.ConfirmOrderResult{}, err
	}
	return s.confirmOrder(ctx, actor, orderID, req)
}

func (s *Service) confirmOrder(ctx context.Context, actor domain.Actor, orderID string, req domain.ConfirmOrderRequest) (domain.ConfirmOrderResult, error) {
	existing, err := s.repo.GetOrder(ctx, actor.OwnerID, strings.TrimSpace(orderID))
	if err != nil {
		return domain.ConfirmOrderResult{}, err
	}
	if existing.ConfirmedAt != nil {
		return domain.ConfirmOrderResult{}, fmt.Errorf("%w: order %s is already confirmed", store.ErrConflict, existing.ID)
	}

	next := *existing
	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		next.CustomerID = customerID
	}
	if strings.TrimSpace(string(req.Status)) != "" {
		status, err := fulfillment.ParseStatus(string(req.Status))
		if err != nil {
			return domain.ConfirmOrderResult{}, invalid(err)
		}
		next.Status = status
	}

	now := s.now()
	var usage *domain.CustomerCouponUsage
	if existing.Coupon != nil {
		coupon := *existing.Coupon
		if next.CustomerID == "" {
			return domain.ConfirmOrderResult{}, fmt.Errorf("%w: customer_id is required to redeem coupon %s", store.ErrInvalidInput, coupon.Code)
		}
		promo, err := s.repo.GetPromotion(ctx, actor.OwnerID, coupon.PromotionID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.ConfirmOrderResult{}, promotion.Ineligible(coupon.Code, promotion.ReasonNotFound)
		}
		if err != nil {
			return domain.ConfirmOrderResult{}, err
		}
		used, err := s.repo.HasCouponUsage(ctx, actor.OwnerID, next.CustomerID, promo.ID)
		if err != nil {
			return domain.ConfirmOrderResult{}, err
		}
		if err := promotion.CheckEligibility(promotion.Input{
			Code:        coupon.Code,
			Promotion:   promo,
			AlreadyUsed: used,
			Subtotal:    next.Subtotal,
			Now:         now,
		}); err != nil {
			return domain.ConfirmOrderResult{}, err
		}

		coupon.Discount = promotion.Discount(*promo, next.Subtotal)
		next.Coupon = &coupon
		usage = &domain.CustomerCouponUsage{
			CustomerID:  next.CustomerID,
			PromotionID: promo.ID,
			OwnerID:     actor.OwnerID,
			OrderID:     existing.ID,
			Discount:    coupon.Discount,
			UsedAt:      now,
		}
	}
	next.Total = orderTotal(next)
	next.ConfirmedAt = &now

	delivering, undelivering := s.prepareStatus(*existing, &next)
	saved, err := s.repo.ConfirmOrder(ctx, store.ConfirmWrite{
		Order:           next,
		ExpectedVersion: existing.Version,
		Usage:           usage,
	})
	switch {
	case errors.Is(err, store.ErrCouponAlreadyUsed):
		return domain.ConfirmOrderResult{}, promotion.Ineligible(next.Coupon.Code, promotion.ReasonAlreadyUsed)
	case errors.Is(err, store.ErrUsageLimitReached):
		return domain.ConfirmOrderResult{}, promotion.Ineligible(next.Coupon.Code, promotion.ReasonUsageLimitReached)
	case err != nil:
		return domain.ConfirmOrderResult{}, err
	}

	if usage != nil {
		s.forgetPromotion(ctx, actor.OwnerID, next.Coupon.Code)
		s.publish(ctx, actor.OwnerID, usage.PromotionID, events.EventCouponRedeemed, saved.ID, events.CouponRedeemedPayload{
			PromotionID: usage.PromotionID,
			Code:        next.Coupon.Code,
			CustomerID:  usage.CustomerID,
			OrderID:     saved.ID,
			Discount:    usage.Discount,
		})
	}

	statusResult := s.finishStatus(ctx, actor, existing.Status, *saved, delivering, undelivering)
	return domain.ConfirmOrderResult{
		Order:       *saved,
		CouponUsage: usage,
		Outcomes:    statusResult.Outcomes,
	}, nil
}

// Checkout is the storefront path: it creates a waiting order at catalog
// prices and confirms it for the customer in one call.
func (s *Service) Checkout(ctx context.Context, ownerID string, req domain.CheckoutRequest) (domain.ConfirmOrderResult, error) {
	if err := ValidateOwnerID(ownerID); err != nil {
		return domain.ConfirmOrderResult{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.ConfirmOrderResult{}, fmt.Errorf("%w: customer_id is required", store.ErrInvalidInput)
	}

	items := make([]domain.OrderItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItemRequest{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	actor := domain.Actor{Username: storefrontActor, OwnerID: strings.TrimSpace(ownerID)}
	saved, err := s.saveOrder(ctx, actor, domain.OrderSaveRequest{
		CustomerID:    customerID,
		CustomerLabel: req.CustomerLabel,
		Items:         items,
		CouponCode:    req.CouponCode,
		Notes:         req.Notes,
	})
	if err != nil {
		return domain.ConfirmOrderResult{}, err
	}
	result, err := s.confirmOrder(ctx, actor, saved.Order.ID, domain.ConfirmOrderRequest{CustomerID: customerID})
	if err != nil {
		// A rejected checkout leaves no order behind.
		if delErr := s.repo.DeleteOrder(context.WithoutCancel(ctx), actor.OwnerID, saved.Order.ID, saved.Order.Version); delErr != nil {
			s.logger.Warn("checkout order left unconfirmed",
				zap.String("owner_id", actor.OwnerID),
				zap.String("order_id", saved.Order.ID),
				zap.Error(delErr),
			)
		}
		return domain.ConfirmOrderResult{}, err
	}
	return result, nil
}

func (s *Service) priceItems(ctx context.Context, ownerID string, reqs []domain.OrderItemRequest) ([]domain.OrderItem, decimal.Decimal, error) {
	if len(reqs) == 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: at least one item is required", store.ErrInvalidInput)
	}

	items := make([]domain.OrderItem, 0, len(reqs))
	subtotal := decimal.Zero
	for i, req := range reqs {
		productID := strings.TrimSpace(req.ProductID)
		if productID == "" || req.Quantity < 1 {
			return nil, decimal.Zero, fmt.Errorf("%w: line %d needs a product_id and a positive quantity", store.ErrInvalidInput, i+1)
		}
		if req.Discount.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: line %d discount cannot be negative", store.ErrInvalidInput, i+1)
		}

		product, err := s.repo.GetProduct(ctx, ownerID, productID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, decimal.Zero, fmt.Errorf("%w: line %d product %s not found", store.ErrInvalidInput, i+1, productID)
		}
		if err != nil {
			return nil, decimal.Zero, err
		}

		variantID := strings.TrimSpace(req.VariantID)
		if variantID != "" && !slices.Contains(product.SelectedVariants, variantID) {
			return nil, decimal.Zero, fmt.Errorf("%w: line %d variant %s is not offered for %s", store.ErrInvalidInput, i+1, variantID, product.Name)
		}

		price := product.Price
		if req.UnitPrice != nil {
			if req.UnitPrice.IsNegative() {
				return nil, decimal.Zero, fmt.Errorf("%w: line %d unit price cannot be negative", store.ErrInvalidInput, i+1)
			}
			price = *req.UnitPrice
		}

		item := domain.OrderItem{
			ProductID: product.ID,
			VariantID: variantID,
			Name:      product.Name,
			Quantity:  req.Quantity,
			UnitPrice: price,
			Discount:  req.Discount,
		}
		subtotal = subtotal.Add(item.LineTotal())
		items = append(items, item)
	}
	return items, subtotal, nil
}

// priceCoupon checks a code against the repository and returns the discount it
// would give. Nothing is redeemed here.
func (s *Service) priceCoupon(ctx context.Context, ownerID string, code string, customerID string, subtotal decimal.Decimal) (*domain.AppliedCoupon, error) {
	promo, err := s.repo.GetPromotionByCode(ctx, ownerID, code)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	used := false
	if promo != nil && customerID != "" {
		if used, err = s.repo.HasCouponUsage(ctx, ownerID, customerID, promo.ID); err != nil {
			return nil, err
		}
	}
	quote, err := promotion.Quote(promotion.Input{
		Code:        code,
		Promotion:   promo,
		AlreadyUsed: used,
		Subtotal:    subtotal,
		Now:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	return &domain.AppliedCoupon{PromotionID: quote.PromotionID, Code: quote.Code, Discount: quote.Discount}, nil
}

func orderTotal(order domain.Order) decimal.Decimal {
	if order.Coupon == nil {
		return promotion.ApplyDiscount(order.Subtotal, decimal.Zero)
	}
	return promotion.ApplyDiscount(order.Subtotal, order.Coupon.Discount)
}
