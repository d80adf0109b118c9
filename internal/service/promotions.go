package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/promotion"
	"katalog/backend/internal/store"
)

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPromotions(ctx, actor.OwnerID)
}

func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionRequest) (domain.Promotion, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Promotion{}, err
	}
	built, err := promotion.Build(req)
	if err != nil {
		return domain.Promotion{}, invalid(err)
	}
	built.OwnerID = actor.OwnerID

	created, err := s.repo.CreatePromotion(ctx, built)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.logger.Info("promotion created",
		zap.String("owner_id", actor.OwnerID),
		zap.String("promotion_id", created.ID),
		zap.String("code", created.Code),
		zap.String("actor", actor.Username),
	)
	return *created, nil
}

// UpdatePromotion replaces the editable fields. The usage count is owned by
// confirmation and is never taken from the request.
func (s *Service) UpdatePromotion(ctx context.Context, promotionID string, req domain.PromotionRequest) (domain.Promotion, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Promotion{}, err
	}
	existing, err := s.repo.GetPromotion(ctx, actor.OwnerID, strings.TrimSpace(promotionID))
	if err != nil {
		return domain.Promotion{}, err
	}
	built, err := promotion.Build(req)
	if err != nil {
		return domain.Promotion{}, invalid(err)
	}

	built.ID = existing.ID
	built.OwnerID = existing.OwnerID
	built.UsageCount = existing.UsageCount
	built.CreatedAt = existing.CreatedAt
	updated, err := s.repo.UpdatePromotion(ctx, built, existing.Version)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.forgetPromotion(ctx, existing.OwnerID, existing.Code)
	if updated.Code != existing.Code {
		s.forgetPromotion(ctx, updated.OwnerID, updated.Code)
	}
	return *updated, nil
}

func (s *Service) SetPromotionStatus(ctx context.Context, promotionID string, status domain.PromotionStatus) (domain.Promotion, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Promotion{}, err
	}
	status = domain.PromotionStatus(strings.ToLower(strings.TrimSpace(string(status))))
	if status != domain.PromotionActive && status != domain.PromotionInactive {
		return domain.Promotion{}, fmt.Errorf("%w: status must be active or inactive", store.ErrInvalidInput)
	}

	existing, err := s.repo.GetPromotion(ctx, actor.OwnerID, strings.TrimSpace(promotionID))
	if err != nil {
		return domain.Promotion{}, err
	}
	if existing.Status == status {
		return *existing, nil
	}
	next := *existing
	next.Status = status
	updated, err := s.repo.UpdatePromotion(ctx, next, existing.Version)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.forgetPromotion(ctx, updated.OwnerID, updated.Code)
	return *updated, nil
}

// StorefrontPromotions lists what a shop advertises right now.
func (s *Service) StorefrontPromotions(ctx context.Context, ownerID string) ([]domain.Promotion, error) {
	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	all, err := s.repo.ListPromotions(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, err
	}
	now := s.now()
	visible := make([]domain.Promotion, 0, len(all))
	for _, p := range all {
		if promotion.Visible(p, now) {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// ValidateCoupon previews a code for a cart. An ineligible code is not an
// error: the quote carries Valid false and the reason. The promotion may come
// from the cache; the per-customer check always reads the repository.
func (s *Service) ValidateCoupon(ctx context.Context, ownerID string, req domain.CouponValidateRequest) (domain.CouponQuote, error) {
	if err := ValidateOwnerID(ownerID); err != nil {
		return domain.CouponQuote{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	code := promotion.NormalizeCode(req.Code)
	if code == "" {
		return domain.CouponQuote{}, fmt.Errorf("%w: code is required", store.ErrInvalidInput)
	}
	if req.Subtotal.IsNegative() {
		return domain.CouponQuote{}, fmt.Errorf("%w: subtotal cannot be negative", store.ErrInvalidInput)
	}

	promo, err := s.lookupPromotion(ctx, ownerID, code)
	if err != nil {
		return domain.CouponQuote{}, err
	}
	used := false
	customerID := strings.TrimSpace(req.CustomerID)
	if promo != nil && customerID != "" {
		if used, err = s.repo.HasCouponUsage(ctx, ownerID, customerID, promo.ID); err != nil {
			return domain.CouponQuote{}, err
		}
	}

	quote, err := promotion.Quote(promotion.Input{
		Code:        code,
		Promotion:   promo,
		AlreadyUsed: used,
		Subtotal:    req.Subtotal,
		Now:         s.now(),
	})
	if _, ok := promotion.ReasonOf(err); ok {
		return quote, nil
	}
	return quote, err
}

func (s *Service) lookupPromotion(ctx context.Context, ownerID string, code string) (*domain.Promotion, error) {
	cached, ok, err := s.cache.Get(ctx, ownerID, code)
	if err != nil {
		s.logger.Warn("promotion cache read failed", zap.String("owner_id", ownerID), zap.String("code", code), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	promo, err := s.repo.GetPromotionByCode(ctx, ownerID, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, *promo, s.cacheTTL); err != nil {
		s.logger.Warn("promotion cache write failed", zap.String("owner_id", ownerID), zap.String("code", code), zap.Error(err))
	}
	return promo, nil
}

func (s *Service) forgetPromotion(ctx context.Context, ownerID string, code string) {
	if err := s.cache.Delete(ctx, ownerID, code); err != nil {
		s.logger.Warn("promotion cache delete failed", zap.String("owner_id", ownerID), zap.String("code", code), zap.Error(err))
	}
}
