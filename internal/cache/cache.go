package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"katalog/backend/internal/domain"
)

const keyPromotionByCode = "promo:%s:%s"

// PromotionKey is the cache key of a promotion looked up by code.
func PromotionKey(ownerID string, code string) string {
	return fmt.Sprintf(keyPromotionByCode, ownerID, strings.ToUpper(strings.TrimSpace(code)))
}

// PromotionCache holds storefront lookups only. Usage counts read from it may
// be stale, so confirmation always reads the repository.
type PromotionCache interface {
	Get(ctx context.Context, ownerID string, code string) (*domain.Promotion, bool, error)
	Set(ctx context.Context, promotion domain.Promotion, ttl time.Duration) error
	Delete(ctx context.Context, ownerID string, code string) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) Get(_ context.Context, _ string, _ string) (*domain.Promotion, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) Set(_ context.Context, _ domain.Promotion, _ time.Duration) error {
	return nil
}

func (NoopPromotionCache) Delete(_ context.Context, _ string, _ string) error {
	return nil
}
