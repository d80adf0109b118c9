package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"katalog/backend/internal/domain"
)

func TestPromotionKeyNormalizesCode(t *testing.T) {
	assert.Equal(t, "promo:owner-a:HEMAT10", PromotionKey("owner-a", " hemat10 "))
}

func TestNoopPromotionCacheAlwaysMisses(t *testing.T) {
	var c PromotionCache = NoopPromotionCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.Promotion{OwnerID: "owner-a", Code: "X"}, time.Minute))
	_, hit, err := c.Get(ctx, "owner-a", "X")
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, c.Delete(ctx, "owner-a", "X"))
}
