package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"katalog/backend/internal/cache"
	"katalog/backend/internal/domain"
	"katalog/backend/internal/events"
	"katalog/backend/internal/inventory"
	"katalog/backend/internal/store"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden role")
)

const defaultPromotionCacheTTL = 30 * time.Second

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Deps struct {
	Repo     store.Repository
	Cache    cache.PromotionCache
	CacheTTL time.Duration
	Events   events.Publisher
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service is the only writer of products, orders and promotions.
type Service struct {
	repo     store.Repository
	cache    cache.PromotionCache
	cacheTTL time.Duration
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

func New(deps Deps) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("service: repository is required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopPromotionCache{}
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = defaultPromotionCacheTTL
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Service{
		repo:     deps.Repo,
		cache:    deps.Cache,
		cacheTTL: deps.CacheTTL,
		events:   deps.Events,
		logger:   deps.Logger.Named("service"),
		now:      func() time.Time { return deps.Clock().UTC() },
	}, nil
}

// requireActor returns the authenticated actor when its role is one of roles.
// No roles means any authenticated actor.
func requireActor(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.OwnerID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s", ErrForbidden, actor.Role)
}

func ValidateOwnerID(ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return fmt.Errorf("%w: owner_id is required", store.ErrInvalidInput)
	}
	if len(ownerID) > 64 || strings.ContainsAny(ownerID, " /\\\t\r\n") {
		return fmt.Errorf("%w: owner_id is malformed", store.ErrInvalidInput)
	}
	return nil
}

func (s *Service) meta(actor domain.Actor, note string) inventory.Meta {
	return inventory.Meta{Actor: actor.Username, Note: note, At: s.now()}
}

// invalid marks err as a client error while keeping it matchable.
func invalid(err error) error {
	if err == nil || errors.Is(err, store.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrInvalidInput, err)
}

func (s *Service) publish(ctx context.Context, ownerID string, key string, eventType string, correlationID string, payload any) {
	event, err := events.NewEnvelope(eventType, ownerID, correlationID, payload)
	if err == nil {
		err = s.events.Publish(ctx, key, event)
	}
	if err != nil {
		s.logger.Warn("publish event failed",
			zap.String("event_type", eventType),
			zap.String("owner_id", ownerID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) publishStockChanged(ctx context.Context, entry *domain.StockHistoryEntry) {
	if entry == nil {
		return
	}
	s.publish(ctx, entry.OwnerID, entry.ProductID, events.EventStockChanged, entry.ReferenceID, events.StockChangedPayload{
		ProductID:     entry.ProductID,
		EntryID:       entry.ID,
		PreviousStock: entry.PreviousStock,
		NewStock:      entry.NewStock,
		ChangeAmount:  entry.ChangeAmount,
		Reason:        string(entry.Reason),
		ReferenceID:   entry.ReferenceID,
	})
}
