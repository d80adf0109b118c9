package store

import (
	"context"
	"errors"
	"time"

	"katalog/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrConflict is returned when a compare-and-set write loses to a
	// concurrent writer or a unique key is already taken.
	ErrConflict          = errors.New("conflict")
	ErrCouponAlreadyUsed = errors.New("coupon already used by customer")
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
)

// StockMutation receives the product as currently stored, with the row held
// for the duration of the call, and returns the state to write.
type StockMutation func(current domain.Product) (domain.StockChange, error)

// ConfirmWrite is the unit written when an order is confirmed: the order
// update and, when a coupon is attached, its usage row plus the usage count
// increment.
type ConfirmWrite struct {
	Order           domain.Order
	ExpectedVersion int64
	Usage           *domain.CustomerCouponUsage
}

// Every read and write is scoped to an owner. Rows of another owner are
// reported as ErrNotFound.
type Repository interface {
	ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, ownerID string, productID string) (*domain.Product, error)
	// CreateProduct writes the product and then its initial ledger entry, bound
	// to the persisted product id, in one transaction.
	CreateProduct(ctx context.Context, product domain.Product, initial domain.StockHistoryEntry) (*domain.Product, *domain.StockHistoryEntry, error)
	MutateStock(ctx context.Context, ownerID string, productID string, mutate StockMutation) (*domain.StockChangeResult, error)
	ListStockHistory(ctx context.Context, ownerID string, productID string) ([]domain.StockHistoryEntry, error)
	CountStockEntries(ctx context.Context, ownerID string, productID string, reason domain.StockReason, referenceID string, since time.Time) (int, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, ownerID string, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, ownerID string, status domain.OrderStatus, limit int) ([]domain.Order, error)
	// UpdateOrder replaces the order only if its stored version still equals
	// expectedVersion, and bumps the version.
	UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) (*domain.Order, error)
	ConfirmOrder(ctx context.Context, write ConfirmWrite) (*domain.Order, error)
	// DeleteOrder removes an order that was never confirmed and is still at
	// expectedVersion. Any other state is ErrConflict.
	DeleteOrder(ctx context.Context, ownerID string, orderID string, expectedVersion int64) error

	CreatePromotion(ctx context.Context, promotion domain.Promotion) (*domain.Promotion, error)
	UpdatePromotion(ctx context.Context, promotion domain.Promotion, expectedVersion int64) (*domain.Promotion, error)
	GetPromotion(ctx context.Context, ownerID string, promotionID string) (*domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, ownerID string, code string) (*domain.Promotion, error)
	ListPromotions(ctx context.Context, ownerID string) ([]domain.Promotion, error)
	HasCouponUsage(ctx context.Context, ownerID string, customerID string, promotionID string) (bool, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
