package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/store"
	"katalog/backend/internal/xid"
)

const DemoOwnerID = "owner-demo"

type usageKey struct {
	ownerID     string
	customerID  string
	promotionID string
}

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	stockHistory    map[string][]domain.StockHistoryEntry
	orders          map[string]domain.Order
	orderSeq        map[string]int
	promotions      map[string]domain.Promotion
	usages          map[usageKey]domain.CustomerCouponUsage
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		stockHistory:    make(map[string][]domain.StockHistoryEntry),
		orders:          make(map[string]domain.Order),
		orderSeq:        make(map[string]int),
		promotions:      make(map[string]domain.Promotion),
		usages:          make(map[usageKey]domain.CustomerCouponUsage),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// UsesDefaultCredentials reports whether NewSeeded falls back to the dev
// passwords for any seeded account.
func UsesDefaultCredentials() bool {
	return os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == ""
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD.
func seedUsers(ownerID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OwnerID:   ownerID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo tenant: two users, a small catalog
// whose stock is backed by initial_stock entries, and one storefront coupon.
func NewSeeded() *Store {
	s := New()
	ownerID := envOr("SEED_OWNER_ID", DemoOwnerID)
	s.usersByUsername = seedUsers(ownerID)

	now := time.Now().UTC()
	seed := []domain.Product{
		{ID: "prd_demo_chair", SKU: "CHAIR-OAK", Name: "Oak Dining Chair", Price: decimal.RequireFromString("450000"), Stock: 24},
		{ID: "prd_demo_table", SKU: "TABLE-TEAK", Name: "Teak Table 6 Seats", Price: decimal.RequireFromString("3200000"), Stock: 6},
		{
			ID: "prd_demo_shirt", SKU: "SHIRT-BATIK", Name: "Batik Shirt", Price: decimal.RequireFromString("185000"), Stock: 15,
			SelectedVariants: []string{"s", "m", "l"},
			VariantStock:     map[string]int{"s": 4, "m": 6, "l": 5},
		},
	}
	for _, p := range seed {
		p.OwnerID = ownerID
		p.Version = 1
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.stockHistory[p.ID] = []domain.StockHistoryEntry{{
			ID:           xid.New("stk"),
			ProductID:    p.ID,
			OwnerID:      ownerID,
			NewStock:     p.Stock,
			ChangeAmount: p.Stock,
			Reason:       domain.StockReasonInitial,
			Notes:        "seed",
			ActorName:    "system",
			CreatedAt:    now,
		}}
	}

	welcome := domain.Promotion{
		ID:               "prm_demo_welcome",
		OwnerID:          ownerID,
		Code:             "WELCOME10",
		Description:      "10% off your first order",
		DiscountType:     domain.DiscountPercentage,
		DiscountValue:    decimal.NewFromInt(10),
		MinOrderValue:    decimal.NewFromInt(100000),
		MaxDiscountValue: decimal.NewFromInt(250000),
		Status:           domain.PromotionActive,
		ShowOnStorefront: true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.promotions[welcome.ID] = welcome
	return s
}

func (s *Store) ListProducts(_ context.Context, ownerID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OwnerID == ownerID {
			products = append(products, cloneProduct(p))
		}
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, ownerID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	out := cloneProduct(p)
	return &out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initial domain.StockHistoryEntry) (*domain.Product, *domain.StockHistoryEntry, error) {
	if product.OwnerID == "" || product.Name == "" {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if product.SKU != "" && existing.OwnerID == product.OwnerID && strings.EqualFold(existing.SKU, product.SKU) {
			return nil, nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
	}

	now := time.Now().UTC()
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)

	initial.ProductID = product.ID
	initial.OwnerID = product.OwnerID
	if initial.ID == "" {
		initial.ID = xid.New("stk")
	}
	s.stockHistory[product.ID] = []domain.StockHistoryEntry{initial}

	out := cloneProduct(product)
	return &out, &initial, nil
}

// MutateStock holds the write lock across read, mutate and write, which gives
// the same serialization as a locked row in postgres.
func (s *Store) MutateStock(_ context.Context, ownerID string, productID string, mutate store.StockMutation) (*domain.StockChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[productID]
	if !ok || current.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}

	change, err := mutate(cloneProduct(current))
	if err != nil {
		return nil, err
	}
	if change.Noop {
		return &domain.StockChangeResult{Product: cloneProduct(current)}, nil
	}

	next := cloneProduct(change.Product)
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.products[productID] = next

	result := &domain.StockChangeResult{Product: cloneProduct(next)}
	if change.Entry != nil {
		entry := *change.Entry
		if entry.ID == "" {
			entry.ID = xid.New("stk")
		}
		entry.ProductID = productID
		entry.OwnerID = ownerID
		s.stockHistory[productID] = append(s.stockHistory[productID], entry)
		result.Entry = &entry
	}
	return result, nil
}

func (s *Store) ListStockHistory(_ context.Context, ownerID string, productID string) ([]domain.StockHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.stockHistory[productID]), nil
}

func (s *Store) CountStockEntries(_ context.Context, ownerID string, productID string, reason domain.StockReason, referenceID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.stockHistory[productID] {
		if entry.OwnerID != ownerID || entry.Reason != reason || entry.ReferenceID != referenceID {
			continue
		}
		if entry.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if order.OwnerID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	s.orderSeq[order.OwnerID]++
	order.Number = fmt.Sprintf("ORD-%06d", s.orderSeq[order.OwnerID])
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.ID] = cloneOrder(order)

	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) GetOrder(_ context.Context, ownerID string, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok || order.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(order)
	return &out, nil
}

func (s *Store) ListOrders(_ context.Context, ownerID string, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 32)
	for _, order := range s.orders {
		if order.OwnerID != ownerID {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, cloneOrder(order))
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.Order, expectedVersion int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.updateOrderLocked(order, expectedVersion)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) updateOrderLocked(order domain.Order, expectedVersion int64) (domain.Order, error) {
	current, ok := s.orders[order.ID]
	if !ok || current.OwnerID != order.OwnerID {
		return domain.Order{}, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.Order{}, fmt.Errorf("%w: order %s is at version %d, not %d", store.ErrConflict, order.ID, current.Version, expectedVersion)
	}

	order.Number = current.Number
	order.CreatedAt = current.CreatedAt
	order.Version = current.Version + 1
	order.UpdatedAt = time.Now().UTC()
	s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (s *Store) ConfirmOrder(_ context.Context, write store.ConfirmWrite) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promo domain.Promotion
	var key usageKey
	if write.Usage != nil {
		usage := write.Usage
		var ok bool
		promo, ok = s.promotions[usage.PromotionID]
		if !ok || promo.OwnerID != usage.OwnerID {
			return nil, store.ErrNotFound
		}
		key = usageKey{ownerID: usage.OwnerID, customerID: usage.CustomerID, promotionID: usage.PromotionID}
		if _, used := s.usages[key]; used {
			return nil, store.ErrCouponAlreadyUsed
		}
		if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
			return nil, store.ErrUsageLimitReached
		}
	}

	out, err := s.updateOrderLocked(write.Order, write.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	if write.Usage != nil {
		usage := *write.Usage
		if usage.UsedAt.IsZero() {
			usage.UsedAt = time.Now().UTC()
		}
		s.usages[key] = usage
		promo.UsageCount++
		promo.Version++
		promo.UpdatedAt = usage.UsedAt
		s.promotions[promo.ID] = promo
	}
	return &out, nil
}

func (s *Store) DeleteOrder(_ context.Context, ownerID string, orderID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderID]
	if !ok || current.OwnerID != ownerID {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion || current.ConfirmedAt != nil {
		return fmt.Errorf("%w: order %s has moved on and cannot be removed", store.ErrConflict, orderID)
	}
	delete(s.orders, orderID)
	return nil
}

func (s *Store) CreatePromotion(_ context.Context, promotion domain.Promotion) (*domain.Promotion, error) {
	if promotion.OwnerID == "" || promotion.Code == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codeTakenLocked(promotion.OwnerID, promotion.Code, "") {
		return nil, fmt.Errorf("%w: code %s already exists", store.ErrConflict, promotion.Code)
	}

	now := time.Now().UTC()
	if promotion.ID == "" {
		promotion.ID = xid.New("prm")
	}
	promotion.UsageCount = 0
	promotion.Version = 1
	promotion.CreatedAt = now
	promotion.UpdatedAt = now
	s.promotions[promotion.ID] = promotion

	out := promotion
	return &out, nil
}

// UpdatePromotion never touches usage_count; that column only moves through
// ConfirmOrder.
func (s *Store) UpdatePromotion(_ context.Context, promotion domain.Promotion, expectedVersion int64) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.promotions[promotion.ID]
	if !ok || current.OwnerID != promotion.OwnerID {
		return nil, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: promotion %s is at version %d, not %d", store.ErrConflict, promotion.ID, current.Version, expectedVersion)
	}
	if s.codeTakenLocked(promotion.OwnerID, promotion.Code, promotion.ID) {
		return nil, fmt.Errorf("%w: code %s already exists", store.ErrConflict, promotion.Code)
	}

	promotion.UsageCount = current.UsageCount
	promotion.CreatedAt = current.CreatedAt
	promotion.Version = current.Version + 1
	promotion.UpdatedAt = time.Now().UTC()
	s.promotions[promotion.ID] = promotion

	out := promotion
	return &out, nil
}

func (s *Store) codeTakenLocked(ownerID string, code string, exceptID string) bool {
	for id, p := range s.promotions {
		if id != exceptID && p.OwnerID == ownerID && strings.EqualFold(p.Code, code) {
			return true
		}
	}
	return false
}

func (s *Store) GetPromotion(_ context.Context, ownerID string, promotionID string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.promotions[promotionID]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) GetPromotionByCode(_ context.Context, ownerID string, code string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.promotions {
		if p.OwnerID == ownerID && strings.EqualFold(p.Code, code) {
			out := p
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListPromotions(_ context.Context, ownerID string) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promotions := make([]domain.Promotion, 0, 16)
	for _, p := range s.promotions {
		if p.OwnerID == ownerID {
			promotions = append(promotions, p)
		}
	}
	sort.Slice(promotions, func(i, j int) bool {
		return promotions[i].Code < promotions[j].Code
	})
	return promotions, nil
}

func (s *Store) HasCouponUsage(_ context.Context, ownerID string, customerID string, promotionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, used := s.usages[usageKey{ownerID: ownerID, customerID: customerID, promotionID: promotionID}]
	return used, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.OwnerID == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneProduct(p domain.Product) domain.Product {
	out := p
	out.SelectedVariants = slices.Clone(p.SelectedVariants)
	if p.VariantStock != nil {
		out.VariantStock = maps.Clone(p.VariantStock)
	}
	return out
}

func cloneOrder(o domain.Order) domain.Order {
	out := o
	out.Items = slices.Clone(o.Items)
	if o.Coupon != nil {
		coupon := *o.Coupon
		out.Coupon = &coupon
	}
	return out
}
