package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/store"
	"katalog/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const productColumns = `id, owner_id, sku, name, price, stock, selected_variants, variant_stock, version, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE owner_id = $1
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, ownerID string, productID string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND owner_id = $2
	`, productID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initial domain.StockHistoryEntry) (*domain.Product, *domain.StockHistoryEntry, error) {
	if product.OwnerID == "" || product.Name == "" {
		return nil, nil, store.ErrInvalidInput
	}
	selected, variants, err := encodeVariants(product)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	product.Version = 1
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, owner_id, sku, name, price, stock, selected_variants, variant_stock, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.OwnerID, product.SKU, product.Name, product.Price, product.Stock, selected, variants, product.Version, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
		return nil, nil, err
	}

	initial.ProductID = product.ID
	initial.OwnerID = product.OwnerID
	if initial.ID == "" {
		initial.ID = xid.New("stk")
	}
	if err := insertEntry(ctx, tx, initial); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &product, &initial, nil
}

// MutateStock locks the product row for the length of the transaction, so
// concurrent mutations of one product apply one after another and each entry
// starts where the previous one ended.
func (s *Store) MutateStock(ctx context.Context, ownerID string, productID string, mutate store.StockMutation) (*domain.StockChangeResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE
	`, productID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	change, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if change.Noop {
		return &domain.StockChangeResult{Product: current}, nil
	}

	next := change.Product
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.CreatedAt = current.CreatedAt
	selected, variants, err := encodeVariants(next)
	if err != nil {
		return nil, err
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock = $3, selected_variants = $4, variant_stock = $5, version = version + 1, updated_at = now()
		WHERE id = $1 AND owner_id = $2
		RETURNING version, updated_at
	`, productID, ownerID, next.Stock, selected, variants).Scan(&next.Version, &next.UpdatedAt)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = next.UpdatedAt.UTC()

	result := &domain.StockChangeResult{Product: next}
	if change.Entry != nil {
		entry := *change.Entry
		if entry.ID == "" {
			entry.ID = xid.New("stk")
		}
		entry.ProductID = productID
		entry.OwnerID = ownerID
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		result.Entry = &entry
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListStockHistory(ctx context.Context, ownerID string, productID string) ([]domain.StockHistoryEntry, error) {
	if _, err := s.GetProduct(ctx, ownerID, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, owner_id, previous_stock, new_stock, change_amount, reason, notes, reference_id, actor_name, created_at
		FROM stock_history
		WHERE owner_id = $1 AND product_id = $2
		ORDER BY seq ASC
	`, ownerID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockHistoryEntry, 0, 32)
	for rows.Next() {
		var entry domain.StockHistoryEntry
		if err := rows.Scan(
			&entry.ID, &entry.ProductID, &entry.OwnerID,
			&entry.PreviousStock, &entry.NewStock, &entry.ChangeAmount,
			&entry.Reason, &entry.Notes, &entry.ReferenceID, &entry.ActorName, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CountStockEntries(ctx context.Context, ownerID string, productID string, reason domain.StockReason, referenceID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM stock_history
		WHERE owner_id = $1 AND product_id = $2 AND reason = $3 AND reference_id = $4 AND created_at >= $5
	`, ownerID, productID, string(reason), referenceID, since).Scan(&count)
	return count, err
}

const orderColumns = `id, owner_id, number, customer_id, customer_label, status, subtotal, coupon_promotion_id, coupon_code, coupon_discount, total, notes, confirmed_at, delivered_at, version, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.OwnerID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO order_counters (owner_id, last_number)
		VALUES ($1, 1)
		ON CONFLICT (owner_id)
		DO UPDATE SET last_number = order_counters.last_number + 1
		RETURNING last_number
	`, order.OwnerID).Scan(&seq); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	order.Number = fmt.Sprintf("ORD-%06d", seq)
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now

	promotionID, code, discount := couponColumns(order.Coupon)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, owner_id, number, customer_id, customer_label, status, subtotal,
			coupon_promotion_id, coupon_code, coupon_discount, total, notes,
			confirmed_at, delivered_at, version, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, order.ID, order.OwnerID, order.Number, order.CustomerID, order.CustomerLabel, string(order.Status), order.Subtotal,
		promotionID, code, discount, order.Total, order.Notes,
		order.ConfirmedAt, order.DeliveredAt, order.Version, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertItems(ctx, tx, order.ID, order.Items); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, ownerID string, orderID string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND owner_id = $2
	`, orderID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := loadItems(ctx, s.db, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, ownerID string, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, ownerID, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.Order, expectedVersion int64) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := updateOrderTx(ctx, tx, order, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ConfirmOrder writes the usage row, bumps usage_count under the limit and
// updates the order in one transaction. The unique key on the usage row and
// the guarded increment are what make concurrent confirmations safe.
func (s *Store) ConfirmOrder(ctx context.Context, write store.ConfirmWrite) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if usage := write.Usage; usage != nil {
		usedAt := usage.UsedAt
		if usedAt.IsZero() {
			usedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customer_coupon_usages (customer_id, promotion_id, owner_id, order_id, discount, used_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, usage.CustomerID, usage.PromotionID, usage.OwnerID, usage.OrderID, usage.Discount, usedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrCouponAlreadyUsed
			}
			return nil, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE promotions
			SET usage_count = usage_count + 1, version = version + 1, updated_at = now()
			WHERE id = $1 AND owner_id = $2 AND (usage_limit = 0 OR usage_count < usage_limit)
		`, usage.PromotionID, usage.OwnerID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM promotions WHERE id = $1 AND owner_id = $2)
			`, usage.PromotionID, usage.OwnerID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrUsageLimitReached
		}
	}

	updated, err := updateOrderTx(ctx, tx, write.Order, write.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteOrder(ctx context.Context, ownerID string, orderID string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM orders
		WHERE id = $1 AND owner_id = $2 AND version = $3 AND confirmed_at IS NULL
	`, orderID, ownerID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND owner_id = $2)
	`, orderID, ownerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: order %s has moved on and cannot be removed", store.ErrConflict, orderID)
}

const promotionColumns = `id, owner_id, code, description, discount_type, discount_value, min_order_value, max_discount_value, usage_limit, usage_count, status, expiry_date, show_on_storefront, version, created_at, updated_at`

func (s *Store) CreatePromotion(ctx context.Context, promotion domain.Promotion) (*domain.Promotion, error) {
	if promotion.OwnerID == "" || promotion.Code == "" {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	if promotion.ID == "" {
		promotion.ID = xid.New("prm")
	}
	promotion.UsageCount = 0
	promotion.Version = 1
	promotion.CreatedAt = now
	promotion.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (`+promotionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, promotion.ID, promotion.OwnerID, promotion.Code, promotion.Description, string(promotion.DiscountType),
		promotion.DiscountValue, promotion.MinOrderValue, promotion.MaxDiscountValue,
		promotion.UsageLimit, promotion.UsageCount, string(promotion.Status), promotion.ExpiryDate,
		promotion.ShowOnStorefront, promotion.Version, promotion.CreatedAt, promotion.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already exists", store.ErrConflict, promotion.Code)
		}
		return nil, err
	}
	return &promotion, nil
}

// UpdatePromotion never writes usage_count; it is returned as stored.
func (s *Store) UpdatePromotion(ctx context.Context, promotion domain.Promotion, expectedVersion int64) (*domain.Promotion, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE promotions
		SET code = $3, description = $4, discount_type = $5, discount_value = $6,
			min_order_value = $7, max_discount_value = $8, usage_limit = $9, status = $10,
			expiry_date = $11, show_on_storefront = $12, version = version + 1, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND version = $13
		RETURNING usage_count, version, created_at, updated_at
	`, promotion.ID, promotion.OwnerID, promotion.Code, promotion.Description, string(promotion.DiscountType),
		promotion.DiscountValue, promotion.MinOrderValue, promotion.MaxDiscountValue, promotion.UsageLimit,
		string(promotion.Status), promotion.ExpiryDate, promotion.ShowOnStorefront, expectedVersion,
	).Scan(&promotion.UsageCount, &promotion.Version, &promotion.CreatedAt, &promotion.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already exists", store.ErrConflict, promotion.Code)
		}
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetPromotion(ctx, promotion.OwnerID, promotion.ID); getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: promotion %s is not at version %d", store.ErrConflict, promotion.ID, expectedVersion)
		}
		return nil, err
	}
	promotion.CreatedAt = promotion.CreatedAt.UTC()
	promotion.UpdatedAt = promotion.UpdatedAt.UTC()
	return &promotion, nil
}

func (s *Store) GetPromotion(ctx context.Context, ownerID string, promotionID string) (*domain.Promotion, error) {
	return s.getPromotion(ctx, `id = $2`, ownerID, promotionID)
}

func (s *Store) GetPromotionByCode(ctx context.Context, ownerID string, code string) (*domain.Promotion, error) {
	return s.getPromotion(ctx, `upper(code) = upper($2)`, ownerID, code)
}

func (s *Store) getPromotion(ctx context.Context, predicate string, ownerID string, value string) (*domain.Promotion, error) {
	p, err := scanPromotion(s.db.QueryRowContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE owner_id = $1 AND `+predicate, ownerID, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context, ownerID string) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE owner_id = $1
		ORDER BY code ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promotions := make([]domain.Promotion, 0, 16)
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promotions, nil
}

func (s *Store) HasCouponUsage(ctx context.Context, ownerID string, customerID string, promotionID string) (bool, error) {
	var used bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM customer_coupon_usages
			WHERE owner_id = $1 AND customer_id = $2 AND promotion_id = $3
		)
	`, ownerID, customerID, promotionID).Scan(&used)
	return used, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, owner_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.OwnerID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, owner_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.OwnerID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func updateOrderTx(ctx context.Context, tx *sql.Tx, order domain.Order, expectedVersion int64) (domain.Order, error) {
	promotionID, code, discount := couponColumns(order.Coupon)
	err := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET customer_id = $3, customer_label = $4, status = $5, subtotal = $6,
			coupon_promotion_id = $7, coupon_code = $8, coupon_discount = $9, total = $10, notes = $11,
			confirmed_at = $12, delivered_at = $13, version = version + 1, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND version = $14
		RETURNING number, version, created_at, updated_at
	`, order.ID, order.OwnerID, order.CustomerID, order.CustomerLabel, string(order.Status), order.Subtotal,
		promotionID, code, discount, order.Total, order.Notes,
		order.ConfirmedAt, order.DeliveredAt, expectedVersion,
	).Scan(&order.Number, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		var current int64
		lookupErr := tx.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = $1 AND owner_id = $2`, order.ID, order.OwnerID).Scan(&current)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		if lookupErr != nil {
			return domain.Order{}, lookupErr
		}
		return domain.Order{}, fmt.Errorf("%w: order %s is at version %d, not %d", store.ErrConflict, order.ID, current, expectedVersion)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID); err != nil {
		return domain.Order{}, err
	}
	if err := insertItems(ctx, tx, order.ID, order.Items); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, orderID string, items []domain.OrderItem) error {
	for i, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line, product_id, variant_id, name, quantity, unit_price, discount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, orderID, i, item.ProductID, item.VariantID, item.Name, item.Quantity, item.UnitPrice, item.Discount); err != nil {
			return err
		}
	}
	return nil
}

func loadItems(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, variant_id, name, quantity, unit_price, discount
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.VariantID, &item.Name, &item.Quantity, &item.UnitPrice, &item.Discount); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry domain.StockHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_history (id, product_id, owner_id, previous_stock, new_stock, change_amount, reason, notes, reference_id, actor_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.ProductID, entry.OwnerID, entry.PreviousStock, entry.NewStock, entry.ChangeAmount,
		string(entry.Reason), entry.Notes, entry.ReferenceID, entry.ActorName, entry.CreatedAt)
	return err
}

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	var selected, variants []byte
	if err := row.Scan(&p.ID, &p.OwnerID, &p.SKU, &p.Name, &p.Price, &p.Stock, &selected, &variants, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	if err := json.Unmarshal(selected, &p.SelectedVariants); err != nil {
		return domain.Product{}, fmt.Errorf("decode selected_variants of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(variants, &p.VariantStock); err != nil {
		return domain.Product{}, fmt.Errorf("decode variant_stock of %s: %w", p.ID, err)
	}
	if len(p.SelectedVariants) == 0 {
		p.SelectedVariants = nil
	}
	if len(p.VariantStock) == 0 {
		p.VariantStock = nil
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func encodeVariants(p domain.Product) (string, string, error) {
	selected := p.SelectedVariants
	if selected == nil {
		selected = []string{}
	}
	variants := p.VariantStock
	if variants == nil {
		variants = map[string]int{}
	}
	selectedJSON, err := json.Marshal(selected)
	if err != nil {
		return "", "", err
	}
	variantsJSON, err := json.Marshal(variants)
	if err != nil {
		return "", "", err
	}
	return string(selectedJSON), string(variantsJSON), nil
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		order          domain.Order
		status         string
		promotionID    sql.NullString
		couponCode     string
		couponDiscount decimal.Decimal
		confirmedAt    sql.NullTime
		deliveredAt    sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.OwnerID, &order.Number, &order.CustomerID, &order.CustomerLabel, &status, &order.Subtotal,
		&promotionID, &couponCode, &couponDiscount, &order.Total, &order.Notes,
		&confirmedAt, &deliveredAt, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if promotionID.Valid {
		order.Coupon = &domain.AppliedCoupon{PromotionID: promotionID.String, Code: couponCode, Discount: couponDiscount}
	}
	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		order.ConfirmedAt = &at
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func couponColumns(coupon *domain.AppliedCoupon) (any, string, decimal.Decimal) {
	if coupon == nil {
		return nil, "", decimal.Zero
	}
	return coupon.PromotionID, coupon.Code, coupon.Discount
}

func scanPromotion(row scanner) (domain.Promotion, error) {
	var (
		p            domain.Promotion
		discountType string
		status       string
		expiry       sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.Code, &p.Description, &discountType,
		&p.DiscountValue, &p.MinOrderValue, &p.MaxDiscountValue,
		&p.UsageLimit, &p.UsageCount, &status, &expiry,
		&p.ShowOnStorefront, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Promotion{}, err
	}
	p.DiscountType = domain.DiscountType(discountType)
	p.Status = domain.PromotionStatus(status)
	if expiry.Valid {
		at := expiry.Time.UTC()
		p.ExpiryDate = &at
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
