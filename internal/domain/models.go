package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type Product struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	Stock            int             `json:"stock"`
	SelectedVariants []string        `json:"selected_variants,omitempty"`
	VariantStock     map[string]int  `json:"variant_stock,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// UsesVariants reports whether the stock figure is derived from variant quantities.
func (p Product) UsesVariants() bool {
	return len(p.SelectedVariants) > 0
}

type ProductCreateRequest struct {
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `json:"price"`
	InitialStock     int             `json:"initial_stock"`
	SelectedVariants []string        `json:"selected_variants,omitempty"`
	VariantStock     map[string]int  `json:"variant_stock,omitempty"`
	Note             string          `json:"note,omitempty"`
}

type StockAdjustmentRequest struct {
	NewStock int    `json:"new_stock"`
	Note     string `json:"note,omitempty"`
}

type VariantUpdateRequest struct {
	SelectedVariants []string       `json:"selected_variants"`
	VariantStock     map[string]int `json:"variant_stock"`
	Note             string         `json:"note,omitempty"`
}

type StockReturnRequest struct {
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

type StockCountItem struct {
	ProductID string `json:"product_id"`
	Counted   int    `json:"counted"`
}

type StockCountRequest struct {
	Items []StockCountItem `json:"items"`
	Notes string           `json:"notes,omitempty"`
}

type StockCountLine struct {
	ProductID string `json:"product_id"`
	SystemQty int    `json:"system_qty"`
	Counted   int    `json:"counted"`
	Delta     int    `json:"delta"`
	Adjusted  bool   `json:"adjusted"`
}

type StockCountResponse struct {
	Notes string           `json:"notes,omitempty"`
	Lines []StockCountLine `json:"lines"`
}

// StockChange is the next state of a product produced by a ledger operation.
// A Noop change is never written.
type StockChange struct {
	Product Product
	Entry   *StockHistoryEntry
	Noop    bool
}

// StockChangeResult is returned by every stock mutation. Entry is nil when the
// mutation was a no-op.
type StockChangeResult struct {
	Product Product            `json:"product"`
	Entry   *StockHistoryEntry `json:"entry,omitempty"`
}

type StockReason string

const (
	StockReasonInitial          StockReason = "initial_stock"
	StockReasonManualAdjustment StockReason = "manual_adjustment"
	StockReasonSaleDelivery     StockReason = "sale_delivery"
	StockReasonReturn           StockReason = "return"
)

func (r StockReason) Valid() bool {
	switch r {
	case StockReasonInitial, StockReasonManualAdjustment, StockReasonSaleDelivery, StockReasonReturn:
		return true
	}
	return false
}

type StockHistoryEntry struct {
	ID            string      `json:"id"`
	ProductID     string      `json:"product_id"`
	OwnerID       string      `json:"owner_id"`
	PreviousStock int         `json:"previous_stock"`
	NewStock      int         `json:"new_stock"`
	ChangeAmount  int         `json:"change_amount"`
	Reason        StockReason `json:"reason"`
	Notes         string      `json:"notes,omitempty"`
	ReferenceID   string      `json:"reference_id,omitempty"`
	ActorName     string      `json:"actor_name,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type IntegrityIssue struct {
	EntryID string `json:"entry_id,omitempty"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

type StockHistoryResponse struct {
	ProductID string              `json:"product_id"`
	Stock     int                 `json:"stock"`
	Entries   []StockHistoryEntry `json:"entries"`
	Warnings  []IntegrityIssue    `json:"warnings,omitempty"`
}

type OrderStatus string

const (
	OrderStatusWaiting    OrderStatus = "waiting"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusFinished   OrderStatus = "finished"
	OrderStatusDelivered  OrderStatus = "delivered"
)

type OrderItem struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

// LineTotal is price times quantity minus the line discount, never below zero.
func (i OrderItem) LineTotal() decimal.Decimal {
	total := i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Sub(i.Discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

type AppliedCoupon struct {
	PromotionID string          `json:"promotion_id"`
	Code        string          `json:"code"`
	Discount    decimal.Decimal `json:"discount"`
}

type Order struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id,omitempty"`
	CustomerLabel string          `json:"customer_label"`
	Items         []OrderItem     `json:"items"`
	Status        OrderStatus     `json:"status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Coupon        *AppliedCoupon  `json:"coupon,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Notes         string          `json:"notes,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type OrderItemRequest struct {
	ProductID string           `json:"product_id"`
	VariantID string           `json:"variant_id,omitempty"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  decimal.Decimal  `json:"discount"`
}

// OrderSaveRequest creates an order when OrderID is empty and updates it otherwise.
// Version must carry the version last read by the caller on updates.
type OrderSaveRequest struct {
	OrderID       string             `json:"-"`
	Version       int64              `json:"version"`
	CustomerID    string             `json:"customer_id,omitempty"`
	CustomerLabel string             `json:"customer_label"`
	Items         []OrderItemRequest `json:"items"`
	Status        OrderStatus        `json:"status,omitempty"`
	CouponCode    string             `json:"coupon_code,omitempty"`
	Notes         string             `json:"notes,omitempty"`
}

type FulfillmentState string

const (
	FulfillmentApplied FulfillmentState = "applied"
	FulfillmentFailed  FulfillmentState = "failed"
	FulfillmentSkipped FulfillmentState = "skipped"
)

type FulfillmentOutcome struct {
	Line          int              `json:"line"`
	ProductID     string           `json:"product_id"`
	VariantID     string           `json:"variant_id,omitempty"`
	Quantity      int              `json:"quantity"`
	State         FulfillmentState `json:"state"`
	PreviousStock int              `json:"previous_stock"`
	NewStock      int              `json:"new_stock"`
	Error         string           `json:"error,omitempty"`
}

type OrderSaveResult struct {
	Order       Order                `json:"order"`
	Delivered   bool                 `json:"delivered"`
	Undelivered bool                 `json:"undelivered,omitempty"`
	Outcomes    []FulfillmentOutcome `json:"outcomes,omitempty"`
}

type ConfirmOrderRequest struct {
	CustomerID string      `json:"customer_id,omitempty"`
	Status     OrderStatus `json:"status,omitempty"`
}

type ConfirmOrderResult struct {
	Order       Order                `json:"order"`
	CouponUsage *CustomerCouponUsage `json:"coupon_usage,omitempty"`
	Outcomes    []FulfillmentOutcome `json:"outcomes,omitempty"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type PromotionStatus string

const (
	PromotionActive   PromotionStatus = "active"
	PromotionInactive PromotionStatus = "inactive"
)

type Promotion struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Code             string          `json:"code"`
	Description      string          `json:"description,omitempty"`
	DiscountType     DiscountType    `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	MinOrderValue    decimal.Decimal `json:"min_order_value"`
	MaxDiscountValue decimal.Decimal `json:"max_discount_value"`
	UsageLimit       int             `json:"usage_limit"`
	UsageCount       int             `json:"usage_count"`
	Status           PromotionStatus `json:"status"`
	ExpiryDate       *time.Time      `json:"expiry_date,omitempty"`
	ShowOnStorefront bool            `json:"show_on_storefront"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type PromotionRequest struct {
	Code             string          `json:"code"`
	Description      string          `json:"description,omitempty"`
	DiscountType     DiscountType    `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	MinOrderValue    decimal.Decimal `json:"min_order_value"`
	MaxDiscountValue decimal.Decimal `json:"max_discount_value"`
	UsageLimit       int             `json:"usage_limit"`
	Status           PromotionStatus `json:"status,omitempty"`
	ExpiryDate       *time.Time      `json:"expiry_date,omitempty"`
	ShowOnStorefront bool            `json:"show_on_storefront"`
}

type CustomerCouponUsage struct {
	CustomerID  string          `json:"customer_id"`
	PromotionID string          `json:"promotion_id"`
	OwnerID     string          `json:"owner_id"`
	OrderID     string          `json:"order_id"`
	Discount    decimal.Decimal `json:"discount"`
	UsedAt      time.Time       `json:"used_at"`
}

type CouponValidateRequest struct {
	Code       string          `json:"code"`
	CustomerID string          `json:"customer_id"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

type CouponQuote struct {
	Valid       bool            `json:"valid"`
	Reason      string          `json:"reason,omitempty"`
	PromotionID string          `json:"promotion_id,omitempty"`
	Code        string          `json:"code"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
}

type CheckoutRequest struct {
	CustomerID    string             `json:"customer_id"`
	CustomerLabel string             `json:"customer_label"`
	Items         []OrderItemRequest `json:"items"`
	CouponCode    string             `json:"coupon_code,omitempty"`
	Notes         string             `json:"notes,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OwnerID     string `json:"owner_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	OwnerID  string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	OwnerID   string    `json:"owner_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	OwnerID   string
	Active    bool
	CreatedAt time.Time
}
