package promotion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"katalog/backend/internal/domain"
)

// Reason is the machine-readable cause of a rejected code.
type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonInactive          Reason = "inactive"
	ReasonAlreadyUsed       Reason = "already_used"
	ReasonExpired           Reason = "expired"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonMinOrderNotMet    Reason = "min_order_not_met"
)

var ErrInvalidPromotion = errors.New("promotion: invalid promotion")

// IneligibleError tells the customer why a code cannot be applied.
type IneligibleError struct {
	Code   string
	Reason Reason
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("coupon %s cannot be applied: %s", e.Code, e.Reason)
}

func Ineligible(code string, reason Reason) error {
	return &IneligibleError{Code: code, Reason: reason}
}

// ReasonOf extracts the rejection reason from err, if it is one.
func ReasonOf(err error) (Reason, bool) {
	var ineligible *IneligibleError
	if errors.As(err, &ineligible) {
		return ineligible.Reason, true
	}
	return "", false
}

var hundred = decimal.NewFromInt(100)

// Input is what a code is checked against at one point in time.
type Input struct {
	Code string
	// Promotion is nil when the code does not exist for the owner.
	Promotion   *domain.Promotion
	AlreadyUsed bool
	Subtotal    decimal.Decimal
	Now         time.Time
}

// CheckEligibility runs the checks in a fixed order and returns the first
// failure.
func CheckEligibility(in Input) error {
	code := NormalizeCode(in.Code)
	p := in.Promotion
	if p == nil {
		return Ineligible(code, ReasonNotFound)
	}
	if p.Status != domain.PromotionActive {
		return Ineligible(code, ReasonInactive)
	}
	if in.AlreadyUsed {
		return Ineligible(code, ReasonAlreadyUsed)
	}
	if p.ExpiryDate != nil && !in.Now.Before(*p.ExpiryDate) {
		return Ineligible(code, ReasonExpired)
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return Ineligible(code, ReasonUsageLimitReached)
	}
	if in.Subtotal.LessThan(p.MinOrderValue) {
		return Ineligible(code, ReasonMinOrderNotMet)
	}
	return nil
}

// Discount computes the amount taken off subtotal. It never exceeds subtotal.
func Discount(p domain.Promotion, subtotal decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch p.DiscountType {
	case domain.DiscountFixed:
		amount = decimal.Min(p.DiscountValue, subtotal)
	case domain.DiscountPercentage:
		amount = subtotal.Mul(p.DiscountValue).Div(hundred)
		if p.MaxDiscountValue.IsPositive() {
			amount = decimal.Min(amount, p.MaxDiscountValue)
		}
	default:
		return decimal.Zero
	}

	amount = amount.Round(2)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, subtotal)
}

// Quote checks eligibility and prices the cart. A rejected code yields a quote
// with Valid false and the reason filled, together with the error.
func Quote(in Input) (domain.CouponQuote, error) {
	quote := domain.CouponQuote{
		Code:     NormalizeCode(in.Code),
		Subtotal: in.Subtotal,
		Discount: decimal.Zero,
		Total:    in.Subtotal,
	}
	if err := CheckEligibility(in); err != nil {
		reason, _ := ReasonOf(err)
		quote.Reason = string(reason)
		return quote, err
	}

	quote.Valid = true
	quote.PromotionID = in.Promotion.ID
	quote.Discount = Discount(*in.Promotion, in.Subtotal)
	quote.Total = ApplyDiscount(in.Subtotal, quote.Discount)
	return quote, nil
}

// ApplyDiscount subtracts discount from amount, flooring at zero.
func ApplyDiscount(amount decimal.Decimal, discount decimal.Decimal) decimal.Decimal {
	total := amount.Sub(discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Build validates a management request and returns the promotion it describes.
func Build(req domain.PromotionRequest) (domain.Promotion, error) {
	code := NormalizeCode(req.Code)
	if code == "" || len(code) > 40 {
		return domain.Promotion{}, fmt.Errorf("%w: code must be 1 to 40 characters", ErrInvalidPromotion)
	}
	for _, r := range code {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '-' && r != '_' {
			return domain.Promotion{}, fmt.Errorf("%w: code may only contain letters, digits, '-' and '_'", ErrInvalidPromotion)
		}
	}

	discountType := domain.DiscountType(strings.ToLower(strings.TrimSpace(string(req.DiscountType))))
	switch discountType {
	case domain.DiscountPercentage:
		if req.DiscountValue.GreaterThan(hundred) {
			return domain.Promotion{}, fmt.Errorf("%w: percentage cannot exceed 100", ErrInvalidPromotion)
		}
	case domain.DiscountFixed:
	default:
		return domain.Promotion{}, fmt.Errorf("%w: discount_type must be percentage or fixed", ErrInvalidPromotion)
	}
	if !req.DiscountValue.IsPositive() {
		return domain.Promotion{}, fmt.Errorf("%w: discount_value must be greater than zero", ErrInvalidPromotion)
	}
	if req.MinOrderValue.IsNegative() || req.MaxDiscountValue.IsNegative() || req.UsageLimit < 0 {
		return domain.Promotion{}, fmt.Errorf("%w: limits cannot be negative", ErrInvalidPromotion)
	}

	status := domain.PromotionStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if status == "" {
		status = domain.PromotionActive
	}
	if status != domain.PromotionActive && status != domain.PromotionInactive {
		return domain.Promotion{}, fmt.Errorf("%w: status must be active or inactive", ErrInvalidPromotion)
	}

	var expiry *time.Time
	if req.ExpiryDate != nil {
		at := req.ExpiryDate.UTC()
		expiry = &at
	}

	return domain.Promotion{
		Code:             code,
		Description:      strings.TrimSpace(req.Description),
		DiscountType:     discountType,
		DiscountValue:    req.DiscountValue,
		MinOrderValue:    req.MinOrderValue,
		MaxDiscountValue: req.MaxDiscountValue,
		UsageLimit:       req.UsageLimit,
		Status:           status,
		ExpiryDate:       expiry,
		ShowOnStorefront: req.ShowOnStorefront,
	}, nil
}

// Visible reports whether the storefront may advertise p at now.
func Visible(p domain.Promotion, now time.Time) bool {
	if !p.ShowOnStorefront || p.Status != domain.PromotionActive {
		return false
	}
	if p.ExpiryDate != nil && !now.Before(*p.ExpiryDate) {
		return false
	}
	return p.UsageLimit == 0 || p.UsageCount < p.UsageLimit
}
