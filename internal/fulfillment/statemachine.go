package fulfillment

import (
	"errors"
	"fmt"
	"strings"

	"katalog/backend/internal/domain"
)

var (
	ErrUnknownStatus  = errors.New("fulfillment: unknown order status")
	// ErrAlreadyApplied marks a line whose delivery is already in the ledger.
	ErrAlreadyApplied = errors.New("fulfillment: delivery already recorded")
)

var statuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusWaiting:    {},
	domain.OrderStatusInProgress: {},
	domain.OrderStatusFinished:   {},
	domain.OrderStatusDelivered:  {},
}

// ParseStatus normalizes a status string. An empty value means waiting.
func ParseStatus(raw string) (domain.OrderStatus, error) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if status == "" {
		return domain.OrderStatusWaiting, nil
	}
	if _, ok := statuses[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

// CanTransition allows every jump between known statuses, including staying put.
func CanTransition(from domain.OrderStatus, to domain.OrderStatus) bool {
	_, fromOK := statuses[from]
	_, toOK := statuses[to]
	return fromOK && toOK
}

// TriggersDelivery compares the stored status with the requested one. Stock
// leaves the shelf only on entry into delivered.
func TriggersDelivery(previous domain.OrderStatus, next domain.OrderStatus) bool {
	return previous != domain.OrderStatusDelivered && next == domain.OrderStatusDelivered
}

// LeavesDelivered reports an un-delivery. No stock is put back for it.
func LeavesDelivered(previous domain.OrderStatus, next domain.OrderStatus) bool {
	return previous == domain.OrderStatusDelivered && next != domain.OrderStatusDelivered
}

// DeliveryFunc applies one line of a delivered order and returns the stock
// before and after.
type DeliveryFunc func(line int, item domain.OrderItem) (previous int, next int, err error)

// Deliver runs apply for every line. A failing line is reported in its outcome
// and does not stop the remaining lines.
func Deliver(items []domain.OrderItem, apply DeliveryFunc) []domain.FulfillmentOutcome {
	outcomes := make([]domain.FulfillmentOutcome, 0, len(items))
	for i, item := range items {
		outcome := domain.FulfillmentOutcome{
			Line:      i,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}
		previous, next, err := apply(i, item)
		switch {
		case errors.Is(err, ErrAlreadyApplied):
			outcome.State = domain.FulfillmentSkipped
		case err != nil:
			outcome.State = domain.FulfillmentFailed
			outcome.Error = err.Error()
		default:
			outcome.State = domain.FulfillmentApplied
			outcome.PreviousStock = previous
			outcome.NewStock = next
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Failed counts lines that did not reach the ledger.
func Failed(outcomes []domain.FulfillmentOutcome) int {
	n := 0
	for _, outcome := range outcomes {
		if outcome.State == domain.FulfillmentFailed {
			n++
		}
	}
	return n
}
