package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventStockChanged       = "StockChanged"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventCouponRedeemed     = "CouponRedeemed"
)

const producerName = "katalog-api"

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	OwnerID       string          `json:"owner_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type StockChangedPayload struct {
	ProductID     string `json:"product_id"`
	EntryID       string `json:"entry_id"`
	PreviousStock int    `json:"previous_stock"`
	NewStock      int    `json:"new_stock"`
	ChangeAmount  int    `json:"change_amount"`
	Reason        string `json:"reason"`
	ReferenceID   string `json:"reference_id,omitempty"`
}

type OrderStatusChangedPayload struct {
	OrderID        string `json:"order_id"`
	Number         string `json:"number"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	FailedLines    int    `json:"failed_lines,omitempty"`
}

type CouponRedeemedPayload struct {
	PromotionID string          `json:"promotion_id"`
	Code        string          `json:"code"`
	CustomerID  string          `json:"customer_id"`
	OrderID     string          `json:"order_id"`
	Discount    decimal.Decimal `json:"discount"`
}

// Publisher delivers envelopes keyed for partitioning. Publishing is best
// effort from the caller's point of view.
type Publisher interface {
	Publish(ctx context.Context, key string, event Envelope) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ string, _ Envelope) error {
	return nil
}

func NewEnvelope(eventType string, ownerID string, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producerName,
		OwnerID:       ownerID,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// DecodePayload unwraps the payload of an envelope into T.
func DecodePayload[T any](event Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return out, nil
}
