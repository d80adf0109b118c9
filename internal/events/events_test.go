package events

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeRoundTripsPayload(t *testing.T) {
	event, err := NewEnvelope(EventCouponRedeemed, "owner-a", "ord_1", CouponRedeemedPayload{
		PromotionID: "prm_1",
		Code:        "HEMAT10",
		CustomerID:  "cus_1",
		OrderID:     "ord_1",
		Discount:    decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, 1, event.EventVersion)
	assert.Equal(t, producerName, event.Producer)
	assert.Equal(t, "owner-a", event.OwnerID)

	payload, err := DecodePayload[CouponRedeemedPayload](event)
	require.NoError(t, err)
	assert.Equal(t, "HEMAT10", payload.Code)
	assert.True(t, payload.Discount.Equal(decimal.RequireFromString("12.5")))
}

func TestKafkaPublisherRejectsAfterClose(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "test", 1, nil)
	p.Start()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), "k", Envelope{})
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestKafkaPublisherCloseWithoutStart(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "test", 1, nil)
	require.NoError(t, p.Publish(context.Background(), "k", Envelope{EventType: EventStockChanged}))

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a publisher that was never started")
	}

	p.Start()
	require.ErrorIs(t, p.Publish(context.Background(), "k", Envelope{}), ErrPublisherClosed)
}

func TestKafkaPublisherCloseIsBoundedByDrainTimeout(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "test", 4, nil)
	p.writeTimeout = time.Minute
	p.drainTimeout = 50 * time.Millisecond
	p.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), "k", Envelope{EventType: EventStockChanged}))
	}

	started := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(started), 10*time.Second)
}
