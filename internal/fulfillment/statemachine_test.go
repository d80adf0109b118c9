package fulfillment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"katalog/backend/internal/domain"
)

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Delivered ")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, status)

	status, err = ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusWaiting, status)

	_, err = ParseStatus("shipped")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestAnyJumpIsAllowed(t *testing.T) {
	all := []domain.OrderStatus{
		domain.OrderStatusWaiting,
		domain.OrderStatusInProgress,
		domain.OrderStatusFinished,
		domain.OrderStatusDelivered,
	}
	for _, from := range all {
		for _, to := range all {
			assert.True(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(domain.OrderStatusWaiting, "cancelled"))
}

func TestTriggersDeliveryOnlyOnEntry(t *testing.T) {
	cases := []struct {
		previous domain.OrderStatus
		next     domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusWaiting, domain.OrderStatusDelivered, true},
		{domain.OrderStatusInProgress, domain.OrderStatusDelivered, true},
		{domain.OrderStatusFinished, domain.OrderStatusDelivered, true},
		{domain.OrderStatusDelivered, domain.OrderStatusDelivered, false},
		{domain.OrderStatusDelivered, domain.OrderStatusFinished, false},
		{domain.OrderStatusWaiting, domain.OrderStatusFinished, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TriggersDelivery(tc.previous, tc.next), "%s -> %s", tc.previous, tc.next)
	}

	assert.True(t, LeavesDelivered(domain.OrderStatusDelivered, domain.OrderStatusWaiting))
	assert.False(t, LeavesDelivered(domain.OrderStatusDelivered, domain.OrderStatusDelivered))
}

func TestDeliverReportsEachLine(t *testing.T) {
	items := []domain.OrderItem{
		{ProductID: "prd_a", Quantity: 2},
		{ProductID: "prd_gone", Quantity: 1},
		{ProductID: "prd_b", Quantity: 3},
		{ProductID: "prd_c", Quantity: 1},
	}

	visited := make([]string, 0, len(items))
	outcomes := Deliver(items, func(_ int, item domain.OrderItem) (int, int, error) {
		visited = append(visited, item.ProductID)
		switch item.ProductID {
		case "prd_gone":
			return 0, 0, errors.New("product not found")
		case "prd_c":
			return 0, 0, ErrAlreadyApplied
		}
		return 10, 10 - item.Quantity, nil
	})

	require.Len(t, outcomes, 4)
	assert.Equal(t, []string{"prd_a", "prd_gone", "prd_b", "prd_c"}, visited)

	assert.Equal(t, domain.FulfillmentApplied, outcomes[0].State)
	assert.Equal(t, 8, outcomes[0].NewStock)
	assert.Equal(t, domain.FulfillmentFailed, outcomes[1].State)
	assert.Equal(t, "product not found", outcomes[1].Error)
	assert.Equal(t, domain.FulfillmentApplied, outcomes[2].State)
	assert.Equal(t, 2, outcomes[2].Line)
	assert.Equal(t, domain.FulfillmentSkipped, outcomes[3].State)
	assert.Equal(t, 1, Failed(outcomes))
}
