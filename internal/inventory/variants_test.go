package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"katalog/backend/internal/domain"
)

func TestAggregateSumsSelectedOnly(t *testing.T) {
	agg, err := Aggregate([]string{"red", " blue ", "red", ""}, map[string]int{"red": 4, "blue": 3, "green": 9})
	require.NoError(t, err)

	assert.True(t, agg.Enabled)
	assert.Equal(t, []string{"red", "blue"}, agg.Selected)
	assert.Equal(t, map[string]int{"red": 4, "blue": 3}, agg.VariantStock)
	assert.Equal(t, 7, agg.Stock)
}

func TestAggregateMissingQuantityCountsAsZero(t *testing.T) {
	agg, err := Aggregate([]string{"red", "blue"}, map[string]int{"red": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"red": 2, "blue": 0}, agg.VariantStock)
	assert.Equal(t, 2, agg.Stock)
}

func TestAggregateEmptySelectionDisables(t *testing.T) {
	agg, err := Aggregate(nil, map[string]int{"red": 2})
	require.NoError(t, err)
	assert.False(t, agg.Enabled)
	assert.Nil(t, agg.VariantStock)
}

func TestAggregateRejectsNegativeQuantities(t *testing.T) {
	_, err := Aggregate([]string{"red"}, map[string]int{"red": -1})
	require.ErrorIs(t, err, ErrNegativeStock)
}

func TestRecordVariantUpdateDeselectDeletesEntry(t *testing.T) {
	product := domain.Product{
		ID:               "prd_1",
		Stock:            7,
		SelectedVariants: []string{"red", "blue"},
		VariantStock:     map[string]int{"red": 4, "blue": 3},
	}

	change, err := RecordVariantUpdate(product, []string{"red"}, map[string]int{"red": 4, "blue": 3}, Meta{})
	require.NoError(t, err)
	require.NotNil(t, change.Entry)

	_, stillThere := change.Product.VariantStock["blue"]
	assert.False(t, stillThere)
	assert.Equal(t, 4, change.Product.Stock)
	assert.Equal(t, -3, change.Entry.ChangeAmount)
	assert.Equal(t, domain.StockReasonManualAdjustment, change.Entry.Reason)
}

func TestRecordVariantUpdateSameTotalWritesWithoutEntry(t *testing.T) {
	product := domain.Product{
		Stock:            5,
		SelectedVariants: []string{"s", "m"},
		VariantStock:     map[string]int{"s": 2, "m": 3},
	}

	change, err := RecordVariantUpdate(product, []string{"s", "m"}, map[string]int{"s": 3, "m": 2}, Meta{})
	require.NoError(t, err)
	assert.False(t, change.Noop)
	assert.Nil(t, change.Entry)
	assert.Equal(t, map[string]int{"s": 3, "m": 2}, change.Product.VariantStock)

	change, err = RecordVariantUpdate(product, []string{"s", "m"}, map[string]int{"s": 2, "m": 3}, Meta{})
	require.NoError(t, err)
	assert.True(t, change.Noop)
}

func TestRecordVariantUpdateEmptySelectionKeepsManualStock(t *testing.T) {
	product := domain.Product{
		Stock:            5,
		SelectedVariants: []string{"s"},
		VariantStock:     map[string]int{"s": 5},
	}

	change, err := RecordVariantUpdate(product, nil, nil, Meta{})
	require.NoError(t, err)
	assert.False(t, change.Noop)
	assert.Nil(t, change.Entry)
	assert.Equal(t, 5, change.Product.Stock)
	assert.False(t, change.Product.UsesVariants())
	assert.Empty(t, change.Product.VariantStock)

	change, err = RecordVariantUpdate(change.Product, nil, nil, Meta{})
	require.NoError(t, err)
	assert.True(t, change.Noop)
}

func TestRecordVariantUpdateEnablesOnManualProduct(t *testing.T) {
	product := domain.Product{ID: "prd_1", Stock: 10}

	change, err := RecordVariantUpdate(product, []string{"a", "b"}, map[string]int{"a": 1, "b": 2}, Meta{Note: "split into sizes"})
	require.NoError(t, err)
	require.NotNil(t, change.Entry)
	assert.Equal(t, 3, change.Product.Stock)
	assert.Equal(t, 10, change.Entry.PreviousStock)
	assert.Equal(t, 3, change.Entry.NewStock)
}
