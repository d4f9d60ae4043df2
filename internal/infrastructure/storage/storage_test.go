package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/domain/model"
)

func TestMemoryKeepsRecentFillsOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)
	for i := 1; i <= 5; i++ {
		f := model.Fill{ID: fmt.Sprintf("o1:%d", i), OrderID: "o1", Side: model.SideBuy, Price: 10, Quantity: 1}
		require.NoError(t, m.RecordFill(ctx, f))
		require.NoError(t, m.RecordFill(ctx, f))
	}

	fills := m.Fills()
	require.Len(t, fills, 3)
	assert.Equal(t, "o1:3", fills[0].ID)
	assert.Equal(t, "o1:5", fills[2].ID)

	s := m.Summary()
	assert.Equal(t, 5, s.Fills)
	assert.InDelta(t, 50.0, s.BuyNotional, 1e-9)
}

func TestMemoryEvictsFinishedOrdersNotOpenOnes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	require.NoError(t, m.RecordOrder(ctx, &model.Order{ID: "open", State: model.OrderSubmitted}))
	for i := 0; i < 3; i++ {
		o := &model.Order{ID: fmt.Sprintf("done-%d", i), State: model.OrderSubmitted}
		require.NoError(t, m.RecordOrder(ctx, o))
		o.State = model.OrderFilled
		require.NoError(t, m.RecordOrder(ctx, o))
		require.NoError(t, m.RecordOrder(ctx, o))
	}
	require.NoError(t, m.RecordOrder(ctx, &model.Order{ID: "rej", State: model.OrderRejected}))

	_, ok := m.Order("open")
	assert.True(t, ok)
	_, ok = m.Order("done-0")
	assert.False(t, ok)
	_, ok = m.Order("done-1")
	assert.False(t, ok)
	_, ok = m.Order("done-2")
	assert.True(t, ok)

	s := m.Summary()
	assert.Equal(t, 5, s.Orders)
	assert.Equal(t, 3, s.Filled)
	assert.Equal(t, 1, s.Rejected)
}

func TestMemoryDropsFlatPositions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.NoError(t, m.RecordPosition(ctx, model.Position{Instrument: "005930", Quantity: 10}))
	require.NoError(t, m.RecordPosition(ctx, model.Position{Instrument: "000660", Quantity: 5}))
	require.NoError(t, m.RecordPosition(ctx, model.Position{Instrument: "005930", Quantity: 0}))

	require.Len(t, m.Positions(), 1)
	assert.Equal(t, 1, m.Summary().OpenPositions)
}
