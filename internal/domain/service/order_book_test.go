package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/domain/model"
)

func newTestOrder(id, instrument string, qty int64) *model.Order {
	return &model.Order{ID: id, Instrument: instrument, Side: model.SideBuy, Quantity: qty, CreatedAt: time.Now()}
}

func TestOrderBookOneOpenOrderPerInstrument(t *testing.T) {
	b := NewOrderBook()
	require.NoError(t, b.Register(newTestOrder("1", "A", 10)))
	assert.Error(t, b.Register(newTestOrder("2", "A", 10)))
	require.NoError(t, b.Register(newTestOrder("3", "B", 10)))

	require.NoError(t, b.MarkRejected("1", "boom"))
	assert.False(t, b.HasOpen("A"))
	require.NoError(t, b.Register(newTestOrder("4", "A", 10)))
}

func TestOrderBookPartialFillStaysOpen(t *testing.T) {
	b := NewOrderBook()
	require.NoError(t, b.Register(newTestOrder("1", "A", 10)))
	require.NoError(t, b.MarkSubmitted("1", "B-1", "00950"))

	state, err := b.ApplyFill("1", 4)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartiallyFilled, state)
	assert.True(t, b.HasOpen("A"))

	state, err = b.ApplyFill("1", 6)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, state)
	assert.False(t, b.HasOpen("A"))

	_, err = b.ApplyFill("1", 1)
	assert.Error(t, err)
}

func TestOrderBookStale(t *testing.T) {
	b := NewOrderBook()
	old := newTestOrder("1", "A", 10)
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, b.Register(old))
	require.NoError(t, b.Register(newTestOrder("2", "B", 10)))

	assert.Empty(t, b.Stale(time.Now(), time.Minute), "pending orders are not cancellable yet")

	require.NoError(t, b.MarkSubmitted("1", "x", ""))
	require.NoError(t, b.MarkSubmitted("2", "y", ""))
	stale := b.Stale(time.Now(), time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "1", stale[0].ID)

	require.NoError(t, b.MarkCancelled("1", "ttl"))
	assert.Equal(t, Stats{Open: 1, Other: 1}, b.Stats())
}

func TestOrderBookCommittedCountsUnfilledBuys(t *testing.T) {
	b := NewOrderBook()
	buy := newTestOrder("1", "A", 10)
	buy.RefPrice = 100
	limit := newTestOrder("2", "B", 5)
	limit.Kind, limit.Price, limit.RefPrice = model.OrderKindLimit, 200, 210
	sell := newTestOrder("3", "C", 8)
	sell.Side, sell.RefPrice = model.SideSell, 50
	for _, o := range []*model.Order{buy, limit, sell} {
		require.NoError(t, b.Register(o))
	}
	assert.Equal(t, 10*100.0+5*200.0, b.Committed())

	_, err := b.ApplyFill("1", 4)
	require.NoError(t, err)
	assert.Equal(t, 6*100.0+5*200.0, b.Committed())

	require.NoError(t, b.MarkCancelled("2", "ttl"))
	assert.Equal(t, 6*100.0, b.Committed())
	assert.Len(t, b.Open(), 2)
}
