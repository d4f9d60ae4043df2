package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"autotrade/internal/domain/model"
)

func TestPortfolioApplyIsIdempotent(t *testing.T) {
	p := NewPortfolio(1_000_000)
	f := model.Fill{ID: "f-1", OrderID: "o-1", Instrument: "005930", Side: model.SideBuy, Price: 1000, Quantity: 10, Ts: time.Now()}

	assert.True(t, p.Apply(f))
	assert.False(t, p.Apply(f))

	pos := p.Position("005930")
	assert.Equal(t, int64(10), pos.Quantity)
	assert.Equal(t, 1000.0, pos.AvgCost)
	assert.Equal(t, 990_000.0, p.Cash())
}

func TestPortfolioAverageCost(t *testing.T) {
	p := NewPortfolio(0)
	p.Apply(model.Fill{ID: "1", Instrument: "A", Side: model.SideBuy, Price: 100, Quantity: 10})
	p.Apply(model.Fill{ID: "2", Instrument: "A", Side: model.SideBuy, Price: 130, Quantity: 20})

	pos := p.Position("A")
	assert.Equal(t, int64(30), pos.Quantity)
	assert.InDelta(t, 120.0, pos.AvgCost, 1e-9)

	p.Apply(model.Fill{ID: "3", Instrument: "A", Side: model.SideSell, Price: 150, Quantity: 10})
	pos = p.Position("A")
	assert.Equal(t, int64(20), pos.Quantity)
	assert.InDelta(t, 120.0, pos.AvgCost, 1e-9)

	p.Apply(model.Fill{ID: "4", Instrument: "A", Side: model.SideSell, Price: 150, Quantity: 20})
	assert.Equal(t, int64(0), p.Position("A").Quantity)
	assert.Empty(t, p.Positions())
}

func TestPortfolioSeedKeepsAppliedKeys(t *testing.T) {
	p := NewPortfolio(0)
	f := model.Fill{OrderID: "o-9", Instrument: "A", Side: model.SideBuy, Price: 10, Quantity: 1}
	assert.True(t, p.Apply(f))

	p.Seed(500, []model.Position{{Instrument: "B", Quantity: 3, AvgCost: 7}})
	assert.False(t, p.Apply(f))
	assert.Equal(t, 500.0, p.Cash())
	assert.Equal(t, []model.Position{{Instrument: "B", Quantity: 3, AvgCost: 7}}, p.Positions())
}
