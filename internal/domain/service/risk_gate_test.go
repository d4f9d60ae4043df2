package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/domain/model"
)

func testRiskConfig() RiskConfig {
	return RiskConfig{
		ActivationThreshold:      0.2,
		VaRConfidence:            0.95,
		VaRCeiling:               0.05,
		MinObservations:          20,
		DefaultVaR:               0.02,
		RiskBudget:               100_000,
		MaxExposurePerInstrument: 10_000_000,
		MinVolatility:            0.01,
	}
}

// returnsWithVaR builds 20 returns whose 5th percentile is -v.
func returnsWithVaR(v float64) []float64 {
	out := make([]float64, 20)
	for i := range out {
		out[i] = -v
	}
	return out
}

func TestRiskGateVetoesHighVaR(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())
	in := RiskInput{Price: 1000, Cash: 1e9, Returns: returnsWithVaR(0.06)}

	for _, score := range []float64{0.3, 0.9, -1} {
		d := gate.Evaluate("005930", score, in)
		assert.Nil(t, d.Order, "score %v", score)
		assert.True(t, d.Vetoed)
		assert.InDelta(t, 0.06, d.VaR, 1e-9)
	}
}

func TestRiskGateBelowActivation(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())
	d := gate.Evaluate("005930", 0.2, RiskInput{Price: 1000, Cash: 1e9})
	assert.Nil(t, d.Order)
	assert.False(t, d.Vetoed)
}

func TestRiskGateSizesByVolatility(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())
	// too few observations: default VaR, volatility floored at 1%
	d := gate.Evaluate("005930", 0.5, RiskInput{Price: 1000, Cash: 1e9})
	require.NotNil(t, d.Order)
	assert.Equal(t, model.SideBuy, d.Order.Side)
	assert.Equal(t, int64(10_000), d.Order.Quantity) // 100000 / (0.01 * 1000)
	assert.Equal(t, model.OrderPending, d.Order.State)
	assert.NotEmpty(t, d.Order.ID)
	assert.Equal(t, 1000.0, d.Order.RefPrice)
}

func TestRiskGateClipsToCashAndExposure(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxExposurePerInstrument = 5_000_000
	gate := NewRiskGate(cfg)

	d := gate.Evaluate("005930", 0.5, RiskInput{Price: 1000, Cash: 3_000_000})
	require.NotNil(t, d.Order)
	assert.Equal(t, int64(3000), d.Order.Quantity)

	d = gate.Evaluate("005930", 0.5, RiskInput{
		Price:    1000,
		Cash:     1e9,
		Position: model.Position{Instrument: "005930", Quantity: 4500},
	})
	require.NotNil(t, d.Order)
	assert.Equal(t, int64(500), d.Order.Quantity)

	d = gate.Evaluate("005930", 0.5, RiskInput{
		Price:    1000,
		Cash:     1e9,
		Position: model.Position{Instrument: "005930", Quantity: 5000},
	})
	assert.Nil(t, d.Order)
}

func TestRiskGateShortRequiresHoldings(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())

	d := gate.Evaluate("005930", -0.5, RiskInput{Price: 1000, Cash: 1e9})
	assert.Nil(t, d.Order)

	d = gate.Evaluate("005930", -0.5, RiskInput{
		Price:    1000,
		Cash:     1e9,
		Position: model.Position{Instrument: "005930", Quantity: 7},
	})
	require.NotNil(t, d.Order)
	assert.Equal(t, model.SideSell, d.Order.Side)
	assert.Equal(t, int64(7), d.Order.Quantity)
}

func TestRiskGateCloseOrder(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())

	assert.Nil(t, gate.CloseOrder("005930", RiskInput{Price: 1000}))

	o := gate.CloseOrder("005930", RiskInput{Price: 1000, Position: model.Position{Quantity: 12}})
	require.NotNil(t, o)
	assert.Equal(t, model.SideSell, o.Side)
	assert.Equal(t, int64(12), o.Quantity)

	o = gate.CloseOrder("005930", RiskInput{Price: 1000, Position: model.Position{Quantity: -3}})
	require.NotNil(t, o)
	assert.Equal(t, model.SideBuy, o.Side)
	assert.Equal(t, int64(3), o.Quantity)
}

func TestHistoricalVaR(t *testing.T) {
	gate := NewRiskGate(testRiskConfig())
	returns := make([]float64, 0, 21)
	for i := -10; i <= 10; i++ {
		returns = append(returns, float64(i)/100)
	}
	// 5th percentile of -0.10..0.10 in 0.01 steps is -0.09
	assert.InDelta(t, 0.09, gate.VaR(returns), 1e-9)
	assert.Equal(t, 0.02, gate.VaR(returns[:5]))
}
