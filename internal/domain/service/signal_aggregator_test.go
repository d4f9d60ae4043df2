package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/domain/model"
)

func TestAggregateOpposingSignalsCancel(t *testing.T) {
	agg := NewSignalAggregator(AggregatorConfig{
		Weights:       map[string]float64{"A": 0.3, "B": 0.3},
		DefaultWeight: 0.1,
		ExitThreshold: 0.5,
	})

	out := agg.Aggregate("005930", []model.Signal{
		{Instrument: "005930", Direction: model.DirectionLong, Strength: 0.8, Source: "A"},
		{Instrument: "005930", Direction: model.DirectionShort, Strength: 0.8, Source: "B"},
	})

	assert.Equal(t, 0.0, out.Score)
	assert.False(t, out.Exit)
	assert.Equal(t, 2, out.Sources)

	gate := NewRiskGate(RiskConfig{ActivationThreshold: 0.2, VaRCeiling: 0.05, RiskBudget: 1_000_000})
	d := gate.Evaluate("005930", out.Score, RiskInput{Price: 70000, Cash: 10_000_000})
	assert.Nil(t, d.Order)
	assert.False(t, d.Vetoed)
}

func TestAggregateWeightedSum(t *testing.T) {
	agg := NewSignalAggregator(AggregatorConfig{
		Weights:       map[string]float64{"ma": 0.5},
		DefaultWeight: 0.25,
		ExitThreshold: 0.5,
	})

	out := agg.Aggregate("000660", []model.Signal{
		{Instrument: "000660", Direction: model.DirectionLong, Strength: 1, Source: "ma"},
		{Instrument: "000660", Direction: model.DirectionShort, Strength: 0.4, Source: "unknown"},
		{Instrument: "005930", Direction: model.DirectionShort, Strength: 1, Source: "ma"},
	})

	assert.InDelta(t, 0.5-0.1, out.Score, 1e-9)
	assert.Equal(t, 2, out.Sources)
}

func TestAggregateExitOverridesScore(t *testing.T) {
	agg := NewSignalAggregator(AggregatorConfig{DefaultWeight: 1, ExitThreshold: 0.6})

	out := agg.Aggregate("005930", []model.Signal{
		{Instrument: "005930", Direction: model.DirectionLong, Strength: 1, Source: "a"},
		{Instrument: "005930", Direction: model.DirectionLong, Strength: 1, Source: "b"},
		{Instrument: "005930", Direction: model.DirectionExit, Strength: 0.7, Source: "stop"},
	})
	require.True(t, out.Exit)
	assert.Equal(t, "stop", out.ExitSource)

	weak := agg.Aggregate("005930", []model.Signal{
		{Instrument: "005930", Direction: model.DirectionLong, Strength: 1, Source: "a"},
		{Instrument: "005930", Direction: model.DirectionExit, Strength: 0.6, Source: "stop"},
	})
	assert.False(t, weak.Exit)
	assert.InDelta(t, 1.0, weak.Score, 1e-9)
}

func TestAggregateNoSignals(t *testing.T) {
	agg := NewSignalAggregator(AggregatorConfig{DefaultWeight: 1})
	out := agg.Aggregate("005930", nil)
	assert.Equal(t, 0.0, out.Score)
	assert.Equal(t, 0, out.Sources)
}
