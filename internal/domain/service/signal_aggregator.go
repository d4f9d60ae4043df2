package service

import (
	"math"

	"autotrade/internal/domain/model"
)

// AggregatorConfig holds per-source weights.
type AggregatorConfig struct {
	Weights       map[string]float64 // source -> weight
	DefaultWeight float64            // weight for sources missing from Weights
	ExitThreshold float64            // EXIT signals stronger than this force a close
}

// Aggregate is the combined view of one instrument's signals for a cycle.
type Aggregate struct {
	Instrument string
	Score      float64 // weighted directional sum, roughly [-1,1]
	Exit       bool    // a strong EXIT overrides Score
	ExitSource string
	Sources    int
}

// SignalAggregator combines weighted signals from several strategies.
type SignalAggregator struct {
	cfg AggregatorConfig
}

func NewSignalAggregator(cfg AggregatorConfig) *SignalAggregator {
	if cfg.Weights == nil {
		cfg.Weights = map[string]float64{}
	}
	return &SignalAggregator{cfg: cfg}
}

// Weight returns the configured weight of a source.
func (a *SignalAggregator) Weight(source string) float64 {
	if w, ok := a.cfg.Weights[source]; ok {
		return w
	}
	return a.cfg.DefaultWeight
}

// Aggregate computes Σ(weight × sign × strength). Signals for other
// instruments are ignored. Any EXIT above the threshold wins outright.
func (a *SignalAggregator) Aggregate(instrument string, signals []model.Signal) Aggregate {
	out := Aggregate{Instrument: instrument}
	for _, s := range signals {
		if s.Instrument != instrument {
			continue
		}
		out.Sources++
		strength := clamp01(s.Strength)
		if s.Direction == model.DirectionExit {
			if strength > a.cfg.ExitThreshold && !out.Exit {
				out.Exit = true
				out.ExitSource = s.Source
			}
			continue
		}
		out.Score += a.Weight(s.Source) * s.Direction.Sign() * strength
	}
	// float noise from opposing signals of equal weight
	if math.Abs(out.Score) < 1e-12 {
		out.Score = 0
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
