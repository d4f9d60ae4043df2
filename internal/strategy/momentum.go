package strategy

import (
	"fmt"
	"math"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

// Momentum compares the latest price with the one lookback ticks ago.
// Moves beyond threshold give a directional signal; a reversal larger than
// exitThreshold gives EXIT.
type Momentum struct {
	lookback      int
	threshold     float64
	exitThreshold float64
	last          map[string]float64 // previous return per instrument
}

var _ port.Strategy = (*Momentum)(nil)

func NewMomentum(lookback int, threshold, exitThreshold float64) (*Momentum, error) {
	if lookback <= 0 || threshold <= 0 {
		return nil, fmt.Errorf("momentum: lookback and threshold must be positive")
	}
	return &Momentum{
		lookback:      lookback,
		threshold:     threshold,
		exitThreshold: exitThreshold,
		last:          make(map[string]float64),
	}, nil
}

func (s *Momentum) Name() string { return fmt.Sprintf("momentum_%d", s.lookback) }

func (s *Momentum) OnMarket(snap port.Snapshot) []model.Signal {
	n := len(snap.Prices)
	if n <= s.lookback {
		return nil
	}
	base := snap.Prices[n-1-s.lookback]
	if base <= 0 {
		return nil
	}
	ret := snap.Prices[n-1]/base - 1
	inst := snap.Tick.Instrument
	prev, seen := s.last[inst]
	s.last[inst] = ret

	sig := model.Signal{Instrument: inst, Source: s.Name(), Ts: snap.Tick.Ts}
	switch {
	case s.exitThreshold > 0 && seen && math.Signbit(prev) != math.Signbit(ret) && math.Abs(ret-prev) > s.exitThreshold:
		sig.Direction = model.DirectionExit
		sig.Strength = 1
	case ret > s.threshold:
		sig.Direction = model.DirectionLong
		sig.Strength = math.Min(1, ret/(4*s.threshold))
	case ret < -s.threshold:
		sig.Direction = model.DirectionShort
		sig.Strength = math.Min(1, -ret/(4*s.threshold))
	default:
		return nil
	}
	return []model.Signal{sig}
}
