package strategy

import (
	"fmt"
	"math"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

// MACross emits LONG on a golden cross and SHORT on a death cross of two
// simple moving averages. Strength grows with the gap between them.
type MACross struct {
	fast, slow int
	// relation per instrument: +1 fast above slow, -1 below, 0 unknown
	relation map[string]int
}

var _ port.Strategy = (*MACross)(nil)

func NewMACross(fast, slow int) (*MACross, error) {
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("ma_cross: need 0 < fast < slow, got %d/%d", fast, slow)
	}
	return &MACross{fast: fast, slow: slow, relation: make(map[string]int)}, nil
}

func (s *MACross) Name() string { return fmt.Sprintf("ma_cross_%d_%d", s.fast, s.slow) }

func (s *MACross) OnMarket(snap port.Snapshot) []model.Signal {
	if len(snap.Prices) < s.slow {
		return nil
	}
	fastMA := mean(snap.Prices[len(snap.Prices)-s.fast:])
	slowMA := mean(snap.Prices[len(snap.Prices)-s.slow:])
	if slowMA <= 0 {
		return nil
	}

	rel := 0
	switch {
	case fastMA > slowMA:
		rel = 1
	case fastMA < slowMA:
		rel = -1
	}
	inst := snap.Tick.Instrument
	prev := s.relation[inst]
	s.relation[inst] = rel
	if prev == 0 || rel == 0 || rel == prev {
		return nil
	}

	dir := model.DirectionLong
	if rel < 0 {
		dir = model.DirectionShort
	}
	gap := math.Abs(fastMA-slowMA) / slowMA
	return []model.Signal{{
		Instrument: inst,
		Direction:  dir,
		Strength:   math.Min(1, gap*100),
		Source:     s.Name(),
		Ts:         snap.Tick.Ts,
	}}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
