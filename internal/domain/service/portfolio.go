package service

import (
	"sort"
	"sync"
	"time"

	"autotrade/internal/domain/model"
)

// Portfolio holds positions and cash. Positions change only through Apply.
type Portfolio struct {
	mu        sync.RWMutex
	cash      float64
	positions map[string]*model.Position
	applied   map[string]struct{} // fill keys already applied
}

func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{
		cash:      cash,
		positions: make(map[string]*model.Position),
		applied:   make(map[string]struct{}),
	}
}

// Seed replaces cash and positions with a broker snapshot.
// Already-applied fill keys are kept.
func (p *Portfolio) Seed(cash float64, positions []model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = cash
	p.positions = make(map[string]*model.Position, len(positions))
	for _, pos := range positions {
		pos := pos
		p.positions[pos.Instrument] = &pos
	}
}

// Apply books a fill exactly once per fill key. It returns false for replays.
func (p *Portfolio) Apply(f model.Fill) bool {
	if f.Quantity <= 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := f.Key()
	if _, ok := p.applied[key]; ok {
		return false
	}
	p.applied[key] = struct{}{}

	pos, ok := p.positions[f.Instrument]
	if !ok {
		pos = &model.Position{Instrument: f.Instrument}
		p.positions[f.Instrument] = pos
	}

	delta := f.Quantity
	if f.Side == model.SideSell {
		delta = -delta
	}
	p.cash -= float64(delta) * f.Price

	prev := pos.Quantity
	next := prev + delta
	switch {
	case next == 0:
		pos.AvgCost = 0
	case prev == 0 || (prev > 0) != (next > 0):
		// opened or flipped through zero
		pos.AvgCost = f.Price
	case (prev > 0) == (delta > 0):
		// increased in the same direction
		pos.AvgCost = (abs64(prev)*pos.AvgCost + abs64(delta)*f.Price) / abs64(next)
	}
	pos.Quantity = next
	pos.UpdatedAt = f.Ts
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}
	return true
}

// Position returns a copy of the instrument's position (zero when flat).
func (p *Portfolio) Position(instrument string) model.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pos, ok := p.positions[instrument]; ok {
		return *pos
	}
	return model.Position{Instrument: instrument}
}

// Positions returns all non-flat positions sorted by instrument.
func (p *Portfolio) Positions() []model.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

func abs64(v int64) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}
