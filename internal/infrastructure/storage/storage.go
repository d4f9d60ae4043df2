package storage

import (
	"context"
	"sort"
	"sync"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

// DefaultMemoryLimit caps fills and finished orders kept by NewMemory(0).
const DefaultMemoryLimit = 1000

// Memory is an in-process journal. Fills are kept once per fill key; only
// the most recent limit fills and finished orders are retained. Totals in
// Summary cover the whole session.
type Memory struct {
	mu        sync.RWMutex
	limit     int
	orders    map[string]model.Order
	finished  []string // terminal order ids, oldest first
	fills     []model.Fill
	fillKeys  map[string]struct{}
	positions map[string]model.Position
	totals    Summary
}

// Summary aggregates everything recorded since start.
type Summary struct {
	Orders        int
	Filled        int
	Cancelled     int
	Rejected      int
	Fills         int
	BuyNotional   float64
	SellNotional  float64
	OpenPositions int
}

var _ port.Journal = (*Memory)(nil)

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{
		limit:     limit,
		orders:    make(map[string]model.Order),
		fillKeys:  make(map[string]struct{}),
		positions: make(map[string]model.Position),
	}
}

func (m *Memory) RecordOrder(ctx context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.orders[o.ID]
	if !seen {
		m.totals.Orders++
	}
	m.orders[o.ID] = *o
	if o.State.Open() || (seen && prev.State == o.State) {
		return nil
	}
	switch o.State {
	case model.OrderFilled:
		m.totals.Filled++
	case model.OrderCancelled:
		m.totals.Cancelled++
	case model.OrderRejected:
		m.totals.Rejected++
	}
	m.finished = append(m.finished, o.ID)
	for len(m.finished) > m.limit {
		delete(m.orders, m.finished[0])
		m.finished = m.finished[1:]
	}
	return nil
}

func (m *Memory) RecordFill(ctx context.Context, f model.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fillKeys[f.Key()]; ok {
		return nil
	}
	m.fillKeys[f.Key()] = struct{}{}
	m.fills = append(m.fills, f)
	m.totals.Fills++
	if f.Side == model.SideBuy {
		m.totals.BuyNotional += f.Price * float64(f.Quantity)
	} else {
		m.totals.SellNotional += f.Price * float64(f.Quantity)
	}
	for len(m.fills) > m.limit {
		delete(m.fillKeys, m.fills[0].Key())
		m.fills = m.fills[1:]
	}
	return nil
}

func (m *Memory) RecordPosition(ctx context.Context, p model.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Quantity == 0 {
		delete(m.positions, p.Instrument)
		return nil
	}
	m.positions[p.Instrument] = p
	return nil
}

func (m *Memory) Order(id string) (model.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *Memory) Fills() []model.Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Fill(nil), m.fills...)
}

func (m *Memory) Positions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (m *Memory) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.totals
	s.OpenPositions = len(m.positions)
	return s
}

func (m *Memory) Close() error { return nil }
