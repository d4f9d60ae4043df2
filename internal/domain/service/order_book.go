package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrade/internal/domain/model"
)

// OrderBook tracks client orders and enforces at most one open order per
// instrument. Terminal orders are kept until Cleanup.
type OrderBook struct {
	mu sync.RWMutex

	orders map[string]*model.Order // order id -> order
	open   map[string]string       // instrument -> open order id

	Retention time.Duration // how long terminal orders stay queryable
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		orders:    make(map[string]*model.Order),
		open:      make(map[string]string),
		Retention: time.Hour,
	}
}

// HasOpen reports whether the instrument has a PENDING/SUBMITTED/PARTIALLY_FILLED order.
func (b *OrderBook) HasOpen(instrument string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.open[instrument]
	return ok
}

// Register admits a new PENDING order. It fails when the instrument already
// has an open order; the caller drops the new order.
func (b *OrderBook) Register(o *model.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.open[o.Instrument]; ok {
		return fmt.Errorf("instrument %s already has open order %s", o.Instrument, id)
	}
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("order %s already registered", o.ID)
	}
	o.State = model.OrderPending
	b.orders[o.ID] = o
	b.open[o.Instrument] = o.ID
	return nil
}

// Get returns the order by client id.
func (b *OrderBook) Get(id string) (*model.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// MarkSubmitted records broker acceptance.
func (b *OrderBook) MarkSubmitted(id, brokerRef, brokerOrg string) error {
	return b.update(id, func(o *model.Order) {
		o.BrokerRef = brokerRef
		o.BrokerOrg = brokerOrg
		o.State = model.OrderSubmitted
	})
}

// MarkRejected moves the order to REJECTED.
func (b *OrderBook) MarkRejected(id, reason string) error {
	return b.update(id, func(o *model.Order) {
		o.State = model.OrderRejected
		o.Reason = reason
	})
}

// MarkCancelled moves the order to CANCELLED.
func (b *OrderBook) MarkCancelled(id, reason string) error {
	return b.update(id, func(o *model.Order) {
		o.State = model.OrderCancelled
		o.Reason = reason
	})
}

// ApplyFill adds executed quantity. A partial fill keeps the order open for
// the remainder; reaching the full quantity moves it to FILLED.
func (b *OrderBook) ApplyFill(id string, qty int64) (model.OrderState, error) {
	var state model.OrderState
	err := b.update(id, func(o *model.Order) {
		o.Filled += qty
		if o.Filled >= o.Quantity {
			o.Filled = o.Quantity
			o.State = model.OrderFilled
		} else {
			o.State = model.OrderPartiallyFilled
		}
		state = o.State
	})
	return state, err
}

// Open returns every open order sorted by instrument.
func (b *OrderBook) Open() []*model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*model.Order, 0, len(b.open))
	for _, id := range b.open {
		out = append(out, b.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Committed is the cash reserved by open buy orders: unfilled quantity at
// the limit price, or the reference price for market orders.
func (b *OrderBook) Committed() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total float64
	for _, id := range b.open {
		o := b.orders[id]
		if o.Side != model.SideBuy {
			continue
		}
		price := o.Price
		if price <= 0 {
			price = o.RefPrice
		}
		total += float64(o.Remaining()) * price
	}
	return total
}

// Stale returns open, broker-acknowledged orders older than ttl.
func (b *OrderBook) Stale(now time.Time, ttl time.Duration) []*model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*model.Order
	for _, id := range b.open {
		o := b.orders[id]
		if o.State == model.OrderPending {
			continue
		}
		if now.Sub(o.CreatedAt) >= ttl {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Cleanup drops terminal orders past the retention window.
func (b *OrderBook) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, o := range b.orders {
		if !o.State.Open() && now.Sub(o.UpdatedAt) > b.Retention {
			delete(b.orders, id)
			n++
		}
	}
	return n
}

// Stats counts orders by state group.
type Stats struct {
	Open     int
	Filled   int
	Rejected int
	Other    int
}

func (b *OrderBook) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var s Stats
	for _, o := range b.orders {
		switch {
		case o.State.Open():
			s.Open++
		case o.State == model.OrderFilled:
			s.Filled++
		case o.State == model.OrderRejected:
			s.Rejected++
		default:
			s.Other++
		}
	}
	return s
}

func (b *OrderBook) update(id string, fn func(o *model.Order)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	if !o.State.Open() {
		return fmt.Errorf("order %s already %s", id, o.State)
	}
	fn(o)
	o.UpdatedAt = time.Now()
	if !o.State.Open() {
		delete(b.open, o.Instrument)
	}
	return nil
}
