package model

import "time"

// EventKind tags the Event variant.
type EventKind string

const (
	EventMarket EventKind = "MARKET"
	EventSignal EventKind = "SIGNAL"
	EventOrder  EventKind = "ORDER"
	EventFill   EventKind = "FILL"
)

// Payload is implemented only by MarketEvent, SignalEvent, OrderEvent and FillEvent.
type Payload interface {
	Kind() EventKind
	payload()
}

type MarketEvent struct{ Tick Tick }

type SignalEvent struct{ Signal Signal }

type OrderEvent struct{ Order *Order }

type FillEvent struct{ Fill Fill }

func (MarketEvent) Kind() EventKind { return EventMarket }
func (SignalEvent) Kind() EventKind { return EventSignal }
func (OrderEvent) Kind() EventKind  { return EventOrder }
func (FillEvent) Kind() EventKind   { return EventFill }

func (MarketEvent) payload() {}
func (SignalEvent) payload() {}
func (OrderEvent) payload()  {}
func (FillEvent) payload()   {}

// Event carries a payload with a monotonically increasing sequence number.
type Event struct {
	Seq     uint64
	At      time.Time
	Payload Payload
}

// Instrument returns the instrument the payload refers to.
func (e Event) Instrument() string {
	switch p := e.Payload.(type) {
	case MarketEvent:
		return p.Tick.Instrument
	case SignalEvent:
		return p.Signal.Instrument
	case OrderEvent:
		if p.Order != nil {
			return p.Order.Instrument
		}
	case FillEvent:
		return p.Fill.Instrument
	}
	return ""
}
