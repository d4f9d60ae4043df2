package port

import (
	"context"

	"autotrade/internal/domain/model"
)

// OrderAck is the brokerage's answer to an order placement.
type OrderAck struct {
	BrokerRef   string // broker-assigned order number
	BrokerOrg   string // branch/organisation number needed to cancel
	FilledQty   int64  // quantity reported executed at acceptance, if any
	FilledPrice float64
	Message     string
}

// Balance is available capital plus held quantities.
type Balance struct {
	Cash      float64
	Positions []model.Position
}

// Execution is the broker's cumulative view of one order.
type Execution struct {
	BrokerRef string
	Ordered   int64
	Filled    int64   // cumulative executed quantity
	AvgPrice  float64 // average over Filled
	Remaining int64
	Cancelled bool // the unfilled remainder is no longer working
}

// Broker is the order-routing and account surface of a brokerage.
type Broker interface {
	Quote(ctx context.Context, instrument string) (float64, error)
	// DailyCloses returns up to n daily closing prices, oldest first.
	DailyCloses(ctx context.Context, instrument string, n int) ([]float64, error)
	PlaceOrder(ctx context.Context, o *model.Order) (*OrderAck, error)
	CancelOrder(ctx context.Context, o *model.Order) error
	// Execution reports fills so far for an acknowledged order.
	Execution(ctx context.Context, o *model.Order) (*Execution, error)
	Balance(ctx context.Context) (*Balance, error)
}
