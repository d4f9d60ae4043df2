package model

import (
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind selects market or limit execution.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// OrderState is the order lifecycle.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
)

// Open reports whether the order still blocks new orders for its instrument.
func (s OrderState) Open() bool {
	return s == OrderPending || s == OrderSubmitted || s == OrderPartiallyFilled
}

// Order is created by the risk gate and owned by the executor until terminal.
type Order struct {
	ID         string     `json:"id"` // client-assigned
	BrokerRef  string     `json:"broker_ref"`
	BrokerOrg  string     `json:"broker_org"` // branch/org code the broker needs for cancels
	Instrument string     `json:"instrument"`
	Side       Side       `json:"side"`
	Kind       OrderKind  `json:"kind"`
	Quantity   int64      `json:"quantity"`
	Price      float64    `json:"price"`     // 0 = market
	RefPrice   float64    `json:"ref_price"` // last known market price at creation
	Filled     int64      `json:"filled"`
	State      OrderState `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Remaining quantity not yet filled.
func (o *Order) Remaining() int64 {
	r := o.Quantity - o.Filled
	if r < 0 {
		return 0
	}
	return r
}

// Fill is an immutable execution report.
type Fill struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	Ts         time.Time `json:"ts"`
}

// Key identifies a fill for de-duplication; falls back to the order id.
func (f Fill) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return f.OrderID
}

// Position in one instrument. Quantity is negative for shorts.
type Position struct {
	Instrument string    `json:"instrument"`
	Quantity   int64     `json:"quantity"`
	AvgCost    float64   `json:"avg_cost"`
	UpdatedAt  time.Time `json:"updated_at"`
}
