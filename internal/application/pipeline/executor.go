package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

// OrderExecutor submits orders to the broker and turns acknowledgements
// into fills.
type OrderExecutor struct {
	broker port.Broker
	now    func() time.Time
}

func NewOrderExecutor(broker port.Broker) *OrderExecutor {
	return &OrderExecutor{broker: broker, now: time.Now}
}

// Submit places o and records the broker references on it. The returned
// fill is nil unless the acknowledgement already reports an execution;
// later executions are picked up by Poll.
func (e *OrderExecutor) Submit(ctx context.Context, o *model.Order) (*model.Fill, error) {
	ack, err := e.broker.PlaceOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	o.BrokerRef = ack.BrokerRef
	o.BrokerOrg = ack.BrokerOrg

	qty := min(ack.FilledQty, o.Remaining())
	if qty <= 0 {
		return nil, nil
	}
	log.Debug().Str("order", o.ID).Str("broker_ref", ack.BrokerRef).Int64("qty", qty).Msg("execution reported at acceptance")
	return e.fill(o, qty, ack.FilledPrice), nil
}

// Poll asks the broker how far o has executed. The fill covers only
// quantity not yet booked and is nil when nothing new executed. booked is
// the notional already applied for o; it prices the increment out of the
// broker's running average. cancelled reports that the remainder is no
// longer working at the broker.
func (e *OrderExecutor) Poll(ctx context.Context, o *model.Order, booked float64) (fill *model.Fill, cancelled bool, err error) {
	ex, err := e.broker.Execution(ctx, o)
	if err != nil {
		return nil, false, err
	}
	total := min(ex.Filled, o.Quantity)
	delta := total - o.Filled
	if delta <= 0 {
		return nil, ex.Cancelled, nil
	}
	price := ex.AvgPrice
	if o.Filled > 0 && booked > 0 {
		if inc := (ex.AvgPrice*float64(total) - booked) / float64(delta); inc > 0 {
			price = inc
		}
	}
	return e.fill(o, delta, price), ex.Cancelled, nil
}

func (e *OrderExecutor) fill(o *model.Order, qty int64, price float64) *model.Fill {
	if price <= 0 {
		price = o.Price
	}
	if price <= 0 {
		price = o.RefPrice
	}
	return &model.Fill{
		ID:         fillID(o, qty),
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Price:      price,
		Quantity:   qty,
		Ts:         e.now(),
	}
}

// Cancel asks the broker to cancel the unfilled remainder of o.
func (e *OrderExecutor) Cancel(ctx context.Context, o *model.Order) error {
	return e.broker.CancelOrder(ctx, o)
}

// fillID is stable per order and cumulative quantity so that a re-reported
// execution maps to the same fill.
func fillID(o *model.Order, qty int64) string {
	return fmt.Sprintf("%s:%d", o.ID, o.Filled+qty)
}
