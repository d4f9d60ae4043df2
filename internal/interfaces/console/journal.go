package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

const tsLayout = "2006-01-02 15:04:05"

// Tape prints order, fill and position updates as one line each.
type Tape struct {
	mu  sync.Mutex
	out io.Writer
}

var _ port.Journal = (*Tape)(nil)

func NewTape(out io.Writer) *Tape {
	if out == nil {
		out = os.Stdout
	}
	return &Tape{out: out}
}

func (t *Tape) RecordOrder(_ context.Context, o *model.Order) error {
	price := "MKT"
	if o.Kind == model.OrderKindLimit {
		price = fmt.Sprintf("%.0f", o.Price)
	}
	return t.line("%s ORDER %-8s %-10s %-4s %6d @ %s filled=%d %s",
		o.UpdatedAt.Format(tsLayout), o.Instrument, o.State, o.Side, o.Quantity, price, o.Filled, o.Reason)
}

func (t *Tape) RecordFill(_ context.Context, f model.Fill) error {
	return t.line("%s FILL  %-8s %-4s %6d @ %.0f (%s)",
		f.Ts.Format(tsLayout), f.Instrument, f.Side, f.Quantity, f.Price, f.OrderID)
}

func (t *Tape) RecordPosition(_ context.Context, p model.Position) error {
	return t.line("%s POS   %-8s %6d avg=%.2f",
		p.UpdatedAt.Format(tsLayout), p.Instrument, p.Quantity, p.AvgCost)
}

func (t *Tape) Close() error { return nil }

func (t *Tape) line(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, format+"\n", args...)
	return err
}
