package port

import (
	"context"

	"autotrade/internal/domain/model"
)

// Journal records trading activity. Failures are logged by callers and never
// block the pipeline.
type Journal interface {
	RecordOrder(ctx context.Context, o *model.Order) error
	RecordFill(ctx context.Context, f model.Fill) error
	RecordPosition(ctx context.Context, p model.Position) error
	Close() error
}
