package port

import (
	"context"

	"autotrade/internal/domain/model"
)

// EventSink accepts events for the pipeline queue. Publish blocks while the
// queue is full and returns when ctx is done.
type EventSink interface {
	Publish(ctx context.Context, p model.Payload) error
}
