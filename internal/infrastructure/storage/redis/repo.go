package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

// Repo streams orders and fills and keeps the latest positions in a hash.
type Repo struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	keyPositions string // prefix + ":positions"
	keyFillSeen  string // prefix + ":fills:seen"
	orderStream  string
	fillStream   string
	fillChan     string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, fillStream, fillChan string) *Repo {
	if strings.TrimSpace(fillStream) == "" {
		fillStream = prefix + ":fills"
	}
	if strings.TrimSpace(fillChan) == "" {
		fillChan = prefix + ":fills:pub"
	}
	return &Repo{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyPositions: prefix + ":positions",
		keyFillSeen:  prefix + ":fills:seen",
		orderStream:  prefix + ":orders",
		fillStream:   fillStream,
		fillChan:     fillChan,
	}
}

func (r *Repo) Close() error { return r.rdb.Close() }

func (r *Repo) RecordOrder(ctx context.Context, o *model.Order) error {
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.orderStream,
		Values: map[string]any{
			"id":         o.ID,
			"broker_ref": o.BrokerRef,
			"instrument": o.Instrument,
			"side":       string(o.Side),
			"quantity":   o.Quantity,
			"filled":     o.Filled,
			"state":      string(o.State),
			"reason":     o.Reason,
		},
	}).Result()
	return err
}

// RecordFill appends f to the fill stream and publishes it, once per fill id.
func (r *Repo) RecordFill(ctx context.Context, f model.Fill) error {
	added, err := r.rdb.SAdd(ctx, r.keyFillSeen, f.Key()).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}

	// 1) Stream: XADD <stream> * fill fields
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.fillStream,
		Values: map[string]any{
			"fill_id":    f.Key(),
			"order_id":   f.OrderID,
			"instrument": f.Instrument,
			"side":       string(f.Side),
			"price":      f.Price,
			"quantity":   f.Quantity,
			"ts_ms":      f.Ts.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	b, _ := json.Marshal(f)
	return r.rdb.Publish(ctx, r.fillChan, string(b)).Err()
}

func (r *Repo) RecordPosition(ctx context.Context, p model.Position) error {
	b, _ := json.Marshal(p)
	pipe := r.rdb.Pipeline()
	if p.Quantity == 0 {
		pipe.HDel(ctx, r.keyPositions, p.Instrument)
	} else {
		pipe.HSet(ctx, r.keyPositions, p.Instrument, string(b))
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyPositions, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

var _ port.Journal = (*Repo)(nil)
