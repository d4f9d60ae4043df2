package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  broker_ref TEXT NOT NULL DEFAULT '',
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  kind TEXT NOT NULL,
  quantity BIGINT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  ref_price DOUBLE PRECISION NOT NULL,
  filled BIGINT NOT NULL,
  state TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_instrument ON orders(instrument);

CREATE TABLE IF NOT EXISTS fills (
  fill_id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  quantity BIGINT NOT NULL,
  ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
  instrument TEXT PRIMARY KEY,
  quantity BIGINT NOT NULL,
  avg_cost DOUBLE PRECISION NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

func (r *Repo) RecordOrder(ctx context.Context, o *model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, broker_ref, instrument, side, kind, quantity, price, ref_price, filled, state, reason, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(id) DO UPDATE SET
		broker_ref=EXCLUDED.broker_ref, filled=EXCLUDED.filled, state=EXCLUDED.state,
		reason=EXCLUDED.reason, updated_at=EXCLUDED.updated_at
	`, o.ID, o.BrokerRef, o.Instrument, string(o.Side), string(o.Kind), o.Quantity, o.Price, o.RefPrice,
		o.Filled, string(o.State), o.Reason, orNow(o.CreatedAt), orNow(o.UpdatedAt))
	return err
}

func (r *Repo) RecordFill(ctx context.Context, f model.Fill) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fills(fill_id, order_id, instrument, side, price, quantity, ts)
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(fill_id) DO NOTHING
	`, f.Key(), f.OrderID, f.Instrument, string(f.Side), f.Price, f.Quantity, orNow(f.Ts))
	return err
}

func (r *Repo) RecordPosition(ctx context.Context, p model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(instrument, quantity, avg_cost, updated_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(instrument) DO UPDATE SET
		quantity=EXCLUDED.quantity, avg_cost=EXCLUDED.avg_cost, updated_at=EXCLUDED.updated_at
	`, p.Instrument, p.Quantity, p.AvgCost, orNow(p.UpdatedAt))
	return err
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

var _ port.Journal = (*Repo)(nil)
