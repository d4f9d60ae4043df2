package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  quantity INTEGER NOT NULL,
  price REAL NOT NULL,
  ref_price REAL NOT NULL,
  filled INTEGER NOT NULL,
  state TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_instrument ON orders(instrument);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);

CREATE TABLE IF NOT EXISTS fills (
  fill_id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  price REAL NOT NULL,
  quantity INTEGER NOT NULL,
  ts_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts_ms);

CREATE TABLE IF NOT EXISTS positions (
  instrument TEXT PRIMARY KEY,
  quantity INTEGER NOT NULL,
  avg_cost REAL NOT NULL,
  updated_at INTEGER NOT NULL
);
`)
	return err
}

func (r *Repo) RecordOrder(ctx context.Context, o *model.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders(id, broker_ref, instrument, side, kind, quantity, price, ref_price, filled, state, reason, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		broker_ref=excluded.broker_ref, filled=excluded.filled, state=excluded.state,
		reason=excluded.reason, updated_at=excluded.updated_at
	`, o.ID, o.BrokerRef, o.Instrument, string(o.Side), string(o.Kind), o.Quantity, o.Price, o.RefPrice,
		o.Filled, string(o.State), o.Reason, ms(o.CreatedAt), ms(o.UpdatedAt))
	return err
}

// RecordFill inserts f once; a replayed fill id is ignored.
func (r *Repo) RecordFill(ctx context.Context, f model.Fill) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO fills(fill_id, order_id, instrument, side, price, quantity, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_id) DO NOTHING
	`, f.Key(), f.OrderID, f.Instrument, string(f.Side), f.Price, f.Quantity, ms(f.Ts))
	return err
}

func (r *Repo) RecordPosition(ctx context.Context, p model.Position) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(instrument, quantity, avg_cost, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
		quantity=excluded.quantity, avg_cost=excluded.avg_cost, updated_at=excluded.updated_at
	`, p.Instrument, p.Quantity, p.AvgCost, ms(p.UpdatedAt))
	return err
}

func (r *Repo) GetPosition(ctx context.Context, instrument string) (quantity int64, avgCost float64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT quantity, avg_cost FROM positions WHERE instrument=?`, instrument).
		Scan(&quantity, &avgCost)
	return
}

func (r *Repo) GetOrderState(ctx context.Context, id string) (state string, filled int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT state, filled FROM orders WHERE id=?`, id).Scan(&state, &filled)
	return
}

func (r *Repo) ListFills(ctx context.Context, orderID string) ([]model.Fill, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fill_id, order_id, instrument, side, price, quantity, ts_ms
		FROM fills WHERE order_id=? ORDER BY ts_ms, fill_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var side string
		var ts int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Instrument, &side, &f.Price, &f.Quantity, &ts); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.Ts = time.UnixMilli(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

var _ port.Journal = (*Repo)(nil)
