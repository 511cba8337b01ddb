// Package postgres is the relational kline repository, an alternative to
// the embedded store when candles must be shared with reporting services.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"bourse/domain/market"
)

const DefaultTable = "klines"

// KlineRepository persists klines keyed by (symbol, interval, start_time).
type KlineRepository struct {
	db    *sql.DB
	table string
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewKlineRepository(db *sql.DB, table string) *KlineRepository {
	if table == "" {
		table = DefaultTable
	}
	return &KlineRepository{db: db, table: pq.QuoteIdentifier(table)}
}

// Migrate creates the table when missing.
func (r *KlineRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+r.table+` (
			symbol      TEXT        NOT NULL,
			interval    TEXT        NOT NULL,
			start_time  TIMESTAMPTZ NOT NULL,
			close_time  TIMESTAMPTZ NOT NULL,
			open_price  NUMERIC     NOT NULL,
			high_price  NUMERIC     NOT NULL,
			low_price   NUMERIC     NOT NULL,
			close_price NUMERIC     NOT NULL,
			volume      NUMERIC     NOT NULL,
			is_closed   BOOLEAN     NOT NULL,
			PRIMARY KEY (symbol, interval, start_time)
		)`)
	return err
}

// SaveKline upserts, so re-sealing the same interval is idempotent.
func (r *KlineRepository) SaveKline(ctx context.Context, k market.Kline) error {
	query := `
		INSERT INTO ` + r.table + ` (symbol, interval, start_time, close_time, open_price, high_price, low_price, close_price, volume, is_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, interval, start_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume = EXCLUDED.volume,
			is_closed = EXCLUDED.is_closed`

	_, err := r.db.ExecContext(ctx, query,
		k.Symbol, k.Granularity.String(), k.Start, k.End,
		k.Open, k.High, k.Low, k.Close, k.Volume, k.Closed,
	)
	if err != nil {
		return fmt.Errorf("save kline %s: %w", k.Key(), err)
	}
	return nil
}

// Klines returns candles with from <= start < to, oldest first. A zero to
// means unbounded; limit <= 0 means no limit.
func (r *KlineRepository) Klines(ctx context.Context, symbol string, g market.Granularity, from, to time.Time, limit int) ([]market.Kline, error) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	query := `
		SELECT start_time, close_time, open_price, high_price, low_price, close_price, volume, is_closed
		FROM ` + r.table + `
		WHERE symbol = $1 AND interval = $2 AND start_time >= $3 AND start_time < $4
		ORDER BY start_time ASC
		LIMIT $5`

	rows, err := r.db.QueryContext(ctx, query, symbol, g.String(), from, to, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Kline
	for rows.Next() {
		k := market.Kline{Symbol: symbol, Granularity: g}
		if err := rows.Scan(&k.Start, &k.End, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.Closed); err != nil {
			return nil, err
		}
		k.Start, k.End = k.Start.UTC(), k.End.UTC()
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastCloses returns the latest close per symbol for g, used to seed flat
// candles after a restart.
func (r *KlineRepository) LastCloses(ctx context.Context, symbols []string, g market.Granularity) (map[string]decimal.Decimal, error) {
	query := `
		SELECT DISTINCT ON (symbol) symbol, close_price
		FROM ` + r.table + `
		WHERE symbol = ANY($1) AND interval = $2 AND is_closed
		ORDER BY symbol, start_time DESC`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(symbols), g.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal, len(symbols))
	for rows.Next() {
		var (
			symbol string
			last   decimal.Decimal
		)
		if err := rows.Scan(&symbol, &last); err != nil {
			return nil, err
		}
		out[symbol] = last
	}
	return out, rows.Err()
}

// DeleteKlinesBefore enforces retention for one granularity.
func (r *KlineRepository) DeleteKlinesBefore(ctx context.Context, g market.Granularity, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM `+r.table+` WHERE interval = $1 AND start_time < $2`,
		g.String(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
