package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bourse/domain/market"
)

func newRepo(t *testing.T) (*KlineRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewKlineRepository(db, ""), mock
}

func TestSaveKlineUpserts(t *testing.T) {
	repo, mock := newRepo(t)
	start := time.UnixMilli(1717000020000).UTC()
	k := market.NewKline("BTCUSDT", market.Minute, start, decimal.RequireFromString("100"), decimal.RequireFromString("2"))

	mock.ExpectExec(`INSERT INTO "klines" .* ON CONFLICT \(symbol, interval, start_time\) DO UPDATE`).
		WithArgs("BTCUSDT", "1m", k.Start, k.End, k.Open, k.High, k.Low, k.Close, k.Volume, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveKline(context.Background(), *k))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveKlineWrapsError(t *testing.T) {
	repo, mock := newRepo(t)
	k := market.NewKline("BTCUSDT", market.Minute, time.Now(), decimal.NewFromInt(1), decimal.Zero)

	mock.ExpectExec(`INSERT INTO "klines"`).WillReturnError(errors.New("connection reset"))

	err := repo.SaveKline(context.Background(), *k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), k.Key())
}

func TestKlinesScansRows(t *testing.T) {
	repo, mock := newRepo(t)
	start := time.UnixMilli(1717000020000).UTC()
	from := start.Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"start_time", "close_time", "open_price", "high_price", "low_price", "close_price", "volume", "is_closed"}).
		AddRow(start, start.Add(time.Minute), "100", "105", "99", "103", "12.5", true).
		AddRow(start.Add(time.Minute), start.Add(2*time.Minute), "103", "103", "103", "103", "0", true)

	mock.ExpectQuery(`SELECT start_time, close_time .* FROM "klines"`).
		WithArgs("BTCUSDT", "1m", from, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := repo.Klines(context.Background(), "BTCUSDT", market.Minute, from, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].High.Equal(decimal.RequireFromString("105")))
	assert.True(t, got[1].Volume.IsZero())
	assert.Equal(t, market.Minute, got[1].Granularity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastClosesUsesArrayParam(t *testing.T) {
	repo, mock := newRepo(t)
	symbols := []string{"BTCUSDT", "ETHUSDT"}

	mock.ExpectQuery(`SELECT DISTINCT ON \(symbol\) symbol, close_price`).
		WithArgs(pq.Array(symbols), "1h").
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "close_price"}).
			AddRow("BTCUSDT", "64000.5").
			AddRow("ETHUSDT", "3100"))

	got, err := repo.LastCloses(context.Background(), symbols, market.Hour)
	require.NoError(t, err)
	assert.True(t, got["BTCUSDT"].Equal(decimal.RequireFromString("64000.5")))
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteKlinesBefore(t *testing.T) {
	repo, mock := newRepo(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM "klines" WHERE interval = \$1 AND start_time < \$2`).
		WithArgs("1m", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteKlinesBefore(context.Background(), market.Minute, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewKlineRepository(db, "candles")
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "candles"`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
