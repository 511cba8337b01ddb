package store

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"bourse/domain/market"
)

func klineKey(g market.Granularity, symbol string, start time.Time) []byte {
	return key("kline", g.String(), symbol, millisPart(start.UnixMilli()))
}

// SaveKline upserts by (symbol, granularity, start).
func (s *Store) SaveKline(_ context.Context, k market.Kline) error {
	data, err := json.Marshal(k.Response())
	if err != nil {
		return err
	}
	return s.db.Set(klineKey(k.Granularity, k.Symbol, k.Start), data, pebble.Sync)
}

// Klines returns candles with from <= start < to, oldest first. A zero to
// means unbounded; limit <= 0 means no limit.
func (s *Store) Klines(_ context.Context, symbol string, g market.Granularity, from, to time.Time, limit int) ([]market.Kline, error) {
	upper := upperBound(key("kline", g.String(), symbol, ""))
	if !to.IsZero() {
		upper = klineKey(g, symbol, to)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: klineKey(g, symbol, from),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []market.Kline
	for it.First(); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
		var r market.KlineResponse
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, err
		}
		k, err := market.KlineFromResponse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, it.Error()
}

// DeleteKlinesBefore removes every candle of granularity g that starts
// before cutoff, across all symbols.
func (s *Store) DeleteKlinesBefore(_ context.Context, g market.Granularity, cutoff time.Time) (int, error) {
	it, err := prefixIter(s.db, key("kline", g.String(), ""))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	b := s.db.NewBatch()
	defer b.Close()

	cut := millisPart(cutoff.UnixMilli())
	n := 0
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if string(k[len(k)-20:]) >= cut {
			continue
		}
		if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, b.Commit(pebble.Sync)
}

// LastCloses returns the close of the newest sealed candle per symbol.
func (s *Store) LastCloses(_ context.Context, symbols []string, g market.Granularity) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		prefix := key("kline", g.String(), symbol, "")
		it, err := prefixIter(s.db, prefix)
		if err != nil {
			return nil, err
		}
		for it.Last(); it.Valid(); it.Prev() {
			var r market.KlineResponse
			if err := json.Unmarshal(it.Value(), &r); err != nil {
				_ = it.Close()
				return nil, err
			}
			if !r.IsClosed {
				continue
			}
			c, err := decimal.NewFromString(r.ClosePrice)
			if err != nil {
				_ = it.Close()
				return nil, err
			}
			out[symbol] = c
			break
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
