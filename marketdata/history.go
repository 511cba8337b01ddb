package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"bourse/domain/market"
)

// MaxHistoryLimit is the largest page the REST endpoint serves.
const MaxHistoryLimit = 1000

// HistoryClient fetches closed klines from the exchange REST API.
type HistoryClient struct {
	base string
	http *http.Client
	now  func() time.Time
}

func NewHistoryClient(base string, timeout time.Duration) *HistoryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HistoryClient{
		base: base,
		http: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
}

// Klines returns up to limit candles of symbol at g, oldest first. Zero
// from/to leave the window open. Candles whose interval has not ended are
// dropped.
func (c *HistoryClient) Klines(ctx context.Context, symbol string, g market.Granularity, from, to time.Time, limit int) ([]market.Kline, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", g.String())
	q.Set("limit", strconv.Itoa(limit))
	if !from.IsZero() {
		q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("klines %s %s: status %d: %s", symbol, g, resp.StatusCode, body)
	}

	var rows [][]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, g, err)
	}

	now := c.now()
	out := make([]market.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseRow(symbol, g, row)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s: %w", symbol, g, err)
		}
		if k.End.After(now) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// parseRow reads [openTime, open, high, low, close, volume, closeTime, ...].
// The REST close time is the last millisecond of the interval.
func parseRow(symbol string, g market.Granularity, row []any) (market.Kline, error) {
	if len(row) < 7 {
		return market.Kline{}, fmt.Errorf("%w: row has %d fields", ErrMalformed, len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return market.Kline{}, fmt.Errorf("%w: open time %v", ErrMalformed, row[0])
	}

	k := market.Kline{
		Symbol:      symbol,
		Granularity: g,
		Start:       time.UnixMilli(int64(openMs)).UTC(),
		Closed:      true,
	}
	k.End = k.Start.Add(g.Duration())

	for i, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		s, ok := row[i+1].(string)
		if !ok {
			return market.Kline{}, fmt.Errorf("%w: field %d is %T", ErrMalformed, i+1, row[i+1])
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return market.Kline{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
		}
		*dst = v
	}
	return k, nil
}
