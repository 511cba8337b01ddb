package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Granularity is a kline interval length.
type Granularity time.Duration

const (
	Minute Granularity = Granularity(time.Minute)
	Hour   Granularity = Granularity(time.Hour)
)

func (g Granularity) Duration() time.Duration { return time.Duration(g) }

// String renders exchange style interval names: 1m, 15m, 1h, 1d.
func (g Granularity) String() string {
	d := time.Duration(g)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

func ParseGranularity(v string) (Granularity, error) {
	v = strings.TrimSpace(v)
	if len(v) < 2 {
		return 0, fmt.Errorf("invalid granularity %q", v)
	}
	n, err := strconv.Atoi(v[:len(v)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid granularity %q", v)
	}
	unit := map[byte]time.Duration{'s': time.Second, 'm': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour}[v[len(v)-1]]
	if unit == 0 {
		return 0, fmt.Errorf("invalid granularity unit %q", v)
	}
	return Granularity(time.Duration(n) * unit), nil
}

// IntervalStart returns floor(t / g) * g.
func (g Granularity) IntervalStart(t time.Time) time.Time {
	step := time.Duration(g).Milliseconds()
	ms := t.UnixMilli()
	start := ms - ms%step
	if ms < 0 && ms%step != 0 {
		start -= step
	}
	return time.UnixMilli(start).UTC()
}

// Kline is an OHLCV candle for one interval.
type Kline struct {
	Symbol      string
	Granularity Granularity
	Start       time.Time
	End         time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Closed      bool
}

// NewKline opens a candle for the interval containing t seeded with price.
func NewKline(symbol string, g Granularity, t time.Time, price, volume decimal.Decimal) *Kline {
	start := g.IntervalStart(t)
	return &Kline{
		Symbol:      symbol,
		Granularity: g,
		Start:       start,
		End:         start.Add(g.Duration()),
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      volume,
	}
}

// FlatKline is a sealed zero-volume candle carrying the previous close.
func FlatKline(symbol string, g Granularity, start time.Time, prevClose decimal.Decimal) Kline {
	return Kline{
		Symbol:      symbol,
		Granularity: g,
		Start:       start,
		End:         start.Add(g.Duration()),
		Open:        prevClose,
		High:        prevClose,
		Low:         prevClose,
		Close:       prevClose,
		Volume:      decimal.Zero,
		Closed:      true,
	}
}

// Apply folds a tick that belongs to this interval.
func (k *Kline) Apply(price, volume decimal.Decimal) {
	if price.GreaterThan(k.High) {
		k.High = price
	}
	if price.LessThan(k.Low) {
		k.Low = price
	}
	k.Close = price
	k.Volume = k.Volume.Add(volume)
}

// Key identifies a kline for idempotent persistence.
func (k Kline) Key() string {
	return fmt.Sprintf("%s/%s/%d", k.Symbol, k.Granularity, k.Start.UnixMilli())
}

// KlineResponse is the shape consumed by REST and stream collaborators,
// identical for spot and derivative markets.
type KlineResponse struct {
	Symbol     string `json:"symbol"`
	OpenPrice  string `json:"openPrice"`
	ClosePrice string `json:"closePrice"`
	HighPrice  string `json:"highPrice"`
	LowPrice   string `json:"lowPrice"`
	Volume     string `json:"volume"`
	StartTime  int64  `json:"startTime"`
	CloseTime  int64  `json:"closeTime"`
	Interval   string `json:"interval"`
	IsClosed   bool   `json:"isClosed"`
}

func (k Kline) Response() KlineResponse {
	return KlineResponse{
		Symbol:     k.Symbol,
		OpenPrice:  k.Open.String(),
		ClosePrice: k.Close.String(),
		HighPrice:  k.High.String(),
		LowPrice:   k.Low.String(),
		Volume:     k.Volume.String(),
		StartTime:  k.Start.UnixMilli(),
		CloseTime:  k.End.UnixMilli(),
		Interval:   k.Granularity.String(),
		IsClosed:   k.Closed,
	}
}

// KlineFromResponse is the inverse of Response.
func KlineFromResponse(r KlineResponse) (Kline, error) {
	g, err := ParseGranularity(r.Interval)
	if err != nil {
		return Kline{}, err
	}
	k := Kline{
		Symbol:      r.Symbol,
		Granularity: g,
		Start:       time.UnixMilli(r.StartTime).UTC(),
		End:         time.UnixMilli(r.CloseTime).UTC(),
		Closed:      r.IsClosed,
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&k.Open, r.OpenPrice}, {&k.Close, r.ClosePrice}, {&k.High, r.HighPrice},
		{&k.Low, r.LowPrice}, {&k.Volume, r.Volume},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return Kline{}, fmt.Errorf("kline %s: %w", r.Symbol, err)
		}
	}
	return k, nil
}
