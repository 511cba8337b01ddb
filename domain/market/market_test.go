package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestTickerRoundTrip(t *testing.T) {
	in := Ticker{
		Symbol:      "BTCUSDT",
		Price:       "64123.45000001",
		PriceChange: "-12.00000000",
		High:        "65000.1",
		Low:         "63000",
		Volume:      "1234.56789",
		EventTime:   1717000000123,
		MarketCap:   "1265432100000.00",
	}

	out, err := DecodeTicker(EncodeTicker(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTickerDelimitedStream(t *testing.T) {
	a := Ticker{Symbol: "BTCUSDT", Price: "1.10", EventTime: 1}
	b := Ticker{Symbol: "ETHUSDT", Price: "2.20", EventTime: 2}
	stream := AppendTickerDelimited(AppendTickerDelimited(nil, a), b)

	got, n, err := DecodeTickerDelimited(stream)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, m, err := DecodeTickerDelimited(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, len(stream), n+m)
}

func TestTickerSkipsUnknownFields(t *testing.T) {
	buf := EncodeTicker(Ticker{Symbol: "BTCUSDT"})
	buf = protowire.AppendTag(buf, 42, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)

	got, err := DecodeTicker(buf)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
}

func TestTickerRejectsMalformed(t *testing.T) {
	_, err := DecodeTicker([]byte{0x0a, 0x10, 'B'})
	assert.ErrorIs(t, err, ErrMalformedTicker)

	wrongType := protowire.AppendTag(nil, tickerEventTime, protowire.BytesType)
	wrongType = protowire.AppendString(wrongType, "x")
	_, err = DecodeTicker(wrongType)
	assert.ErrorIs(t, err, ErrMalformedTicker)

	_, _, err = DecodeTickerDelimited([]byte{0x05, 0x0a})
	assert.ErrorIs(t, err, ErrMalformedTicker)
}

func TestGranularityParseAndString(t *testing.T) {
	for _, v := range []string{"1m", "15m", "1h", "4h", "1d", "30s"} {
		g, err := ParseGranularity(v)
		require.NoError(t, err, v)
		assert.Equal(t, v, g.String())
	}
	for _, v := range []string{"", "m", "0m", "5x", "-1h"} {
		_, err := ParseGranularity(v)
		assert.Error(t, err, v)
	}
}

func TestIntervalStart(t *testing.T) {
	base := time.UnixMilli(1717000000000).UTC()
	start := Minute.IntervalStart(base.Add(59 * time.Second))
	assert.Equal(t, int64(0), start.UnixMilli()%60000)
	assert.True(t, !start.After(base.Add(59*time.Second)))

	assert.Equal(t, time.UnixMilli(0).UTC(), Minute.IntervalStart(time.UnixMilli(59999)))
	assert.Equal(t, time.UnixMilli(60000).UTC(), Minute.IntervalStart(time.UnixMilli(60000)))
}

func TestKlineResponseRoundTrip(t *testing.T) {
	k := NewKline("BTCUSDT", Hour, time.UnixMilli(3600000*5+10), decimal.RequireFromString("100.5"), decimal.RequireFromString("2"))
	k.Apply(decimal.RequireFromString("101"), decimal.RequireFromString("1.5"))
	k.Closed = true

	r := k.Response()
	assert.Equal(t, "1h", r.Interval)
	assert.Equal(t, int64(3600000*5), r.StartTime)
	assert.Equal(t, int64(3600000*6), r.CloseTime)
	assert.Equal(t, "3.5", r.Volume)

	back, err := KlineFromResponse(r)
	require.NoError(t, err)
	assert.Equal(t, k.Key(), back.Key())
	assert.True(t, back.High.Equal(k.High))
	assert.True(t, back.Closed)
}
