package market

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ticker wire fields. The record is protobuf wire compatible:
//
//	message Ticker {
//	  string symbol = 1; string price = 2; string price_change = 3;
//	  string high = 4;   string low = 5;   string volume = 6;
//	  int64 event_time = 7; string market_cap = 8;
//	}
const (
	tickerSymbol      protowire.Number = 1
	tickerPrice       protowire.Number = 2
	tickerPriceChange protowire.Number = 3
	tickerHigh        protowire.Number = 4
	tickerLow         protowire.Number = 5
	tickerVolume      protowire.Number = 6
	tickerEventTime   protowire.Number = 7
	tickerMarketCap   protowire.Number = 8
)

var ErrMalformedTicker = errors.New("malformed ticker record")

// AppendTicker appends the wire encoding of t to dst.
func AppendTicker(dst []byte, t Ticker) []byte {
	str := func(num protowire.Number, v string) {
		if v == "" {
			return
		}
		dst = protowire.AppendTag(dst, num, protowire.BytesType)
		dst = protowire.AppendString(dst, v)
	}

	str(tickerSymbol, t.Symbol)
	str(tickerPrice, t.Price)
	str(tickerPriceChange, t.PriceChange)
	str(tickerHigh, t.High)
	str(tickerLow, t.Low)
	str(tickerVolume, t.Volume)
	if t.EventTime != 0 {
		dst = protowire.AppendTag(dst, tickerEventTime, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(t.EventTime))
	}
	str(tickerMarketCap, t.MarketCap)
	return dst
}

func EncodeTicker(t Ticker) []byte {
	return AppendTicker(nil, t)
}

// AppendTickerDelimited prefixes the record with its varint length so
// several records can share one stream.
func AppendTickerDelimited(dst []byte, t Ticker) []byte {
	body := EncodeTicker(t)
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// DecodeTickerDelimited decodes one length-prefixed record and returns the
// number of bytes consumed.
func DecodeTickerDelimited(b []byte) (Ticker, int, error) {
	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Ticker{}, 0, fmt.Errorf("%w: %v", ErrMalformedTicker, protowire.ParseError(n))
	}
	if uint64(len(b)-n) < size {
		return Ticker{}, 0, fmt.Errorf("%w: truncated record", ErrMalformedTicker)
	}
	t, err := DecodeTicker(b[n : n+int(size)])
	return t, n + int(size), err
}

// DecodeTicker skips unknown fields for forward compatibility.
func DecodeTicker(b []byte) (Ticker, error) {
	var t Ticker
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Ticker{}, fmt.Errorf("%w: %v", ErrMalformedTicker, protowire.ParseError(n))
		}
		b = b[n:]

		var dst *string
		switch num {
		case tickerSymbol:
			dst = &t.Symbol
		case tickerPrice:
			dst = &t.Price
		case tickerPriceChange:
			dst = &t.PriceChange
		case tickerHigh:
			dst = &t.High
		case tickerLow:
			dst = &t.Low
		case tickerVolume:
			dst = &t.Volume
		case tickerMarketCap:
			dst = &t.MarketCap
		case tickerEventTime:
			if typ != protowire.VarintType {
				return Ticker{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedTicker, num, typ)
			}
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Ticker{}, fmt.Errorf("%w: %v", ErrMalformedTicker, protowire.ParseError(m))
			}
			t.EventTime = int64(v)
			b = b[m:]
			continue
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Ticker{}, fmt.Errorf("%w: %v", ErrMalformedTicker, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}

		if typ != protowire.BytesType {
			return Ticker{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedTicker, num, typ)
		}
		v, m := protowire.ConsumeString(b)
		if m < 0 {
			return Ticker{}, fmt.Errorf("%w: %v", ErrMalformedTicker, protowire.ParseError(m))
		}
		*dst = v
		b = b[m:]
	}
	return t, nil
}
