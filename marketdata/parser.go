// Package marketdata keeps the live exchange feed connected, normalizes its
// frames into ticks and tickers, and fetches historical klines over REST.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"bourse/domain/market"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrIgnoredFrame marks control frames such as subscription acks.
	ErrIgnoredFrame = errors.New("ignored frame")
	ErrMalformed    = errors.New("malformed frame")
)

// ParseError carries the failure kind used for metrics.
type ParseError struct {
	Kind string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ParseError) Unwrap() error { return ErrMalformed }

// Frame is one parsed feed message. Exactly one field is set.
type Frame struct {
	Tick   *market.Tick
	Ticker *market.Ticker
}

// envelope is the combined-stream wrapper:
//
//	{"stream":"btcusdt@trade","data":{...}}
type envelope struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

type header struct {
	Event string `json:"e"`
	ID    *int64 `json:"id"`
}

type tradeFrame struct {
	Symbol   string `json:"s" validate:"required"`
	Price    string `json:"p" validate:"required,numeric"`
	Quantity string `json:"q" validate:"required,numeric"`
	Time     int64  `json:"T" validate:"required,gt=0"`
}

type tickerFrame struct {
	Symbol    string `json:"s" validate:"required"`
	Last      string `json:"c" validate:"required,numeric"`
	Change    string `json:"p" validate:"required,numeric"`
	High      string `json:"h" validate:"required,numeric"`
	Low       string `json:"l" validate:"required,numeric"`
	Volume    string `json:"v" validate:"required,numeric"`
	EventTime int64  `json:"E" validate:"required,gt=0"`
}

type Parser struct {
	validate *validator.Validate
}

func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// Parse accepts trade and 24h ticker frames, raw or wrapped in a combined
// stream envelope.
func (p *Parser) Parse(raw []byte) (Frame, error) {
	body := raw
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, &ParseError{Kind: "json", Err: err}
	}
	if env.Stream != "" && len(env.Data) > 0 {
		body = env.Data
	}

	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return Frame{}, &ParseError{Kind: "json", Err: err}
	}

	switch h.Event {
	case "trade", "aggTrade":
		return p.trade(body)
	case "24hrTicker":
		return p.ticker(body)
	case "":
		if h.ID != nil {
			return Frame{}, ErrIgnoredFrame
		}
	}
	return Frame{}, &ParseError{Kind: "unsupported", Err: fmt.Errorf("event %q", h.Event)}
}

func (p *Parser) trade(body []byte) (Frame, error) {
	var t tradeFrame
	if err := json.Unmarshal(body, &t); err != nil {
		return Frame{}, &ParseError{Kind: "json", Err: err}
	}
	if err := p.validate.Struct(&t); err != nil {
		return Frame{}, &ParseError{Kind: "schema", Err: err}
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil || !price.IsPositive() {
		return Frame{}, &ParseError{Kind: "decimal", Err: fmt.Errorf("price %q", t.Price)}
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil || qty.IsNegative() {
		return Frame{}, &ParseError{Kind: "decimal", Err: fmt.Errorf("quantity %q", t.Quantity)}
	}

	return Frame{Tick: &market.Tick{
		Symbol:    strings.ToUpper(t.Symbol),
		Price:     price,
		Volume:    qty,
		EventTime: time.UnixMilli(t.Time).UTC(),
	}}, nil
}

func (p *Parser) ticker(body []byte) (Frame, error) {
	var t tickerFrame
	if err := json.Unmarshal(body, &t); err != nil {
		return Frame{}, &ParseError{Kind: "json", Err: err}
	}
	if err := p.validate.Struct(&t); err != nil {
		return Frame{}, &ParseError{Kind: "schema", Err: err}
	}
	return Frame{Ticker: &market.Ticker{
		Symbol:      strings.ToUpper(t.Symbol),
		Price:       t.Last,
		PriceChange: t.Change,
		High:        t.High,
		Low:         t.Low,
		Volume:      t.Volume,
		EventTime:   t.EventTime,
	}}, nil
}
