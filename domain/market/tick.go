package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a normalized trade print from the external feed.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	EventTime time.Time
}

// Ticker is the rolling summary broadcast on the ticker channel. Decimal
// fields travel as text end to end.
type Ticker struct {
	Symbol      string
	Price       string
	PriceChange string
	High        string
	Low         string
	Volume      string
	EventTime   int64 // epoch millis
	MarketCap   string
}
