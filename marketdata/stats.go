package marketdata

import (
	"sync"

	"github.com/shopspring/decimal"

	"bourse/domain/market"
)

// sessionStats rolls up the ticks seen since the process started. They feed
// the ticker record published on every trade.
type sessionStats struct {
	open, high, low, last decimal.Decimal
	volume                decimal.Decimal
}

type statsBook struct {
	mu      sync.Mutex
	symbols map[string]*sessionStats
	// supply is the circulating supply per symbol, when known.
	supply map[string]decimal.Decimal
}

func newStatsBook(supply map[string]decimal.Decimal) *statsBook {
	return &statsBook{symbols: make(map[string]*sessionStats), supply: supply}
}

// apply folds t and returns the resulting ticker.
func (b *statsBook) apply(t market.Tick) market.Ticker {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.symbols[t.Symbol]
	if !ok {
		s = &sessionStats{open: t.Price, high: t.Price, low: t.Price, volume: decimal.Zero}
		b.symbols[t.Symbol] = s
	}
	if t.Price.GreaterThan(s.high) {
		s.high = t.Price
	}
	if t.Price.LessThan(s.low) {
		s.low = t.Price
	}
	s.last = t.Price
	s.volume = s.volume.Add(t.Volume)

	out := market.Ticker{
		Symbol:      t.Symbol,
		Price:       s.last.String(),
		PriceChange: s.last.Sub(s.open).String(),
		High:        s.high.String(),
		Low:         s.low.String(),
		Volume:      s.volume.String(),
		EventTime:   t.EventTime.UnixMilli(),
	}
	if supply, ok := b.supply[t.Symbol]; ok {
		out.MarketCap = s.last.Mul(supply).String()
	}
	return out
}
