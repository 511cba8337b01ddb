package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateOrder = errors.New("order already resting in book")
	ErrNotRestable    = errors.New("order cannot rest in book")
	ErrWrongSymbol    = errors.New("order symbol does not match book")
)

// Level is a read-only view of one price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// Depth is a read-only view of the top of both sides.
type Depth struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// LevelChange is the resting quantity at one price after a pass. A zero
// Quantity means the level was removed.
type LevelChange struct {
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is single-writer: exactly one lane goroutine owns it.
type OrderBook struct {
	Symbol string

	Bids *RBTree
	Asks *RBTree

	orders   map[string]*Order
	tradeSeq uint64
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		Bids:   NewRBTree(),
		Asks:   NewRBTree(),
		orders: make(map[string]*Order),
	}
}

func (b *OrderBook) side(s Side) *RBTree {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// Insert rests a limit order with remaining quantity at its price.
func (b *OrderBook) Insert(o *Order) error {
	if o.Symbol != b.Symbol {
		return fmt.Errorf("%w: %s in %s", ErrWrongSymbol, o.Symbol, b.Symbol)
	}
	if o.Type != Limit || !o.Remaining().IsPositive() || o.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotRestable, o.ID)
	}
	if _, ok := b.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	b.side(o.Side).UpsertLevel(o.Price).Enqueue(o)
	b.orders[o.ID] = o
	return nil
}

// Remove unlinks a resting order and prunes its level when it empties.
// Unknown or already consumed orders are a no-op.
func (b *OrderBook) Remove(orderID string) (*Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	delete(b.orders, orderID)

	lvl := o.level
	if lvl == nil {
		return o, true
	}
	lvl.Unlink(o)
	if lvl.Empty() {
		b.side(o.Side).DeleteLevel(lvl.Price)
	}
	return o, true
}

// Fill applies an execution of qty to a resting order. A fully filled
// order is removed together with its level when that empties.
func (b *OrderBook) Fill(o *Order, qty decimal.Decimal) {
	o.Filled = o.Filled.Add(qty)
	if o.Remaining().IsPositive() {
		o.Status = StatusPartiallyFilled
		if o.level != nil {
			o.level.Reduce(qty)
		}
		return
	}

	o.Status = StatusFilled
	if lvl := o.level; lvl != nil {
		// Unlink subtracts Remaining, which is already zero.
		lvl.Reduce(qty)
		lvl.Unlink(o)
		if lvl.Empty() {
			b.side(o.Side).DeleteLevel(lvl.Price)
		}
	}
	delete(b.orders, o.ID)
}

func (b *OrderBook) Get(orderID string) (*Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.orders)
}

func (b *OrderBook) BestBid() *PriceLevel {
	return b.Bids.MaxLevel()
}

func (b *OrderBook) BestAsk() *PriceLevel {
	return b.Asks.MinLevel()
}

// BestOpposite returns the best level an incoming order of side s can hit.
func (b *OrderBook) BestOpposite(s Side) *PriceLevel {
	if s == Buy {
		return b.BestAsk()
	}
	return b.BestBid()
}

// Crossed reports best bid >= best ask.
func (b *OrderBook) Crossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	return bid != nil && ask != nil && bid.Price.Cmp(ask.Price) >= 0
}

// LevelQuantity returns the resting quantity at price, zero when absent.
func (b *OrderBook) LevelQuantity(s Side, price decimal.Decimal) decimal.Decimal {
	if lvl := b.side(s).FindLevel(price); lvl != nil {
		return lvl.TotalQty
	}
	return decimal.Zero
}

// Depth returns up to levels price levels per side, best first.
// levels <= 0 returns every level.
func (b *OrderBook) Depth(levels int) Depth {
	d := Depth{Symbol: b.Symbol}
	collect := func(out *[]Level) func(*PriceLevel) bool {
		return func(lvl *PriceLevel) bool {
			*out = append(*out, Level{Price: lvl.Price, Quantity: lvl.TotalQty, Orders: lvl.OrderCount})
			return levels <= 0 || len(*out) < levels
		}
	}
	b.Bids.ForEachDescending(collect(&d.Bids))
	b.Asks.ForEachAscending(collect(&d.Asks))
	return d
}

// NextTradeSeq issues the per-symbol trade sequence.
func (b *OrderBook) NextTradeSeq() uint64 {
	b.tradeSeq++
	return b.tradeSeq
}

func (b *OrderBook) TradeSeq() uint64 {
	return b.tradeSeq
}

// RestoreTradeSeq is only used when rebuilding a book from the store.
func (b *OrderBook) RestoreTradeSeq(seq uint64) {
	b.tradeSeq = seq
}

// Walk visits resting orders, bids best to worst then asks best to worst.
func (b *OrderBook) Walk(visit func(*Order)) {
	walk := func(lvl *PriceLevel) bool {
		for o := lvl.head; o != nil; o = o.next {
			visit(o)
		}
		return true
	}
	b.Bids.ForEachDescending(walk)
	b.Asks.ForEachAscending(walk)
}
