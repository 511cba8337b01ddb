package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bourse/domain/orderbook"
)

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvariantViolation = errors.New("book invariant violated")
)

// MarketRemainderPolicy decides the terminal status of a market order that
// exhausts the opposing side before it is fully filled.
type MarketRemainderPolicy uint8

const (
	// MarketRemainderCancel marks the order CANCELLED.
	MarketRemainderCancel MarketRemainderPolicy = iota
	// MarketRemainderKeepPartial marks it PARTIALLY_FILLED when anything
	// executed, CANCELLED otherwise.
	MarketRemainderKeepPartial
)

func ParseMarketRemainderPolicy(v string) (MarketRemainderPolicy, error) {
	switch v {
	case "", "cancel":
		return MarketRemainderCancel, nil
	case "keep-partial":
		return MarketRemainderKeepPartial, nil
	}
	return 0, fmt.Errorf("unknown market remainder policy %q", v)
}

// Result is the outcome of one matching pass.
type Result struct {
	Trades []Trade
	Taker  *orderbook.Order
	// Makers holds every resting order touched by the pass, in fill order.
	Makers []*orderbook.Order
	Rested bool
}

// Engine is a pure price-time priority matcher. It never performs I/O and
// never reads wall-clock time for ordering.
type Engine struct {
	policy MarketRemainderPolicy
	now    func() time.Time
}

type Option func(*Engine)

func WithMarketRemainderPolicy(p MarketRemainderPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match executes incoming against book and rests any limit residual.
// On ErrInvalidOrder the book is untouched and incoming is REJECTED.
func (e *Engine) Match(book *orderbook.OrderBook, incoming *orderbook.Order) (Result, error) {
	res := Result{Taker: incoming}
	if err := validate(book, incoming); err != nil {
		incoming.Status = orderbook.StatusRejected
		return res, err
	}

	makerBefore := make(map[string]decimal.Decimal)
	takerTraded := decimal.Zero

	for fill := 0; incoming.Remaining().IsPositive(); fill++ {
		best := book.BestOpposite(incoming.Side)
		if best == nil || !crosses(incoming, best.Price) {
			break
		}

		maker := best.Head()
		qty := decimal.Min(incoming.Remaining(), maker.Remaining())
		if !qty.IsPositive() {
			return res, fmt.Errorf("%w: empty resting order %s at %s", ErrInvariantViolation, maker.ID, best.Price)
		}

		if _, seen := makerBefore[maker.ID]; !seen {
			makerBefore[maker.ID] = maker.Filled
			res.Makers = append(res.Makers, maker)
		}

		res.Trades = append(res.Trades, Trade{
			ID:           TradeID(incoming.ID, fill),
			Symbol:       book.Symbol,
			TakerOrderID: incoming.ID,
			MakerOrderID: maker.ID,
			TakerSide:    incoming.Side,
			Price:        best.Price,
			Quantity:     qty,
			Timestamp:    e.now(),
			Seq:          book.NextTradeSeq(),
		})

		incoming.Filled = incoming.Filled.Add(qty)
		takerTraded = takerTraded.Add(qty)
		book.Fill(maker, qty)
	}

	e.settleTaker(book, incoming, &res)

	if err := checkConservation(incoming, takerTraded, res, makerBefore); err != nil {
		return res, err
	}
	if book.Crossed() {
		return res, fmt.Errorf("%w: crossed book bid=%s ask=%s", ErrInvariantViolation,
			book.BestBid().Price, book.BestAsk().Price)
	}
	return res, nil
}

func (e *Engine) settleTaker(book *orderbook.OrderBook, o *orderbook.Order, res *Result) {
	filled := o.Filled.IsPositive()

	if !o.Remaining().IsPositive() {
		o.Status = orderbook.StatusFilled
		return
	}

	if o.Type == orderbook.Market {
		o.Status = orderbook.StatusCancelled
		if filled && e.policy == MarketRemainderKeepPartial {
			o.Status = orderbook.StatusPartiallyFilled
		}
		return
	}

	o.Status = orderbook.StatusNew
	if filled {
		o.Status = orderbook.StatusPartiallyFilled
	}
	// validate() guarantees the residual is restable.
	if err := book.Insert(o); err == nil {
		res.Rested = true
	}
}

// Cancel removes a resting order. Orders that are unknown or already
// consumed are reported as not found.
func (e *Engine) Cancel(book *orderbook.OrderBook, orderID string) (*orderbook.Order, bool) {
	o, ok := book.Remove(orderID)
	if !ok {
		return nil, false
	}
	o.Status = orderbook.StatusCancelled
	return o, true
}

func crosses(o *orderbook.Order, opposite decimal.Decimal) bool {
	if o.Type == orderbook.Market {
		return true
	}
	if o.Side == orderbook.Buy {
		return o.Price.GreaterThanOrEqual(opposite)
	}
	return o.Price.LessThanOrEqual(opposite)
}

func validate(book *orderbook.OrderBook, o *orderbook.Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidOrder)
	case o.Symbol != book.Symbol:
		return fmt.Errorf("%w: symbol %q routed to book %q", ErrInvalidOrder, o.Symbol, book.Symbol)
	case o.Side != orderbook.Buy && o.Side != orderbook.Sell:
		return fmt.Errorf("%w: unknown side", ErrInvalidOrder)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", ErrInvalidOrder, o.Quantity)
	case !o.Filled.IsZero():
		return fmt.Errorf("%w: order %s already has fills", ErrInvalidOrder, o.ID)
	}

	switch o.Type {
	case orderbook.Limit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: limit price %s", ErrInvalidOrder, o.Price)
		}
	case orderbook.Market:
		if !o.Price.IsZero() {
			return fmt.Errorf("%w: market order carries price %s", ErrInvalidOrder, o.Price)
		}
	default:
		return fmt.Errorf("%w: unknown order type", ErrInvalidOrder)
	}

	if _, resting := book.Get(o.ID); resting {
		return fmt.Errorf("%w: order %s already resting", ErrInvalidOrder, o.ID)
	}
	return nil
}

// checkConservation verifies traded + remaining = quantity for every order
// the pass touched.
func checkConservation(taker *orderbook.Order, traded decimal.Decimal, res Result, before map[string]decimal.Decimal) error {
	if !traded.Add(taker.Remaining()).Equal(taker.Quantity) {
		return fmt.Errorf("%w: taker %s traded=%s remaining=%s quantity=%s",
			ErrInvariantViolation, taker.ID, traded, taker.Remaining(), taker.Quantity)
	}

	perMaker := make(map[string]decimal.Decimal, len(res.Makers))
	for _, tr := range res.Trades {
		perMaker[tr.MakerOrderID] = perMaker[tr.MakerOrderID].Add(tr.Quantity)
	}
	for _, m := range res.Makers {
		if !before[m.ID].Add(perMaker[m.ID]).Add(m.Remaining()).Equal(m.Quantity) || m.Remaining().IsNegative() {
			return fmt.Errorf("%w: maker %s filled=%s remaining=%s quantity=%s",
				ErrInvariantViolation, m.ID, m.Filled, m.Remaining(), m.Quantity)
		}
	}
	return nil
}
