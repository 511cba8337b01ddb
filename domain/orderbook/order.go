package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side uint8
type OrderType uint8
type Status uint8

const (
	Buy Side = iota + 1
	Sell
)

const (
	Limit OrderType = iota + 1
	Market
)

const (
	StatusNew Status = iota + 1
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func ParseSide(v string) (Side, error) {
	switch v {
	case "buy", "BUY", "bid":
		return Buy, nil
	case "sell", "SELL", "ask":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", v)
}

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func ParseOrderType(v string) (OrderType, error) {
	switch v {
	case "limit", "LIMIT":
		return Limit, nil
	case "market", "MARKET":
		return Market, nil
	}
	return 0, fmt.Errorf("unknown order type %q", v)
}

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func ParseStatus(v string) (Status, error) {
	for s := StatusNew; s <= StatusRejected; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", v)
}

// Terminal reports whether no further fills can happen.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is a pure domain entity. Only the matching engine and the book's
// cancel path mutate Filled and Status.
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	Status    Status
	Seq       uint64
	CreatedAt time.Time

	level *PriceLevel
	next  *Order
	prev  *Order
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Resting reports whether the order is currently linked into a price level.
func (o *Order) Resting() bool {
	return o.level != nil
}

// Next is a read-only traversal helper.
func (o *Order) Next() *Order {
	return o.next
}

// Clone returns a detached copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	c.level, c.next, c.prev = nil, nil, nil
	return &c
}

// Zero values marshal to the empty string and back.

func (s Side) MarshalText() ([]byte, error) {
	if s == 0 {
		return nil, nil
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) (err error) {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	*s, err = ParseSide(string(b))
	return err
}

func (t OrderType) MarshalText() ([]byte, error) {
	if t == 0 {
		return nil, nil
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) (err error) {
	if len(b) == 0 {
		*t = 0
		return nil
	}
	*t, err = ParseOrderType(string(b))
	return err
}

func (s Status) MarshalText() ([]byte, error) {
	if s == 0 {
		return nil, nil
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) (err error) {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	*s, err = ParseStatus(string(b))
	return err
}
