package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
)

type orderRecord struct {
	ID        string              `json:"id"`
	Symbol    string              `json:"symbol"`
	Side      orderbook.Side      `json:"side"`
	Type      orderbook.OrderType `json:"type"`
	Price     decimal.Decimal     `json:"price"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Filled    decimal.Decimal     `json:"filled"`
	Status    orderbook.Status    `json:"status"`
	Seq       uint64              `json:"seq"`
	CreatedAt time.Time           `json:"createdAt"`
}

func toRecord(o *orderbook.Order) orderRecord {
	return orderRecord{
		ID: o.ID, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
		Price: o.Price, Quantity: o.Quantity, Filled: o.Filled,
		Status: o.Status, Seq: o.Seq, CreatedAt: o.CreatedAt,
	}
}

func (r orderRecord) order() *orderbook.Order {
	return &orderbook.Order{
		ID: r.ID, Symbol: r.Symbol, Side: r.Side, Type: r.Type,
		Price: r.Price, Quantity: r.Quantity, Filled: r.Filled,
		Status: r.Status, Seq: r.Seq, CreatedAt: r.CreatedAt,
	}
}

func orderKey(id string) []byte { return key("order", id) }

func restingKey(o *orderbook.Order) []byte {
	return key("resting", o.Symbol, seqPart(o.Seq), o.ID)
}

func processedKey(eventKey string) []byte { return key("processed", eventKey) }

func tradeKey(symbol string, seq uint64) []byte { return key("trade", symbol, seqPart(seq)) }

func tradeSeqKey(symbol string) []byte { return key("tradeseq", symbol) }

// PutOrder stores an order as submitted. It does not touch the resting
// index; only a committed pass rests an order.
func (s *Store) PutOrder(_ context.Context, o *orderbook.Order) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, orderKey(o.ID), toRecord(o)); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// GetOrder returns a fresh copy of the stored order.
func (s *Store) GetOrder(_ context.Context, id string) (*orderbook.Order, error) {
	var r orderRecord
	if err := s.get(orderKey(id), &r); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return r.order(), nil
}

// Processed reports whether the event identified by eventKey was committed.
func (s *Store) Processed(_ context.Context, eventKey string) (bool, error) {
	return s.exists(processedKey(eventKey))
}

// Commit is the outcome of one match or cancel pass.
type Commit struct {
	Symbol   string
	EventKey string
	// Orders are the taker and every touched maker, post-pass.
	Orders   []*orderbook.Order
	Trades   []matching.Trade
	TradeSeq uint64
}

// CommitMatch writes the pass atomically with a synced batch.
func (s *Store) CommitMatch(_ context.Context, c Commit) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range c.Orders {
		if err := setJSON(b, orderKey(o.ID), toRecord(o)); err != nil {
			return err
		}
		rk := restingKey(o)
		if o.Type == orderbook.Limit && !o.Status.Terminal() {
			if err := b.Set(rk, nil, nil); err != nil {
				return err
			}
		} else if err := b.Delete(rk, nil); err != nil {
			return err
		}
	}

	for _, t := range c.Trades {
		if err := setJSON(b, tradeKey(c.Symbol, t.Seq), t); err != nil {
			return err
		}
		if err := s.stageOutbox(b, t); err != nil {
			return err
		}
	}

	if len(c.Trades) > 0 {
		if err := putUint64(b, tradeSeqKey(c.Symbol), c.TradeSeq); err != nil {
			return err
		}
	}

	if err := b.Set(processedKey(c.EventKey), []byte(time.Now().UTC().Format(time.RFC3339Nano)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// LoadResting returns the symbol's resting orders in Seq order and the
// last committed trade sequence.
func (s *Store) LoadResting(_ context.Context, symbol string) ([]*orderbook.Order, uint64, error) {
	it, err := prefixIter(s.db, key("resting", symbol, ""))
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	var out []*orderbook.Order
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		id := k[len(prefixResting)+len(symbol)+1+20+1:]

		var r orderRecord
		if err := s.get(orderKey(id), &r); err != nil {
			return nil, 0, fmt.Errorf("resting order %s: %w", id, err)
		}
		out = append(out, r.order())
	}
	if err := it.Error(); err != nil {
		return nil, 0, err
	}

	seq, err := s.getUint64(tradeSeqKey(symbol))
	return out, seq, err
}

// Trades returns up to limit trades of symbol with Seq > after.
func (s *Store) Trades(_ context.Context, symbol string, after uint64, limit int) ([]matching.Trade, error) {
	prefix := key("trade", symbol, "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradeKey(symbol, after+1),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []matching.Trade
	for it.First(); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
		var t matching.Trade
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, it.Error()
}
