package service

import (
	"context"
	"errors"
	"fmt"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/journal"
	"bourse/infra/store"
)

// RestingSource yields the committed resting orders of a symbol.
type RestingSource interface {
	LoadResting(ctx context.Context, symbol string) ([]*orderbook.Order, uint64, error)
}

// RecoverBook rebuilds a symbol's book from committed state. Orders come
// back in Seq order so every level keeps its FIFO.
func RecoverBook(ctx context.Context, src RestingSource, symbol string) (*orderbook.OrderBook, error) {
	orders, tradeSeq, err := src.LoadResting(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load resting %s: %w", symbol, err)
	}

	book := orderbook.NewOrderBook(symbol)
	for _, o := range orders {
		if err := book.Insert(o); err != nil {
			return nil, fmt.Errorf("restore %s: %w", o.ID, err)
		}
	}
	book.RestoreTradeSeq(tradeSeq)
	return book, nil
}

type ReplayStats struct {
	LastSeq  uint64
	Records  int
	Requeued int
	Aborted  int
}

type replayed struct {
	rec *journal.Record
	in  intent
}

/*
ReplayJournal re-drives intake that may not have reached the store or the
queue before a crash, then resumes sequencing after the journal.

It MUST run before intake is opened. Requeued triggers that were already
delivered are absorbed by the dispatcher's processed markers. Aborted
intents are read ahead of the re-drive and never requeued.
*/
func (s *OrderService) ReplayJournal(ctx context.Context, dir string, j *journal.Journal) (ReplayStats, error) {
	var (
		stats   ReplayStats
		entries []replayed
		aborted = make(map[uint64]struct{})
	)

	last, err := journal.Replay(dir, func(rec *journal.Record) error {
		stats.Records++

		var in intent
		if err := json.Unmarshal(rec.Data, &in); err != nil {
			return fmt.Errorf("journal seq=%d: %w", rec.Seq, err)
		}
		if rec.Type == journal.RecordAbort {
			aborted[in.Aborts] = struct{}{}
			return nil
		}
		entries = append(entries, replayed{rec: rec, in: in})
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if _, ok := aborted[e.rec.Seq]; ok {
			stats.Aborted++
			if err := s.settleAborted(ctx, e.rec, e.in); err != nil {
				return stats, fmt.Errorf("journal seq=%d: %w", e.rec.Seq, err)
			}
			continue
		}
		requeued, err := s.redrive(ctx, e.rec, e.in)
		if err != nil {
			return stats, fmt.Errorf("journal seq=%d: %w", e.rec.Seq, err)
		}
		if requeued {
			stats.Requeued++
		}
	}

	stats.LastSeq = last
	s.seq.Observe(last)
	if j != nil {
		j.Observe(last)
	}
	return stats, nil
}

func (s *OrderService) redrive(ctx context.Context, rec *journal.Record, in intent) (bool, error) {
	o, err := s.store.GetOrder(ctx, in.OrderID)
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		return false, err
	}

	switch rec.Type {
	case journal.RecordSubmit:
		if missing {
			o = &orderbook.Order{
				ID: in.OrderID, Symbol: in.Symbol, Side: in.Side, Type: in.Type,
				Price: in.Price, Quantity: in.Quantity, Status: orderbook.StatusNew,
				Seq: rec.Seq, CreatedAt: in.CreatedAt,
			}
			if err := s.store.PutOrder(ctx, o); err != nil {
				return false, err
			}
		}
		return s.requeue(ctx, matching.NewEvent(in.Symbol, in.OrderID, matching.ActionMatch, in.CreatedAt))

	case journal.RecordCancel:
		if missing || o.Status.Terminal() {
			return false, nil
		}
		return s.requeue(ctx, matching.NewEvent(in.Symbol, in.OrderID, matching.ActionCancel, in.CreatedAt))
	}
	return false, nil
}

// settleAborted finishes an abort whose REJECTED write was lost.
func (s *OrderService) settleAborted(ctx context.Context, rec *journal.Record, in intent) error {
	if rec.Type != journal.RecordSubmit {
		return nil
	}
	o, err := s.store.GetOrder(ctx, in.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return nil
	}
	return s.reject(ctx, o)
}

func (s *OrderService) requeue(ctx context.Context, ev matching.Event) (bool, error) {
	done, err := s.store.Processed(ctx, ev.Key())
	if err != nil || done {
		return false, err
	}
	return true, s.enqueue(ctx, ev)
}
