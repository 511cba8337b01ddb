package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/kafka"
	"bourse/infra/metrics"
	"bourse/infra/store"
	"bourse/service"
	"bourse/snapshot"
)

type job struct {
	del kafka.Delivery
	ev  matching.Event
}

type levelKey struct {
	side  orderbook.Side
	price string
}

// lane is the single writer of one symbol's book.
type lane struct {
	d      *Dispatcher
	symbol string
	log    *zap.Logger

	in     chan job
	resume chan struct{}
	warm   chan struct{}

	book    *orderbook.OrderBook
	backlog []job
	paused  atomic.Bool
}

func newLane(d *Dispatcher, symbol string) *lane {
	return &lane{
		d:      d,
		symbol: symbol,
		log:    d.log.With(zap.String("symbol", symbol)),
		in:     make(chan job, d.cfg.LaneBuffer),
		resume: make(chan struct{}, 1),
		warm:   make(chan struct{}, 1),
	}
}

func (l *lane) run(ctx context.Context) {
	defer l.d.wg.Done()
	l.log.Debug("lane started")

	for {
		select {
		case <-l.d.stopping:
			return
		case <-l.warm:
			if _, err := l.loadBook(ctx); err != nil {
				l.log.Warn("warm book", zap.Error(err))
			}
		case <-l.resume:
			l.unpause(ctx)
		case j := <-l.in:
			if l.paused.Load() {
				l.backlog = append(l.backlog, j)
				continue
			}
			l.process(ctx, j)
		}
	}
}

// ---------------- Retry loop ----------------

func (l *lane) process(ctx context.Context, j job) {
	ev := j.ev
	var first time.Time

	for {
		started := time.Now()
		outcome, err := l.pass(ctx, j.ev)
		if err == nil {
			metrics.MatchLatency.WithLabelValues(l.symbol).Observe(float64(time.Since(started).Microseconds()) / 1000)
			metrics.MatchEventsProcessed.WithLabelValues(l.symbol, outcome).Inc()
			l.d.ack(ctx, j.del)
			return
		}

		if errors.Is(err, matching.ErrInvariantViolation) {
			l.pause(j, err)
			return
		}
		if errors.Is(err, ErrUnknownOrder) {
			metrics.MatchEventsProcessed.WithLabelValues(l.symbol, "dead_lettered").Inc()
			l.d.reject(ctx, j.del, err, "unknown_order")
			return
		}

		now := time.Now().UTC()
		if first.IsZero() {
			first = now
		}
		ev.Attempt++
		// the book may hold uncommitted mutations
		l.book = nil

		if ev.Attempt >= l.d.cfg.MaxAttempts {
			l.log.Error("match event exhausted retries",
				zap.Stringer("event", ev), zap.Error(err))
			metrics.MatchEventsProcessed.WithLabelValues(l.symbol, "dead_lettered").Inc()
			if l.d.deadLetter(ctx, l.symbol, store.DeadLetter{
				OriginalPayload: string(j.del.Value),
				Reason:          err.Error(),
				Attempts:        ev.Attempt,
				FirstFailure:    first,
				LastFailure:     now,
			}, "exhausted") {
				l.d.ack(ctx, j.del)
			}
			return
		}

		metrics.MatchRetries.WithLabelValues(l.symbol).Inc()
		delay := l.d.cfg.Backoff.Delay(ev.Attempt)
		l.log.Warn("match pass failed, retrying",
			zap.Stringer("event", ev),
			zap.Duration("backoff", delay),
			zap.Error(err))

		if !l.wait(delay) {
			return
		}
	}
}

// wait sleeps unless the dispatcher is stopping.
func (l *lane) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.d.stopping:
		return false
	case <-t.C:
		return true
	}
}

func (l *lane) pause(j job, cause error) {
	l.paused.Store(true)
	l.book = nil
	l.backlog = append([]job{j}, l.backlog...)
	metrics.PausedLanes.Inc()
	metrics.MatchEventsProcessed.WithLabelValues(l.symbol, "paused").Inc()
	l.log.Error("lane paused on invariant violation",
		zap.Stringer("event", j.ev),
		zap.Int64("offset", j.del.Offset),
		zap.Error(cause))
}

func (l *lane) unpause(ctx context.Context) {
	if !l.paused.Load() {
		return
	}
	l.paused.Store(false)
	metrics.PausedLanes.Dec()
	l.log.Info("lane resumed", zap.Int("backlog", len(l.backlog)))

	for len(l.backlog) > 0 && !l.paused.Load() {
		j := l.backlog[0]
		l.backlog = l.backlog[1:]
		l.process(ctx, j)
	}
}

// ---------------- Match pass ----------------

func (l *lane) loadBook(ctx context.Context) (*orderbook.OrderBook, error) {
	if l.book != nil {
		return l.book, nil
	}
	book, err := service.RecoverBook(ctx, l.d.store, l.symbol)
	if err != nil {
		return nil, err
	}
	l.book = book
	l.d.depth.Publish(snapshot.Take(book, l.d.cfg.DepthLevels))
	l.log.Info("book loaded", zap.Int("resting", book.Len()), zap.Uint64("tradeSeq", book.TradeSeq()))
	return book, nil
}

// pass runs one event to a committed outcome. Errors are transient unless
// they wrap ErrInvariantViolation or ErrUnknownOrder.
func (l *lane) pass(ctx context.Context, ev matching.Event) (string, error) {
	done, err := l.d.store.Processed(ctx, ev.Key())
	if err != nil {
		return "", err
	}
	if done {
		return "duplicate", nil
	}

	book, err := l.loadBook(ctx)
	if err != nil {
		return "", err
	}
	o, err := l.d.store.GetOrder(ctx, ev.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		// intake stores the order before queueing it, so no retry can help
		return "", fmt.Errorf("%w: %s", ErrUnknownOrder, ev.OrderID)
	}
	if err != nil {
		return "", err
	}

	if ev.Kind() == matching.ActionCancel {
		return l.cancel(ctx, book, ev, o)
	}
	return l.match(ctx, book, ev, o)
}

func (l *lane) match(ctx context.Context, book *orderbook.OrderBook, ev matching.Event, o *orderbook.Order) (string, error) {
	commit := store.Commit{Symbol: l.symbol, EventKey: ev.Key(), TradeSeq: book.TradeSeq()}

	// already matched by a pass whose marker was lost with a rebuilt store
	if _, resting := book.Get(o.ID); resting || o.Status.Terminal() {
		return "stale", l.commit(ctx, commit, nil)
	}

	watch := watchSet{}
	if o.Type == orderbook.Limit {
		watch.add(o.Side, o.Price)
	}

	res, err := l.d.engine.Match(book, o)
	switch {
	case errors.Is(err, matching.ErrInvalidOrder):
		l.log.Info("order rejected", zap.String("id", o.ID), zap.Error(err))
		commit.Orders = []*orderbook.Order{o}
		return "rejected", l.commit(ctx, commit, nil)
	case err != nil:
		return "", err
	}

	for _, t := range res.Trades {
		watch.add(o.Side.Opposite(), t.Price)
	}

	commit.Orders = append([]*orderbook.Order{res.Taker}, res.Makers...)
	commit.Trades = res.Trades
	commit.TradeSeq = book.TradeSeq()
	if err := l.commit(ctx, commit, watch.changes(book)); err != nil {
		return "", err
	}
	metrics.TradesExecuted.WithLabelValues(l.symbol).Add(float64(len(res.Trades)))
	return "matched", nil
}

func (l *lane) cancel(ctx context.Context, book *orderbook.OrderBook, ev matching.Event, o *orderbook.Order) (string, error) {
	commit := store.Commit{Symbol: l.symbol, EventKey: ev.Key(), TradeSeq: book.TradeSeq()}

	removed, ok := l.d.engine.Cancel(book, o.ID)
	if !ok {
		l.log.Info("cancel of order not resting", zap.String("id", o.ID), zap.Stringer("status", o.Status))
		return "cancel_noop", l.commit(ctx, commit, nil)
	}

	watch := watchSet{}
	watch.add(removed.Side, removed.Price)
	commit.Orders = []*orderbook.Order{removed}
	return "cancelled", l.commit(ctx, commit, watch.changes(book))
}

// commit persists the pass and fans it out. Nothing is published for a
// pass that did not commit.
func (l *lane) commit(ctx context.Context, c store.Commit, changes []orderbook.LevelChange) error {
	if err := l.d.store.CommitMatch(ctx, c); err != nil {
		return fmt.Errorf("commit %s: %w", c.EventKey, err)
	}

	if len(c.Trades) > 0 {
		l.d.pub.PublishTrades(l.symbol, c.Trades)
	}
	if len(changes) > 0 {
		l.d.pub.PublishDepthDelta(l.symbol, c.TradeSeq, changes)
		l.d.depth.Publish(snapshot.Take(l.book, l.d.cfg.DepthLevels))
	}
	return nil
}

type levelWatch struct {
	side  orderbook.Side
	price decimal.Decimal
}

type watchSet map[levelKey]levelWatch

func (w watchSet) add(side orderbook.Side, price decimal.Decimal) {
	w[levelKey{side: side, price: price.String()}] = levelWatch{side: side, price: price}
}

func (w watchSet) changes(book *orderbook.OrderBook) []orderbook.LevelChange {
	out := make([]orderbook.LevelChange, 0, len(w))
	for _, lv := range w {
		out = append(out, orderbook.LevelChange{
			Side:     lv.side,
			Price:    lv.price,
			Quantity: book.LevelQuantity(lv.side, lv.price),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side < out[j].Side
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
