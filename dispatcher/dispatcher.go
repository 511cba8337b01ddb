// Package dispatcher drives matching from the durable queue. Events are
// routed to one lane per symbol; a lane owns its book, processes strictly
// in queue order and acks only after the pass is committed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/backoff"
	"bourse/infra/kafka"
	"bourse/infra/metrics"
	"bourse/infra/store"
	"bourse/snapshot"
)

var (
	ErrUnknownLane  = errors.New("no lane for symbol")
	ErrUnknownOrder = errors.New("match event for unknown order")
)

// Queue is the durable source of match events.
type Queue interface {
	Fetch(ctx context.Context) (kafka.Delivery, error)
	Ack(ctx context.Context, d kafka.Delivery) error
}

type Store interface {
	GetOrder(ctx context.Context, id string) (*orderbook.Order, error)
	Processed(ctx context.Context, eventKey string) (bool, error)
	CommitMatch(ctx context.Context, c store.Commit) error
	LoadResting(ctx context.Context, symbol string) ([]*orderbook.Order, uint64, error)
	PutDeadLetter(ctx context.Context, d store.DeadLetter) error
}

// DeadLetterSink receives exhausted and corrupt events.
type DeadLetterSink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

type Publisher interface {
	PublishTrades(symbol string, trades []matching.Trade)
	PublishDepthDelta(symbol string, tradeSeq uint64, changes []orderbook.LevelChange)
}

type Config struct {
	MaxAttempts int
	Backoff     backoff.Config
	LaneBuffer  int
	DepthLevels int
}

type Dispatcher struct {
	cfg    Config
	queue  Queue
	store  Store
	dlq    DeadLetterSink
	pub    Publisher
	depth  *snapshot.Registry
	engine *matching.Engine
	log    *zap.Logger

	mu    sync.Mutex
	lanes map[string]*lane

	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(
	cfg Config,
	q Queue,
	st Store,
	dlq DeadLetterSink,
	pub Publisher,
	depth *snapshot.Registry,
	engine *matching.Engine,
	log *zap.Logger,
) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.LaneBuffer < 1 {
		cfg.LaneBuffer = 256
	}
	if cfg.DepthLevels < 1 {
		cfg.DepthLevels = 50
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		store:    st,
		dlq:      dlq,
		pub:      pub,
		depth:    depth,
		engine:   engine,
		log:      log.Named("dispatcher"),
		lanes:    make(map[string]*lane),
		stopping: make(chan struct{}),
	}
}

// Run fetches until ctx is done, then stops every lane after its in-flight
// event. Unacked events are redelivered on the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stop()
	work := context.WithoutCancel(ctx)

	for {
		del, err := d.queue.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Warn("fetch failed", zap.Error(err))
			if backoff.Sleep(ctx, d.cfg.Backoff.Delay(1)) != nil {
				return nil
			}
			continue
		}

		ev, err := DecodeEvent(del.Value)
		if err != nil {
			d.reject(work, del, err, "corrupt")
			continue
		}

		l := d.lane(work, ev.Symbol)
		select {
		case l.in <- job{del: del, ev: ev}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopping) })
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// lane returns the symbol's lane, starting it on first use.
func (d *Dispatcher) lane(ctx context.Context, symbol string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[symbol]; ok {
		return l
	}
	l := newLane(d, symbol)
	d.lanes[symbol] = l
	d.wg.Add(1)
	go l.run(ctx)
	return l
}

// Warm starts lanes for symbols ahead of traffic so their books and depth
// snapshots are loaded at startup.
func (d *Dispatcher) Warm(ctx context.Context, symbols []string) {
	for _, s := range symbols {
		l := d.lane(context.WithoutCancel(ctx), s)
		select {
		case l.warm <- struct{}{}:
		default:
		}
	}
}

// Resume reloads a paused lane's book and drains the events it held.
func (d *Dispatcher) Resume(symbol string) error {
	d.mu.Lock()
	l, ok := d.lanes[symbol]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, symbol)
	}
	select {
	case l.resume <- struct{}{}:
	default:
	}
	return nil
}

// Paused lists halted symbols.
func (d *Dispatcher) Paused() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for sym, l := range d.lanes {
		if l.paused.Load() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// reject dead-letters a payload that can never be processed. It does not
// consume any retry budget.
func (d *Dispatcher) reject(ctx context.Context, del kafka.Delivery, cause error, reason string) {
	now := time.Now().UTC()
	d.log.Warn("unprocessable match event",
		zap.String("reason", reason),
		zap.Int("partition", del.Partition),
		zap.Int64("offset", del.Offset),
		zap.Error(cause))

	if d.deadLetter(ctx, string(del.Key), store.DeadLetter{
		OriginalPayload: string(del.Value),
		Reason:          cause.Error(),
		Attempts:        1,
		FirstFailure:    now,
		LastFailure:     now,
	}, reason) {
		d.ack(ctx, del)
	}
}

// deadLetter ships the record to the queue sink and keeps a local copy.
// It reports whether at least one of them took it.
func (d *Dispatcher) deadLetter(ctx context.Context, key string, rec store.DeadLetter, reason string) bool {
	metrics.DeadLettered.WithLabelValues(reason).Inc()

	accepted := false
	payload, err := json.Marshal(rec)
	if err == nil && d.dlq != nil {
		if err = d.dlq.Publish(ctx, key, payload); err == nil {
			accepted = true
		}
	}
	if err != nil {
		d.log.Error("publish dead letter", zap.String("key", key), zap.Error(err))
	}

	if err := d.store.PutDeadLetter(ctx, rec); err != nil {
		d.log.Error("store dead letter", zap.String("key", key), zap.Error(err))
	} else {
		accepted = true
	}
	return accepted
}

func (d *Dispatcher) ack(ctx context.Context, del kafka.Delivery) {
	if err := d.queue.Ack(ctx, del); err != nil {
		d.log.Error("ack failed",
			zap.Int("partition", del.Partition),
			zap.Int64("offset", del.Offset),
			zap.Error(err))
	}
}
