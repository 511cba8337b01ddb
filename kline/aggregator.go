// Package kline folds ticks into OHLCV candles per symbol and interval.
package kline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/infra/metrics"
)

// Store persists sealed klines. Saves are upserts keyed by Kline.Key.
type Store interface {
	SaveKline(ctx context.Context, k market.Kline) error
}

// Publisher receives partial and sealed klines.
type Publisher interface {
	PublishKline(k market.Kline)
}

type Config struct {
	Intervals     []market.Granularity
	SweepInterval time.Duration
	// MaxFlatFill bounds the flat candles emitted for one skipped stretch.
	MaxFlatFill int
}

type key struct {
	symbol string
	g      market.Granularity
}

// series is the aggregation state of one (symbol, interval) pair. When open
// is nil the series is idle: next is the first interval not yet emitted and
// lastClose seeds its flat candles.
type series struct {
	open      *market.Kline
	next      time.Time
	lastClose decimal.Decimal
}

type Aggregator struct {
	cfg   Config
	store Store
	pub   Publisher
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	series  map[key]*series
	pending map[string]market.Kline
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(cfg Config, store Store, pub Publisher, log *zap.Logger, opts ...Option) *Aggregator {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []market.Granularity{market.Minute, market.Hour}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.MaxFlatFill <= 0 {
		cfg.MaxFlatFill = 60
	}
	a := &Aggregator{
		cfg:     cfg,
		store:   store,
		pub:     pub,
		log:     log.Named("kline"),
		now:     time.Now,
		series:  make(map[key]*series),
		pending: make(map[string]market.Kline),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnTick applies one trade print to every configured interval. Ticks for an
// interval that has already been sealed are dropped.
func (a *Aggregator) OnTick(ctx context.Context, t market.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, g := range a.cfg.Intervals {
		k := key{symbol: t.Symbol, g: g}
		start := g.IntervalStart(t.EventTime)

		s, ok := a.series[k]
		if !ok {
			s = &series{}
			a.series[k] = s
			a.openWith(s, k, t)
			continue
		}

		if s.open != nil {
			switch {
			case start.Equal(s.open.Start):
				s.open.Apply(t.Price, t.Volume)
				a.pub.PublishKline(*s.open)
				continue
			case start.Before(s.open.Start):
				a.late(t, g)
				continue
			}
			a.seal(ctx, s)
		} else if start.Before(s.next) {
			a.late(t, g)
			continue
		}

		a.fillFlat(ctx, k, s, start)
		a.openWith(s, k, t)
	}
}

func (a *Aggregator) openWith(s *series, k key, t market.Tick) {
	s.open = market.NewKline(k.symbol, k.g, t.EventTime, t.Price, t.Volume)
	a.pub.PublishKline(*s.open)
}

func (a *Aggregator) late(t market.Tick, g market.Granularity) {
	metrics.LateTicks.WithLabelValues(t.Symbol).Inc()
	a.log.Debug("late tick dropped",
		zap.String("symbol", t.Symbol),
		zap.Stringer("interval", g),
		zap.Time("eventTime", t.EventTime))
}

// seal closes the open kline and leaves the series idle at its end.
func (a *Aggregator) seal(ctx context.Context, s *series) {
	k := *s.open
	k.Closed = true
	s.open = nil
	s.next = k.End
	s.lastClose = k.Close

	a.emitSealed(ctx, k, "trade")
}

// fillFlat emits zero-volume candles for the idle stretch [s.next, until).
// Only the most recent MaxFlatFill intervals are emitted.
func (a *Aggregator) fillFlat(ctx context.Context, k key, s *series, until time.Time) {
	step := k.g.Duration()
	if !s.next.Before(until) || s.next.IsZero() {
		s.next = until
		return
	}

	skipped := int(until.Sub(s.next) / step)
	from := s.next
	if skipped > a.cfg.MaxFlatFill {
		from = until.Add(-time.Duration(a.cfg.MaxFlatFill) * step)
		a.log.Warn("flat fill capped",
			zap.String("symbol", k.symbol),
			zap.Stringer("interval", k.g),
			zap.Int("skipped", skipped),
			zap.Int("emitted", a.cfg.MaxFlatFill))
	}
	for start := from; start.Before(until); start = start.Add(step) {
		a.emitSealed(ctx, market.FlatKline(k.symbol, k.g, start, s.lastClose), "flat")
	}
	s.next = until
}

func (a *Aggregator) emitSealed(ctx context.Context, k market.Kline, kind string) {
	metrics.KlinesSealed.WithLabelValues(k.Granularity.String(), kind).Inc()
	a.persist(ctx, k)
	a.pub.PublishKline(k)
}

func (a *Aggregator) persist(ctx context.Context, k market.Kline) {
	if err := a.store.SaveKline(ctx, k); err != nil {
		metrics.KlinePersistFailures.Inc()
		a.pending[k.Key()] = k
		a.log.Warn("persist kline, queued for retry", zap.String("key", k.Key()), zap.Error(err))
		return
	}
	delete(a.pending, k.Key())
}

// Sweep seals klines whose interval ended before now, emits flat candles
// for idle series and retries failed persists.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.retryPending(ctx)

	for k, s := range a.series {
		if s.open != nil {
			if now.Before(s.open.End) {
				continue
			}
			a.seal(ctx, s)
		}
		a.fillFlat(ctx, k, s, k.g.IntervalStart(now))
	}
}

func (a *Aggregator) retryPending(ctx context.Context) {
	for id, k := range a.pending {
		if err := a.store.SaveKline(ctx, k); err != nil {
			a.log.Debug("kline retry failed", zap.String("key", id), zap.Error(err))
			continue
		}
		delete(a.pending, id)
	}
}

// Seed gives symbols without state an idle series that continues flat from
// their last stored close, starting at the current interval.
func (a *Aggregator) Seed(g market.Granularity, closes map[string]decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !slices.Contains(a.cfg.Intervals, g) {
		return
	}
	next := g.IntervalStart(a.now())
	for symbol, c := range closes {
		k := key{symbol: symbol, g: g}
		if _, ok := a.series[k]; ok {
			continue
		}
		a.series[k] = &series{next: next, lastClose: c}
	}
}

// Pending returns the number of sealed klines awaiting a successful persist.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Current returns a copy of the open kline for symbol and g.
func (a *Aggregator) Current(symbol string, g market.Granularity) (market.Kline, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[key{symbol: symbol, g: g}]
	if !ok || s.open == nil {
		return market.Kline{}, false
	}
	return *s.open, true
}

// Run sweeps on its own ticker until ctx is done, then makes a last attempt
// at pending persists.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.retryPending(context.WithoutCancel(ctx))
			left := len(a.pending)
			a.mu.Unlock()
			if left > 0 {
				a.log.Warn("klines left unpersisted at shutdown", zap.Int("count", left))
			}
			return nil
		case <-ticker.C:
			a.Sweep(ctx, a.now())
		}
	}
}
