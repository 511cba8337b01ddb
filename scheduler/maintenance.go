package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/infra/store"
)

type HistorySource interface {
	Klines(ctx context.Context, symbol string, g market.Granularity, from, to time.Time, limit int) ([]market.Kline, error)
}

type KlineStore interface {
	SaveKline(ctx context.Context, k market.Kline) error
	DeleteKlinesBefore(ctx context.Context, g market.Granularity, cutoff time.Time) (int, error)
}

type GapStore interface {
	PendingGaps(ctx context.Context) ([]store.Gap, error)
	ResolveGap(ctx context.Context, g store.Gap) error
}

// Journal is truncated up to the watermark's durable sequence.
type Journal interface {
	TruncateBefore(seq uint64) (int, error)
}

type Watermark interface {
	Durable() uint64
}

// Pruner drops delivered settlement outbox entries.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

type Config struct {
	Symbols         []string
	FetchLimit      int
	BootstrapLimit  int
	BootstrapDelay  time.Duration
	MinuteRetention time.Duration
	HourRetention   time.Duration
}

// Maintenance holds the stock jobs. Journal, Watermark and Outbox are
// optional.
type Maintenance struct {
	cfg     Config
	history HistorySource
	klines  KlineStore
	gaps    GapStore

	Journal   Journal
	Watermark Watermark
	Outbox    Pruner

	log *zap.Logger
	now func() time.Time
}

func NewMaintenance(cfg Config, history HistorySource, klines KlineStore, gaps GapStore, log *zap.Logger) *Maintenance {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 5
	}
	if cfg.BootstrapLimit < cfg.FetchLimit {
		cfg.BootstrapLimit = 1000
	}
	if cfg.BootstrapDelay <= 0 {
		cfg.BootstrapDelay = 30 * time.Second
	}
	if cfg.MinuteRetention <= 0 {
		cfg.MinuteRetention = 7 * 24 * time.Hour
	}
	if cfg.HourRetention <= 0 {
		cfg.HourRetention = 30 * 24 * time.Hour
	}
	return &Maintenance{
		cfg:     cfg,
		history: history,
		klines:  klines,
		gaps:    gaps,
		log:     log.Named("maintenance"),
		now:     time.Now,
	}
}

// Jobs returns the stock schedule.
func (m *Maintenance) Jobs() []Job {
	const day = 24 * time.Hour
	jobs := []Job{
		{Name: "fetch-1m", Delay: time.Minute, Every: time.Minute, Run: m.FetchMinute},
		{Name: "fetch-1h", Delay: time.Hour, Every: time.Hour, Run: m.FetchHour},
		{Name: "bootstrap", Delay: m.cfg.BootstrapDelay, Run: m.Bootstrap},
		{Name: "retention", Delay: 10 * time.Minute, Every: day, Run: m.Retention},
	}
	if m.Journal != nil && m.Watermark != nil {
		jobs = append(jobs, Job{Name: "journal-compaction", Delay: 15 * time.Minute, Every: day, Run: m.CompactJournal})
	}
	return jobs
}

// ---------------- Fetch ----------------

// FetchMinute refreshes the latest minute candles and backfills recorded
// feed gaps.
func (m *Maintenance) FetchMinute(ctx context.Context) error {
	err := m.fetchLatest(ctx, market.Minute, m.cfg.FetchLimit)
	return errors.Join(err, m.backfillGaps(ctx))
}

func (m *Maintenance) FetchHour(ctx context.Context) error {
	return m.fetchLatest(ctx, market.Hour, m.cfg.FetchLimit)
}

// Bootstrap loads deep history for every granularity once after start.
func (m *Maintenance) Bootstrap(ctx context.Context) error {
	return errors.Join(
		m.fetchLatest(ctx, market.Minute, m.cfg.BootstrapLimit),
		m.fetchLatest(ctx, market.Hour, m.cfg.BootstrapLimit),
	)
}

func (m *Maintenance) fetchLatest(ctx context.Context, g market.Granularity, limit int) error {
	var errs []error
	for _, sym := range m.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		ks, err := m.history.Klines(ctx, sym, g, time.Time{}, time.Time{}, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s %s: %w", sym, g, err))
			continue
		}
		if err := m.save(ctx, ks); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Maintenance) save(ctx context.Context, ks []market.Kline) error {
	for _, k := range ks {
		if err := m.klines.SaveKline(ctx, k); err != nil {
			return fmt.Errorf("save %s: %w", k.Key(), err)
		}
	}
	return nil
}

// backfillGaps pages each gap's window for every granularity. A gap is
// resolved only when all of its pages were stored.
func (m *Maintenance) backfillGaps(ctx context.Context) error {
	gaps, err := m.gaps.PendingGaps(ctx)
	if err != nil {
		return fmt.Errorf("pending gaps: %w", err)
	}

	var errs []error
	for _, gap := range gaps {
		n := 0
		var failed error
		for _, g := range []market.Granularity{market.Minute, market.Hour} {
			got, err := m.fetchRange(ctx, gap.Symbol, g, g.IntervalStart(gap.From), gap.To)
			n += got
			if err != nil {
				failed = fmt.Errorf("backfill %s %s: %w", gap.Symbol, g, err)
				break
			}
		}
		if failed != nil {
			errs = append(errs, failed)
			continue
		}
		if err := m.gaps.ResolveGap(ctx, gap); err != nil {
			errs = append(errs, err)
			continue
		}
		m.log.Info("gap backfilled",
			zap.String("symbol", gap.Symbol),
			zap.Time("from", gap.From),
			zap.Time("to", gap.To),
			zap.Int("klines", n))
	}
	return errors.Join(errs...)
}

func (m *Maintenance) fetchRange(ctx context.Context, symbol string, g market.Granularity, from, to time.Time) (int, error) {
	n := 0
	for from.Before(to) {
		ks, err := m.history.Klines(ctx, symbol, g, from, to, m.cfg.BootstrapLimit)
		if err != nil {
			return n, err
		}
		if len(ks) == 0 {
			return n, nil
		}
		if err := m.save(ctx, ks); err != nil {
			return n, err
		}
		n += len(ks)

		next := ks[len(ks)-1].End
		if !next.After(from) {
			return n, nil
		}
		from = next
	}
	return n, nil
}

// ---------------- Housekeeping ----------------

// Retention drops minute and hour klines past their windows, then prunes
// delivered outbox entries.
func (m *Maintenance) Retention(ctx context.Context) error {
	now := m.now()
	var errs []error
	for _, r := range []struct {
		g   market.Granularity
		ttl time.Duration
	}{
		{market.Minute, m.cfg.MinuteRetention},
		{market.Hour, m.cfg.HourRetention},
	} {
		n, err := m.klines.DeleteKlinesBefore(ctx, r.g, now.Add(-r.ttl))
		if err != nil {
			errs = append(errs, fmt.Errorf("retention %s: %w", r.g, err))
			continue
		}
		m.log.Info("klines expired", zap.Stringer("interval", r.g), zap.Int("deleted", n))
	}

	if m.Outbox != nil {
		n, err := m.Outbox.Prune(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("outbox prune: %w", err))
		} else if n > 0 {
			m.log.Info("outbox pruned", zap.Int("deleted", n))
		}
	}
	return errors.Join(errs...)
}

// CompactJournal removes journal segments every record of which is already
// reflected in the store.
func (m *Maintenance) CompactJournal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq := m.Watermark.Durable()
	removed, err := m.Journal.TruncateBefore(seq)
	if err != nil {
		return fmt.Errorf("journal compaction at %d: %w", seq, err)
	}
	m.log.Info("journal compacted", zap.Uint64("watermark", seq), zap.Int("segments", removed))
	return nil
}
