package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bourse/api/grpcserver"
	"bourse/api/httpserver"
	"bourse/broadcast"
	"bourse/config"
	"bourse/dispatcher"
	"bourse/domain/market"
	"bourse/domain/matching"
	"bourse/infra/backoff"
	"bourse/infra/journal"
	"bourse/infra/kafka"
	"bourse/infra/logging"
	"bourse/infra/postgres"
	"bourse/infra/sequence"
	"bourse/infra/store"
	"bourse/jobs/settlement"
	"bourse/kline"
	"bourse/marketdata"
	"bourse/scheduler"
	"bourse/service"
	"bourse/snapshot"
)

// klineStore is satisfied by both the embedded store and postgres.
type klineStore interface {
	kline.Store
	scheduler.KlineStore
	httpserver.KlineReader
	LastCloses(ctx context.Context, symbols []string, g market.Granularity) (map[string]decimal.Decimal, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bourse exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("bourse stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// ---------------- Stores ----------------

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var klines klineStore = st
	if cfg.Postgres.Enabled() {
		db, err := postgres.Open(ctx, cfg.Postgres.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
		repo := postgres.NewKlineRepository(db, postgres.DefaultTable)
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate klines: %w", err)
		}
		klines = repo
		log.Info("klines stored in postgres", zap.String("dsn", cfg.Postgres.DSNWithoutPassword()))
	}

	// ---------------- Journal + Sequencer ----------------

	j, err := journal.Open(journal.Config{
		Dir:            cfg.Journal.Dir,
		SegmentSize:    cfg.Journal.SegmentSize,
		SyncEveryWrite: true,
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()
	seq := sequence.New(0)

	// ---------------- Kafka ----------------

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.MatchTopic)
	defer producer.Close()
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.MatchTopic, cfg.Kafka.GroupID)
	defer consumer.Close()
	dlq, err := kafka.NewDeadLetterProducer(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
	if err != nil {
		return fmt.Errorf("dead letter producer: %w", err)
	}
	defer dlq.Close()

	// ---------------- Intake + replay ----------------

	svc := service.NewOrderService(seq, j, st, producer, cfg.Symbols, log)
	stats, err := svc.ReplayJournal(ctx, cfg.Journal.Dir, j)
	if err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}
	log.Info("journal replayed",
		zap.Uint64("lastSeq", stats.LastSeq),
		zap.Int("records", stats.Records),
		zap.Int("requeued", stats.Requeued),
		zap.Int("aborted", stats.Aborted))

	// ---------------- Matching ----------------

	policy, err := matching.ParseMarketRemainderPolicy(cfg.Dispatcher.MarketRemainder)
	if err != nil {
		return err
	}
	engine := matching.New(matching.WithMarketRemainderPolicy(policy))
	bc := broadcast.New(cfg.Broadcast.SubscriberBuffer, log)
	depth := snapshot.NewRegistry()

	disp := dispatcher.New(dispatcher.Config{
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Backoff: backoff.Config{
			Initial: cfg.Dispatcher.InitialBackoff,
			Max:     cfg.Dispatcher.MaxBackoff,
			Jitter:  0.2,
		},
		LaneBuffer:  cfg.Dispatcher.LaneBuffer,
		DepthLevels: cfg.Dispatcher.DepthLevels,
	}, consumer, st, dlq, bc, depth, engine, log)
	disp.Warm(ctx, cfg.Symbols)

	// ---------------- Market data ----------------

	intervals := make([]market.Granularity, 0, len(cfg.Kline.Intervals))
	for _, v := range cfg.Kline.Intervals {
		g, err := market.ParseGranularity(v)
		if err != nil {
			return err
		}
		intervals = append(intervals, g)
	}
	agg := kline.New(kline.Config{
		Intervals:     intervals,
		SweepInterval: cfg.Kline.SweepInterval,
		MaxFlatFill:   cfg.Kline.MaxFlatFill,
	}, klines, bc, log)
	for _, g := range intervals {
		closes, err := klines.LastCloses(ctx, cfg.Symbols, g)
		if err != nil {
			log.Warn("seed last closes", zap.Stringer("interval", g), zap.Error(err))
			continue
		}
		agg.Seed(g, closes)
	}

	supply := make(map[string]decimal.Decimal, len(cfg.Feed.Supply))
	for sym, v := range cfg.Feed.Supply {
		supply[sym] = decimal.RequireFromString(v)
	}
	ing := marketdata.NewIngestor(marketdata.Config{
		URL:     cfg.Feed.URL,
		Symbols: cfg.Symbols,
		Backoff: backoff.Config{
			Initial: cfg.Feed.InitialBackoff,
			Max:     cfg.Feed.MaxBackoff,
			Jitter:  0.1,
		},
		ReadTimeout:  cfg.Feed.ReadTimeout,
		PingInterval: cfg.Feed.PingInterval,
		Supply:       supply,
	}, agg, bc, st, log)
	history := marketdata.NewHistoryClient(cfg.Feed.RestURL, 10*time.Second)

	// ---------------- Settlement + Scheduler ----------------

	relay, err := settlement.New(settlement.Config{
		Topic:    cfg.Kafka.SettlementTopic,
		Interval: cfg.Scheduler.OutboxInterval,
	}, st, cfg.Kafka.Brokers, log)
	if err != nil {
		return fmt.Errorf("settlement producer: %w", err)
	}
	defer relay.Close()

	maint := scheduler.NewMaintenance(scheduler.Config{
		Symbols:         cfg.Symbols,
		FetchLimit:      cfg.Scheduler.FetchLimit,
		BootstrapLimit:  cfg.Scheduler.BootstrapLimit,
		BootstrapDelay:  cfg.Scheduler.BootstrapDelay,
		MinuteRetention: cfg.Scheduler.MinuteRetention,
		HourRetention:   cfg.Scheduler.HourRetention,
	}, history, klines, st, log)
	maint.Journal, maint.Watermark, maint.Outbox = j, svc, relay
	sched := scheduler.New(log, maint.Jobs()...)

	// ---------------- Servers ----------------

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(svc, depth, log))

	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	router := httpserver.NewRouter(httpserver.Dependencies{
		Stream:      broadcast.NewHandler(bc, cfg.Broadcast.WriteTimeout, log),
		Klines:      klines,
		Depth:       depth,
		Lanes:       disp,
		Feed:        ing,
		Subscribers: bc,
	}, log)
	httpSrv := httpserver.NewServer(cfg.Server.HTTPAddr, router, cfg.Server.ShutdownTimeout, log)

	// ---------------- Run ----------------

	log.Info("bourse running",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("grpc", cfg.Server.GRPCAddr),
		zap.String("http", cfg.Server.HTTPAddr))

	// The relay outlives the matching path so the last commits are shipped.
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(relayCtx) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("dispatcher", disp.Run)
	start("aggregator", agg.Run)
	start("ingestor", ing.Run)
	start("scheduler", sched.Run)
	start("http", func(ctx context.Context) error { return httpSrv.Run(ctx, httpLis) })
	start("grpc", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			grpcSrv.GracefulStop()
		}()
		return grpcSrv.Serve(grpcLis)
	})

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errs:
		log.Error("component failed, shutting down", zap.Error(runErr))
	}
	cancel()
	wg.Wait()

	stopRelay()
	if err := <-relayDone; err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
