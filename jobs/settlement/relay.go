// Package settlement relays committed trades from the store outbox to the
// settlement topic. Delivery is at-least-once; consumers dedupe by trade id.
package settlement

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"bourse/infra/backoff"
	"bourse/infra/kafka"
	"bourse/infra/metrics"
	"bourse/infra/store"
)

// Outbox is the slice of the store the relay drives.
type Outbox interface {
	ScanOutbox(ctx context.Context, fn func(store.OutboxEntry) error, states ...store.OutboxState) error
	UpdateOutbox(ctx context.Context, e store.OutboxEntry, state store.OutboxState, retries uint32) error
	DeleteOutbox(ctx context.Context, tradeID string) error
}

type Config struct {
	Topic    string
	Interval time.Duration
	// Backoff spaces out retries of a FAILED entry by its retry count.
	Backoff backoff.Config
}

type Relay struct {
	cfg      Config
	outbox   Outbox
	producer sarama.SyncProducer
	log      *zap.Logger
	now      func() time.Time
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(cfg Config, outbox Outbox, brokers []string, log *zap.Logger) (*Relay, error) {
	producer, err := sarama.NewSyncProducer(brokers, kafka.SyncProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewWith(cfg, outbox, producer, log), nil
}

func NewWith(cfg Config, outbox Outbox, producer sarama.SyncProducer, log *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.Config{Initial: time.Second, Max: time.Minute}
	}
	return &Relay{
		cfg:      cfg,
		outbox:   outbox,
		producer: producer,
		log:      log.Named("settlement"),
		now:      time.Now,
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run relays on every tick until ctx is done, then makes one last pass.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("settlement relay started", zap.String("topic", r.cfg.Topic))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := r.RelayOnce(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("final relay pass", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.log.Warn("relay pass", zap.Error(err))
			}
		}
	}
}

// ------------------------------------------------
// RELAY PASS
// ------------------------------------------------

// RelayOnce sends every deliverable entry and reports how many were acked.
// A SENT entry seen here was interrupted by a crash mid-delivery and is sent
// again.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var due []store.OutboxEntry
	err := r.outbox.ScanOutbox(ctx, func(e store.OutboxEntry) error {
		if e.State == store.OutboxFailed && !r.retryDue(e) {
			return nil
		}
		due = append(due, e)
		return nil
	}, store.OutboxNew, store.OutboxFailed, store.OutboxSent)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return acked, err
		}
		if r.deliver(ctx, e) {
			acked++
		}
	}
	return acked, nil
}

func (r *Relay) retryDue(e store.OutboxEntry) bool {
	wait := r.cfg.Backoff.Delay(int(e.Retries))
	return r.now().Sub(time.Unix(0, e.LastAttempt)) >= wait
}

func (r *Relay) deliver(ctx context.Context, e store.OutboxEntry) bool {
	log := r.log.With(zap.String("trade", e.TradeID), zap.String("symbol", e.Symbol))

	// 1. mark SENT before the send so a crash leaves a visible in-flight entry
	if err := r.outbox.UpdateOutbox(ctx, e, store.OutboxSent, e.Retries); err != nil {
		log.Error("mark sent", zap.Error(err))
		return false
	}

	// 2. publish keyed by symbol
	_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.cfg.Topic,
		Key:   sarama.StringEncoder(e.Symbol),
		Value: sarama.ByteEncoder(e.Payload),
	})
	if err != nil {
		metrics.OutboxRelayed.WithLabelValues("failed").Inc()
		log.Warn("settlement send failed", zap.Uint32("retries", e.Retries+1), zap.Error(err))
		if err := r.outbox.UpdateOutbox(ctx, e, store.OutboxFailed, e.Retries+1); err != nil {
			log.Error("mark failed", zap.Error(err))
		}
		return false
	}

	// 3. ACKED
	metrics.OutboxRelayed.WithLabelValues("acked").Inc()
	if err := r.outbox.UpdateOutbox(ctx, e, store.OutboxAcked, e.Retries); err != nil {
		log.Error("mark acked", zap.Error(err))
	}
	return true
}

// Prune deletes ACKED entries. The scheduler runs it with retention.
func (r *Relay) Prune(ctx context.Context) (int, error) {
	var ids []string
	err := r.outbox.ScanOutbox(ctx, func(e store.OutboxEntry) error {
		ids = append(ids, e.TradeID)
		return nil
	}, store.OutboxAcked)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := r.outbox.DeleteOutbox(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (r *Relay) Close() error {
	return r.producer.Close()
}
