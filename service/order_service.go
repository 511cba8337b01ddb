package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/journal"
	"bourse/infra/sequence"
	"bourse/infra/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrOrderClosed    = errors.New("order already closed")
)

type OrderStore interface {
	PutOrder(ctx context.Context, o *orderbook.Order) error
	GetOrder(ctx context.Context, id string) (*orderbook.Order, error)
	Processed(ctx context.Context, eventKey string) (bool, error)
}

type Journal interface {
	Append(r *journal.Record) error
}

// Queue carries match triggers keyed by symbol.
type Queue interface {
	Send(ctx context.Context, key, value []byte) error
}

// Request is an order submission as received from a transport.
type Request struct {
	Symbol   string `json:"symbol" validate:"required,uppercase,max=32"`
	Side     string `json:"side" validate:"required,oneof=buy sell BUY SELL"`
	Type     string `json:"type" validate:"required,oneof=limit market LIMIT MARKET"`
	Price    string `json:"price" validate:"omitempty,numeric"`
	Quantity string `json:"quantity" validate:"required,numeric"`
}

// intent is the journal payload of a submit, cancel or abort.
type intent struct {
	OrderID   string              `json:"orderId"`
	Aborts    uint64              `json:"aborts,omitempty"`
	Symbol    string              `json:"symbol"`
	Side      orderbook.Side      `json:"side,omitempty"`
	Type      orderbook.OrderType `json:"type,omitempty"`
	Price     decimal.Decimal     `json:"price"`
	Quantity  decimal.Decimal     `json:"quantity"`
	CreatedAt time.Time           `json:"createdAt"`
}

type OrderService struct {
	validate *validator.Validate
	seq      *sequence.Sequencer
	journal  Journal
	store    OrderStore
	queue    Queue
	symbols  map[string]struct{}
	log      *zap.Logger
	now      func() time.Time

	// intake serializes a symbol's intents from sequencing to enqueue, so
	// the queue sees them in Seq order.
	intake map[string]*sync.Mutex

	// mu keeps sequence issue and journal append in the same order.
	mu       sync.Mutex
	inflight map[uint64]struct{}
}

func NewOrderService(
	seq *sequence.Sequencer,
	j Journal,
	st OrderStore,
	q Queue,
	symbols []string,
	log *zap.Logger,
) *OrderService {
	set := make(map[string]struct{}, len(symbols))
	intake := make(map[string]*sync.Mutex, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
		intake[s] = &sync.Mutex{}
	}
	return &OrderService{
		validate: validator.New(),
		seq:      seq,
		journal:  j,
		store:    st,
		queue:    q,
		symbols:  set,
		intake:   intake,
		log:      log.Named("intake"),
		now:      time.Now,
		inflight: make(map[uint64]struct{}),
	}
}

// ---------------- Commands ----------------

// Submit accepts an order as NEW and queues it for matching. The returned
// order is the stored state, not the matched one. A submit that fails after
// it was journaled is aborted: the order ends REJECTED and is never matched.
func (s *OrderService) Submit(ctx context.Context, req Request) (*orderbook.Order, error) {
	o, err := s.parse(req)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(intent{
		OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
		Price: o.Price, Quantity: o.Quantity, CreatedAt: o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	unlock := s.lockSymbol(o.Symbol)
	defer unlock()

	seq, err := s.journalIntent(journal.RecordSubmit, data)
	if err != nil {
		return nil, err
	}
	o.Seq = seq

	if err := s.store.PutOrder(ctx, o); err != nil {
		err = fmt.Errorf("store order %s: %w", o.ID, err)
		s.abort(ctx, seq, o, nil, err)
		return nil, err
	}
	if err := s.enqueue(ctx, matching.NewEvent(o.Symbol, o.ID, matching.ActionMatch, o.CreatedAt)); err != nil {
		s.abort(ctx, seq, o, o, err)
		return nil, err
	}
	s.done(seq)

	s.log.Debug("order accepted",
		zap.String("id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Uint64("seq", seq))
	return o, nil
}

// Cancel queues a cancel pass for a live order.
func (s *OrderService) Cancel(ctx context.Context, symbol, orderID string) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if err != nil {
		return err
	}
	if o.Symbol != symbol {
		return fmt.Errorf("%w: order %s is not on %s", ErrInvalidRequest, orderID, symbol)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
	}

	data, err := json.Marshal(intent{OrderID: orderID, Symbol: symbol, CreatedAt: s.now().UTC()})
	if err != nil {
		return err
	}

	unlock := s.lockSymbol(symbol)
	defer unlock()

	seq, err := s.journalIntent(journal.RecordCancel, data)
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, matching.NewEvent(symbol, orderID, matching.ActionCancel, s.now())); err != nil {
		s.abort(ctx, seq, o, nil, err)
		return err
	}
	s.done(seq)
	return nil
}

// abort voids the intent journaled at seq after a later step failed. When
// stored is set the order already exists as NEW and is moved to REJECTED.
// seq stays in flight until the abort is durable, so compaction keeps the
// intent and a replay finishes the job.
func (s *OrderService) abort(ctx context.Context, seq uint64, o, stored *orderbook.Order, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With(zap.String("id", o.ID), zap.Uint64("seq", seq))
	log.Warn("intent failed, aborting", zap.Error(cause))

	data, err := json.Marshal(intent{OrderID: o.ID, Symbol: o.Symbol, Aborts: seq, CreatedAt: s.now().UTC()})
	if err != nil {
		log.Error("encode abort", zap.Error(err))
		return
	}
	abortSeq, err := s.journalIntent(journal.RecordAbort, data)
	if err != nil {
		log.Error("journal abort", zap.Error(err))
		return
	}
	s.done(abortSeq)

	if stored != nil {
		if err := s.reject(ctx, stored); err != nil {
			log.Error("reject aborted order", zap.Error(err))
			return
		}
	}
	s.done(seq)
}

// reject marks an aborted order REJECTED unless a match pass already
// committed it.
func (s *OrderService) reject(ctx context.Context, o *orderbook.Order) error {
	matched, err := s.store.Processed(ctx, matching.NewEvent(o.Symbol, o.ID, matching.ActionMatch, o.CreatedAt).Key())
	if err != nil || matched {
		return err
	}
	rejected := o.Clone()
	rejected.Status = orderbook.StatusRejected
	return s.store.PutOrder(ctx, rejected)
}

func (s *OrderService) lockSymbol(symbol string) func() {
	m, ok := s.intake[symbol]
	if !ok {
		return func() {}
	}
	m.Lock()
	return m.Unlock
}

func (s *OrderService) parse(req Request) (*orderbook.Order, error) {
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, ok := s.symbols[req.Symbol]; !ok {
		return nil, fmt.Errorf("%w: symbol %s not traded", ErrInvalidRequest, req.Symbol)
	}

	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	otype, err := orderbook.ParseOrderType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %q", ErrInvalidRequest, req.Quantity)
	}

	price := decimal.Zero
	switch otype {
	case orderbook.Limit:
		if price, err = decimal.NewFromString(req.Price); err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("%w: limit price %q", ErrInvalidRequest, req.Price)
		}
	case orderbook.Market:
		if req.Price != "" {
			return nil, fmt.Errorf("%w: market order with price", ErrInvalidRequest)
		}
	}

	return &orderbook.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      side,
		Type:      otype,
		Price:     price,
		Quantity:  qty,
		Filled:    decimal.Zero,
		Status:    orderbook.StatusNew,
		CreatedAt: s.now().UTC(),
	}, nil
}

func (s *OrderService) journalIntent(t journal.RecordType, data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq.Next()
	if err := s.journal.Append(journal.NewRecord(t, seq, data)); err != nil {
		return 0, fmt.Errorf("journal %s seq=%d: %w", t, seq, err)
	}
	s.inflight[seq] = struct{}{}
	return seq, nil
}

func (s *OrderService) enqueue(ctx context.Context, ev matching.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.queue.Send(ctx, []byte(ev.Symbol), payload); err != nil {
		return fmt.Errorf("queue %s: %w", ev, err)
	}
	return nil
}

func (s *OrderService) done(seq uint64) {
	s.mu.Lock()
	delete(s.inflight, seq)
	s.mu.Unlock()
}

// ---------------- Queries ----------------

func (s *OrderService) Order(ctx context.Context, id string) (*orderbook.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return o, err
}

// Durable returns the highest sequence below which every intent has been
// stored and queued. Journal segments under it can be dropped.
func (s *OrderService) Durable() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	low := s.seq.Current()
	for seq := range s.inflight {
		if seq-1 < low {
			low = seq - 1
		}
	}
	return low
}
