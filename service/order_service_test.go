package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/journal"
	"bourse/infra/sequence"
	"bourse/infra/store"
)

type sent struct {
	key string
	ev  matching.Event
}

type fakeQueue struct {
	mu   sync.Mutex
	out  []sent
	fail error
}

func (q *fakeQueue) Send(_ context.Context, key, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	var ev matching.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	q.out = append(q.out, sent{key: string(key), ev: ev})
	return nil
}

type fixture struct {
	svc   *OrderService
	store *store.Store
	queue *fakeQueue
	j     *journal.Journal
	dir   string
	seq   *sequence.Sequencer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("bourse", store.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	j, err := journal.Open(journal.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	f := &fixture{store: st, queue: &fakeQueue{}, j: j, dir: dir, seq: sequence.New(0)}
	f.svc = NewOrderService(f.seq, j, st, f.queue, []string{"BTCUSDT", "ETHUSDT"}, zap.NewNop())
	return f
}

func TestSubmitStoresJournalsAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "100.5", Quantity: "2"})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, uint64(1), o.Seq)
	assert.Equal(t, orderbook.StatusNew, o.Status)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Price.Equal(decimal.RequireFromString("100.5")))

	require.Len(t, f.queue.out, 1)
	assert.Equal(t, "BTCUSDT", f.queue.out[0].key)
	assert.Equal(t, o.ID, f.queue.out[0].ev.OrderID)
	assert.Equal(t, matching.ActionMatch, f.queue.out[0].ev.Kind())
	assert.Zero(t, f.queue.out[0].ev.Attempt)

	var records int
	_, err = journal.Replay(f.dir, func(r *journal.Record) error {
		records++
		assert.Equal(t, journal.RecordSubmit, r.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, records)
	assert.Equal(t, uint64(1), f.svc.Durable())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Request{
		"unknown symbol":     {Symbol: "DOGEUSDT", Side: "buy", Type: "limit", Price: "1", Quantity: "1"},
		"lowercase symbol":   {Symbol: "btcusdt", Side: "buy", Type: "limit", Price: "1", Quantity: "1"},
		"bad side":           {Symbol: "BTCUSDT", Side: "long", Type: "limit", Price: "1", Quantity: "1"},
		"zero quantity":      {Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "1", Quantity: "0"},
		"negative price":     {Symbol: "BTCUSDT", Side: "sell", Type: "limit", Price: "-1", Quantity: "1"},
		"limit without px":   {Symbol: "BTCUSDT", Side: "sell", Type: "limit", Quantity: "1"},
		"market with price":  {Symbol: "BTCUSDT", Side: "sell", Type: "market", Price: "5", Quantity: "1"},
		"non numeric amount": {Symbol: "BTCUSDT", Side: "sell", Type: "market", Quantity: "lots"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.queue.out)
	assert.Zero(t, f.seq.Current())
}

// gatedQueue holds the first Send until release is closed.
type gatedQueue struct {
	fakeQueue
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (q *gatedQueue) Send(ctx context.Context, key, value []byte) error {
	first := false
	q.once.Do(func() { first = true })
	if first {
		close(q.entered)
		<-q.release
	}
	return q.fakeQueue.Send(ctx, key, value)
}

func (q *fakeQueue) sent() []sent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]sent(nil), q.out...)
}

// rejectFailStore fails every PutOrder after the first.
type rejectFailStore struct {
	*store.Store
	mu   sync.Mutex
	puts int
}

func (r *rejectFailStore) PutOrder(ctx context.Context, o *orderbook.Order) error {
	r.mu.Lock()
	r.puts++
	n := r.puts
	r.mu.Unlock()
	if n > 1 {
		return errors.New("disk full")
	}
	return r.Store.PutOrder(ctx, o)
}

func journalEntries(t *testing.T, dir string) ([]journal.RecordType, []intent) {
	t.Helper()
	var (
		types   []journal.RecordType
		intents []intent
	)
	_, err := journal.Replay(dir, func(r *journal.Record) error {
		var in intent
		require.NoError(t, json.Unmarshal(r.Data, &in))
		types = append(types, r.Type)
		intents = append(intents, in)
		return nil
	})
	require.NoError(t, err)
	return types, intents
}

func TestSubmitQueueFailureRejectsAndIsNotReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queue.fail = errors.New("broker down")

	_, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "10", Quantity: "1"})
	require.Error(t, err)

	types, intents := journalEntries(t, f.dir)
	require.Equal(t, []journal.RecordType{journal.RecordSubmit, journal.RecordAbort}, types)
	assert.Equal(t, uint64(1), intents[1].Aborts)
	id := intents[0].OrderID

	stored, err := f.store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusRejected, stored.Status)
	assert.Equal(t, uint64(2), f.svc.Durable())

	// restart over the same store and journal
	q := &fakeQueue{}
	svc := NewOrderService(sequence.New(0), f.j, f.store, q, []string{"BTCUSDT"}, zap.NewNop())
	stats, err := svc.ReplayJournal(ctx, f.dir, f.j)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Aborted)
	assert.Zero(t, stats.Requeued)
	assert.Empty(t, q.out)

	assert.ErrorIs(t, f.svc.Cancel(ctx, "BTCUSDT", id), ErrOrderClosed)
}

func TestLostRejectionIsSettledOnReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queue.fail = errors.New("broker down")
	f.svc.store = &rejectFailStore{Store: f.store}

	_, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "sell", Type: "limit", Price: "10", Quantity: "1"})
	require.Error(t, err)

	_, intents := journalEntries(t, f.dir)
	require.Len(t, intents, 2)
	stored, err := f.store.GetOrder(ctx, intents[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusNew, stored.Status)
	assert.Zero(t, f.svc.Durable(), "journal must keep the unsettled intent")

	q := &fakeQueue{}
	svc := NewOrderService(sequence.New(0), f.j, f.store, q, []string{"BTCUSDT"}, zap.NewNop())
	stats, err := svc.ReplayJournal(ctx, f.dir, f.j)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Aborted)
	assert.Empty(t, q.out)

	stored, err = f.store.GetOrder(ctx, intents[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusRejected, stored.Status)
}

func TestStoreFailureAbortsWithoutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.store = &rejectFailStore{Store: f.store, puts: 1}

	_, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "sell", Type: "market", Quantity: "1"})
	require.ErrorContains(t, err, "disk full")
	assert.Empty(t, f.queue.out)

	types, intents := journalEntries(t, f.dir)
	require.Equal(t, []journal.RecordType{journal.RecordSubmit, journal.RecordAbort}, types)
	_, err = f.store.GetOrder(ctx, intents[0].OrderID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, uint64(2), f.svc.Durable())
}

func TestSubmitsReachQueueInSequenceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := &gatedQueue{entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.queue = q

	btc := Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "10", Quantity: "1"}
	var wg sync.WaitGroup
	submit := func() {
		defer wg.Done()
		_, err := f.svc.Submit(ctx, btc)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go submit()
	<-q.entered
	wg.Add(1)
	go submit()

	// another symbol is not held up by the blocked one
	_, err := f.svc.Submit(ctx, Request{Symbol: "ETHUSDT", Side: "sell", Type: "limit", Price: "5", Quantity: "1"})
	require.NoError(t, err)
	require.Len(t, q.sent(), 1)

	assert.Never(t, func() bool { return len(q.sent()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(q.release)
	wg.Wait()

	var seqs []uint64
	for _, m := range q.sent() {
		if m.key != "BTCUSDT" {
			continue
		}
		o, err := f.store.GetOrder(ctx, m.ev.OrderID)
		require.NoError(t, err)
		seqs = append(seqs, o.Seq)
	}
	require.Len(t, seqs, 2)
	assert.Less(t, seqs[0], seqs[1])
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Cancel(ctx, "BTCUSDT", "nope"), ErrUnknownOrder)

	o, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "sell", Type: "limit", Price: "10", Quantity: "1"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "ETHUSDT", o.ID), ErrInvalidRequest)

	require.NoError(t, f.svc.Cancel(ctx, "BTCUSDT", o.ID))
	require.Len(t, f.queue.out, 2)
	assert.Equal(t, matching.ActionCancel, f.queue.out[1].ev.Kind())

	o.Status = orderbook.StatusFilled
	require.NoError(t, f.store.PutOrder(ctx, o))
	assert.ErrorIs(t, f.svc.Cancel(ctx, "BTCUSDT", o.ID), ErrOrderClosed)
}

func TestReplayJournalRequeuesUnprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "1", Quantity: "1"})
	require.NoError(t, err)
	b, err := f.svc.Submit(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: "2", Quantity: "1"})
	require.NoError(t, err)
	require.NoError(t, f.store.CommitMatch(ctx, store.Commit{Symbol: "BTCUSDT", EventKey: a.ID + "/match", Orders: []*orderbook.Order{a}}))

	// restart: fresh store without b, fresh sequencer
	fresh, err := store.Open("bourse", store.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })
	require.NoError(t, fresh.CommitMatch(ctx, store.Commit{Symbol: "BTCUSDT", EventKey: a.ID + "/match", Orders: []*orderbook.Order{a}}))

	q := &fakeQueue{}
	seq := sequence.New(0)
	svc := NewOrderService(seq, f.j, fresh, q, []string{"BTCUSDT"}, zap.NewNop())

	stats, err := svc.ReplayJournal(ctx, f.dir, f.j)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, uint64(2), stats.LastSeq)
	assert.Equal(t, uint64(2), seq.Current())

	require.Len(t, q.out, 1)
	assert.Equal(t, b.ID, q.out[0].ev.OrderID)
	restored, err := fresh.GetOrder(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restored.Seq)
	assert.Equal(t, orderbook.StatusNew, restored.Status)

	// journal keeps rejecting reused sequences
	assert.ErrorIs(t, f.j.Append(journal.NewRecord(journal.RecordSubmit, 2, nil)), journal.ErrNonMonotone)
}

func TestRecoverBookKeepsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := decimal.RequireFromString

	for i, id := range []string{"first", "second"} {
		o := &orderbook.Order{
			ID: id, Symbol: "BTCUSDT", Side: orderbook.Sell, Type: orderbook.Limit,
			Price: d("100"), Quantity: d("1"), Status: orderbook.StatusNew, Seq: uint64(i + 1),
		}
		require.NoError(t, f.store.CommitMatch(ctx, store.Commit{Symbol: "BTCUSDT", EventKey: id, Orders: []*orderbook.Order{o}}))
	}

	book, err := RecoverBook(ctx, f.store, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, book.Len())
	assert.Equal(t, "first", book.BestAsk().Head().ID)
}
