package dispatcher

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
	"bourse/infra/backoff"
	"bourse/infra/kafka"
	"bourse/infra/store"
	"bourse/snapshot"
)

// calls records the order of externally visible effects.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
}

func (c *calls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeQueue struct {
	ch    chan kafka.Delivery
	calls *calls
	mu    sync.Mutex
	acked []int64
	next  int64
}

func newQueue(c *calls) *fakeQueue {
	return &fakeQueue{ch: make(chan kafka.Delivery, 64), calls: c}
}

func (q *fakeQueue) push(key string, value []byte) {
	q.mu.Lock()
	off := q.next
	q.next++
	q.mu.Unlock()
	q.ch <- kafka.Delivery{Topic: "match.events", Offset: off, Key: []byte(key), Value: value}
}

func (q *fakeQueue) pushEvent(t *testing.T, ev matching.Event) {
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	q.push(ev.Symbol, b)
}

func (q *fakeQueue) Fetch(ctx context.Context) (kafka.Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return kafka.Delivery{}, ctx.Err()
	}
}

func (q *fakeQueue) Ack(_ context.Context, d kafka.Delivery) error {
	q.mu.Lock()
	q.acked = append(q.acked, d.Offset)
	q.mu.Unlock()
	q.calls.add("ack")
	return nil
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

type fakeDLQ struct {
	calls *calls
	mu    sync.Mutex
	recs  []store.DeadLetter
}

func (f *fakeDLQ) Publish(_ context.Context, _ string, payload []byte) error {
	var rec store.DeadLetter
	if err := json.Unmarshal(payload, &rec); err != nil {
		return err
	}
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	f.calls.add("dlq")
	return nil
}

func (f *fakeDLQ) records() []store.DeadLetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DeadLetter(nil), f.recs...)
}

type recorder struct {
	mu     sync.Mutex
	trades []matching.Trade
	deltas [][]orderbook.LevelChange
}

func (r *recorder) PublishTrades(_ string, trades []matching.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, trades...)
	r.mu.Unlock()
}

func (r *recorder) PublishDepthDelta(_ string, _ uint64, changes []orderbook.LevelChange) {
	r.mu.Lock()
	r.deltas = append(r.deltas, changes)
	r.mu.Unlock()
}

func (r *recorder) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

// flakyStore injects commit failures and a corrupt resting set.
type flakyStore struct {
	*store.Store
	mu        sync.Mutex
	commitErr error
	commits   int
	resting   []*orderbook.Order
}

func (f *flakyStore) CommitMatch(ctx context.Context, c store.Commit) error {
	f.mu.Lock()
	f.commits++
	err := f.commitErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.CommitMatch(ctx, c)
}

func (f *flakyStore) LoadResting(ctx context.Context, symbol string) ([]*orderbook.Order, uint64, error) {
	f.mu.Lock()
	override := f.resting
	f.mu.Unlock()
	if override != nil {
		return override, 0, nil
	}
	return f.Store.LoadResting(ctx, symbol)
}

func (f *flakyStore) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

type harness struct {
	d     *Dispatcher
	q     *fakeQueue
	dlq   *fakeDLQ
	pub   *recorder
	st    *flakyStore
	depth *snapshot.Registry
	calls *calls
}

func start(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open("bourse", store.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := &calls{}
	h := &harness{
		q:     newQueue(c),
		dlq:   &fakeDLQ{calls: c},
		pub:   &recorder{},
		st:    &flakyStore{Store: st},
		depth: snapshot.NewRegistry(),
		calls: c,
	}
	h.d = New(Config{
		MaxAttempts: 5,
		Backoff:     backoff.Config{Initial: time.Millisecond, Max: 4 * time.Millisecond},
		LaneBuffer:  16,
		DepthLevels: 10,
	}, h.q, h.st, h.dlq, h.pub, h.depth, matching.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.d.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) order(t *testing.T, id string, side orderbook.Side, otype orderbook.OrderType, price, qty string, seq uint64) matching.Event {
	t.Helper()
	o := &orderbook.Order{
		ID: id, Symbol: "BTCUSDT", Side: side, Type: otype,
		Quantity: decimal.RequireFromString(qty), Status: orderbook.StatusNew, Seq: seq,
	}
	if price != "" {
		o.Price = decimal.RequireFromString(price)
	}
	require.NoError(t, h.st.PutOrder(context.Background(), o))
	return matching.NewEvent("BTCUSDT", id, matching.ActionMatch, time.Now())
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestMatchCommitsThenAcks(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	h.q.pushEvent(t, h.order(t, "maker", orderbook.Sell, orderbook.Limit, "100", "2", 1))
	h.q.pushEvent(t, h.order(t, "taker", orderbook.Buy, orderbook.Limit, "101", "1", 2))
	eventually(t, func() bool { return h.q.ackCount() == 2 })

	trades, err := h.st.Trades(ctx, "BTCUSDT", 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, uint64(1), trades[0].Seq)

	maker, err := h.st.GetOrder(ctx, "maker")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusPartiallyFilled, maker.Status)
	taker, err := h.st.GetOrder(ctx, "taker")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusFilled, taker.Status)

	snap, ok := h.depth.Get("BTCUSDT")
	require.True(t, ok)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Quantity.Equal(decimal.NewFromInt(1)))
	assert.Empty(t, snap.Bids)

	h.pub.mu.Lock()
	last := h.pub.deltas[len(h.pub.deltas)-1]
	h.pub.mu.Unlock()
	require.Len(t, last, 2)
	assert.Equal(t, orderbook.Buy, last[0].Side)
	assert.True(t, last[0].Quantity.IsZero())
	assert.Equal(t, orderbook.Sell, last[1].Side)
	assert.True(t, last[1].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	h := start(t)

	h.q.pushEvent(t, h.order(t, "maker", orderbook.Sell, orderbook.Limit, "100", "5", 1))
	taker := h.order(t, "taker", orderbook.Buy, orderbook.Limit, "100", "2", 2)
	h.q.pushEvent(t, taker)
	h.q.pushEvent(t, taker)
	taker.Attempt = 3
	h.q.pushEvent(t, taker)
	eventually(t, func() bool { return h.q.ackCount() == 4 })

	trades, err := h.st.Trades(context.Background(), "BTCUSDT", 0, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 1, h.pub.tradeCount())

	maker, err := h.st.GetOrder(context.Background(), "maker")
	require.NoError(t, err)
	assert.True(t, maker.Filled.Equal(decimal.NewFromInt(2)), "no double decrement")
}

func TestDeadLetterAfterMaxAttemptsWithNoEarlierAck(t *testing.T) {
	h := start(t)
	h.st.commitErr = errors.New("disk on fire")

	h.q.pushEvent(t, h.order(t, "o1", orderbook.Sell, orderbook.Limit, "100", "1", 1))
	eventually(t, func() bool { return h.q.ackCount() == 1 })

	assert.Equal(t, []string{"dlq", "ack"}, h.calls.snapshot())
	assert.Equal(t, 5, h.st.commitCount())

	recs := h.dlq.records()
	require.Len(t, recs, 1)
	assert.Equal(t, 5, recs[0].Attempts)
	assert.Contains(t, recs[0].Reason, "disk on fire")
	assert.False(t, recs[0].FirstFailure.After(recs[0].LastFailure))

	local, err := h.st.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, local, 1)

	// the lane keeps going
	h.st.mu.Lock()
	h.st.commitErr = nil
	h.st.mu.Unlock()
	h.q.pushEvent(t, h.order(t, "o2", orderbook.Sell, orderbook.Limit, "100", "1", 2))
	eventually(t, func() bool { return h.q.ackCount() == 2 })
}

func TestAttemptsCountFromPayload(t *testing.T) {
	h := start(t)
	h.st.commitErr = errors.New("down")

	ev := h.order(t, "o1", orderbook.Sell, orderbook.Limit, "100", "1", 1)
	ev.Attempt = 3
	h.q.pushEvent(t, ev)
	eventually(t, func() bool { return h.q.ackCount() == 1 })
	assert.Equal(t, 2, h.st.commitCount())
}

func TestCorruptPayloadDeadLetteredImmediately(t *testing.T) {
	h := start(t)

	h.q.push("BTCUSDT", []byte(`{"symbol":`))
	h.q.push("BTCUSDT", []byte(`{"symbol":"BTCUSDT","attempt":0}`))
	eventually(t, func() bool { return h.q.ackCount() == 2 })

	recs := h.dlq.records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, `{"symbol":`, recs[0].OriginalPayload)
	assert.Zero(t, h.st.commitCount())
}

func TestUnknownOrderDeadLetteredWithoutRetry(t *testing.T) {
	h := start(t)

	h.q.pushEvent(t, matching.NewEvent("BTCUSDT", "ghost", matching.ActionMatch, time.Now()))
	eventually(t, func() bool { return h.q.ackCount() == 1 })

	assert.Equal(t, []string{"dlq", "ack"}, h.calls.snapshot())
	recs := h.dlq.records()
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Contains(t, recs[0].Reason, "ghost")
	assert.Zero(t, h.st.commitCount())

	// the lane keeps going
	h.q.pushEvent(t, h.order(t, "real", orderbook.Sell, orderbook.Limit, "100", "1", 1))
	eventually(t, func() bool { return h.q.ackCount() == 2 })
	assert.Len(t, h.dlq.records(), 1)
}

func TestInvalidOrderIsRejectedAndAcked(t *testing.T) {
	h := start(t)
	ev := h.order(t, "bad", orderbook.Buy, orderbook.Market, "5", "1", 1)
	h.q.pushEvent(t, ev)
	eventually(t, func() bool { return h.q.ackCount() == 1 })

	o, err := h.st.GetOrder(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusRejected, o.Status)
	assert.Empty(t, h.dlq.records())
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	h.q.pushEvent(t, h.order(t, "rest", orderbook.Buy, orderbook.Limit, "99", "1", 1))
	h.q.pushEvent(t, matching.NewEvent("BTCUSDT", "rest", matching.ActionCancel, time.Now()))
	h.q.pushEvent(t, matching.NewEvent("BTCUSDT", "rest", matching.ActionCancel, time.Now()))
	eventually(t, func() bool { return h.q.ackCount() == 3 })

	o, err := h.st.GetOrder(ctx, "rest")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, o.Status)

	resting, _, err := h.st.LoadResting(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, resting)
}

func TestSymbolsProcessIndependentlyInOrder(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	for i, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		for j, tc := range []struct {
			id    string
			side  orderbook.Side
			price string
		}{
			{"ask", orderbook.Sell, "10"},
			{"bid", orderbook.Buy, "10"},
		} {
			id := sym + "-" + tc.id
			require.NoError(t, h.st.PutOrder(ctx, &orderbook.Order{
				ID: id, Symbol: sym, Side: tc.side, Type: orderbook.Limit,
				Price: decimal.RequireFromString(tc.price), Quantity: decimal.NewFromInt(1),
				Status: orderbook.StatusNew, Seq: uint64(i*2 + j + 1),
			}))
			h.q.pushEvent(t, matching.NewEvent(sym, id, matching.ActionMatch, time.Now()))
		}
	}
	eventually(t, func() bool { return h.q.ackCount() == 4 })

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		trades, err := h.st.Trades(ctx, sym, 0, 0)
		require.NoError(t, err)
		require.Len(t, trades, 1, sym)
		assert.Equal(t, sym+"-bid", trades[0].TakerOrderID)
		assert.Equal(t, sym+"-ask", trades[0].MakerOrderID)
	}
}

func TestInvariantViolationPausesUntilResume(t *testing.T) {
	h := start(t)
	d := decimal.RequireFromString
	h.st.resting = []*orderbook.Order{
		{ID: "x-bid", Symbol: "BTCUSDT", Side: orderbook.Buy, Type: orderbook.Limit, Price: d("101"), Quantity: d("1"), Status: orderbook.StatusNew, Seq: 1},
		{ID: "x-ask", Symbol: "BTCUSDT", Side: orderbook.Sell, Type: orderbook.Limit, Price: d("100"), Quantity: d("1"), Status: orderbook.StatusNew, Seq: 2},
	}

	h.q.pushEvent(t, h.order(t, "far", orderbook.Sell, orderbook.Limit, "200", "1", 3))
	eventually(t, func() bool { return len(h.d.Paused()) == 1 })
	h.q.pushEvent(t, h.order(t, "next", orderbook.Sell, orderbook.Limit, "201", "1", 4))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.q.ackCount())
	assert.Equal(t, []string{"BTCUSDT"}, h.d.Paused())

	h.st.mu.Lock()
	h.st.resting = nil
	h.st.mu.Unlock()
	require.NoError(t, h.d.Resume("BTCUSDT"))
	eventually(t, func() bool { return h.q.ackCount() == 2 })
	assert.Empty(t, h.d.Paused())

	assert.ErrorIs(t, h.d.Resume("DOGEUSDT"), ErrUnknownLane)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"symbol":"BTCUSDT","orderId":"a","attempt":2}`))
	require.NoError(t, err)
	assert.Equal(t, matching.ActionMatch, ev.Kind())
	assert.Equal(t, "a/match", ev.Key())

	for _, raw := range []string{
		`[]`,
		`{"symbol":"BTCUSDT","orderId":"a","attempt":-1}`,
		`{"symbol":"BTCUSDT","orderId":"a","action":"amend"}`,
		`{"orderId":"a"}`,
	} {
		_, err := DecodeEvent([]byte(raw))
		assert.ErrorIs(t, err, matching.ErrCorruptEvent, raw)
	}
}
