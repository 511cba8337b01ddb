package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/infra/backoff"
	"bourse/infra/metrics"
	"bourse/infra/store"
)

type sink struct {
	mu      sync.Mutex
	ticks   []market.Tick
	tickers []market.Ticker
	gaps    []store.Gap
}

func (s *sink) OnTick(_ context.Context, t market.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
}

func (s *sink) PublishTicker(t market.Ticker) {
	s.mu.Lock()
	s.tickers = append(s.tickers, t)
	s.mu.Unlock()
}

func (s *sink) RecordGap(_ context.Context, g store.Gap) error {
	s.mu.Lock()
	s.gaps = append(s.gaps, g)
	s.mu.Unlock()
	return nil
}

func (s *sink) counts() (ticks, tickers, gaps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks), len(s.tickers), len(s.gaps)
}

// feedServer serves one scripted session per connection.
type feedServer struct {
	srv      *httptest.Server
	sessions atomic.Int32
	subs     chan map[string]any
}

func newFeedServer(t *testing.T, script func(n int32, conn *websocket.Conn)) *feedServer {
	f := &feedServer{subs: make(chan map[string]any, 8)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		f.subs <- sub
		script(f.sessions.Add(1), conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func TestIngestorRoutesTicksAndRecordsGapOnReconnect(t *testing.T) {
	release := make(chan struct{})
	srv := newFeedServer(t, func(n int32, conn *websocket.Conn) {
		send := func(s string) { _ = conn.WriteMessage(websocket.TextMessage, []byte(s)) }
		send(`{"result":null,"id":1}`)
		if n == 1 {
			send(`{"e":"trade","s":"BTCUSDT","p":"100","q":"1","T":1717000000000}`)
			send(`{"e":"trade","s":"BTCUSDT","p":"oops"`)
			send(`{"e":"trade","s":"DOGEUSDT","p":"1","q":"1","T":1717000000000}`)
			send(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"101","q":"2","T":1717000001000}}`)
			return // drop the connection
		}
		send(`{"e":"24hrTicker","E":1717000002000,"s":"BTCUSDT","p":"1","c":"101","h":"101","l":"100","v":"3"}`)
		<-release
	})
	defer close(release)

	out := &sink{}
	ing := NewIngestor(Config{
		URL:          srv.url(),
		Symbols:      []string{"btcusdt"},
		Backoff:      backoff.Config{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		ReadTimeout:  2 * time.Second,
		PingInterval: time.Second,
	}, out, out, out, zap.NewNop())

	failures := testutil.ToFloat64(metrics.FeedParseFailures.WithLabelValues("json"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, tickers, gaps := out.counts()
		return tickers == 3 && gaps == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, ing.State())

	sub := <-srv.subs
	assert.Equal(t, "SUBSCRIBE", sub["method"])
	assert.ElementsMatch(t, []any{"btcusdt@trade", "btcusdt@ticker"}, sub["params"])

	out.mu.Lock()
	require.Len(t, out.ticks, 2)
	assert.Equal(t, "101", out.ticks[1].Price.String())
	assert.Equal(t, "1", out.tickers[1].PriceChange)
	assert.Equal(t, "3", out.tickers[1].Volume)
	assert.Equal(t, "BTCUSDT", out.gaps[0].Symbol)
	assert.False(t, out.gaps[0].To.Before(out.gaps[0].From))
	out.mu.Unlock()

	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.FeedParseFailures.WithLabelValues("json")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	assert.Equal(t, StateDisconnected, ing.State())
}

func TestIngestorStopsWhileBackingOff(t *testing.T) {
	ing := NewIngestor(Config{
		URL:     "ws://127.0.0.1:1/unreachable",
		Symbols: []string{"BTCUSDT"},
		Backoff: backoff.Config{Initial: time.Hour, Max: time.Hour},
	}, &sink{}, &sink{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool { return ing.State() == StateReconnecting }, 3*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingestor did not stop")
	}
}
