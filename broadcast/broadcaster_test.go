package broadcast

import (
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/domain/matching"
	"bourse/domain/orderbook"
)

var btcTrade = Topic{Symbol: "BTCUSDT", Channel: ChannelTrade}

func TestChannelValid(t *testing.T) {
	assert.True(t, ChannelTicker.Valid())
	assert.True(t, ChannelDepth.Valid())
	assert.True(t, KlineChannel(market.Minute).Valid())
	assert.True(t, Channel("kline:15m").Valid())
	assert.False(t, Channel("kline:").Valid())
	assert.False(t, Channel("kline:7x").Valid())
	assert.False(t, Channel("orders").Valid())
}

func TestPublishOnlyReachesTopicSubscribers(t *testing.T) {
	b := New(8, zap.NewNop())
	trades := b.Subscribe(btcTrade)
	tickers := b.Subscribe(Topic{Symbol: "BTCUSDT", Channel: ChannelTicker})

	assert.Equal(t, 1, b.Publish(btcTrade, []byte("t1"), false))
	assert.Equal(t, 0, b.Publish(Topic{Symbol: "ETHUSDT", Channel: ChannelTrade}, []byte("x"), false))

	m, ok := trades.Next()
	require.True(t, ok)
	assert.Equal(t, "t1", string(m.Payload))
	_, ok = tickers.Next()
	assert.False(t, ok)
}

func TestSlowSubscriberDropsOldestWithoutAffectingOthers(t *testing.T) {
	b := New(4, zap.NewNop())
	slow := b.Subscribe(btcTrade)
	fast := b.Subscribe(btcTrade)

	for i := 0; i < 10; i++ {
		b.Publish(btcTrade, []byte(strconv.Itoa(i)), false)
		if _, ok := fast.Next(); !ok {
			t.Fatalf("fast subscriber missed message %d", i)
		}
	}

	got := slow.Drain()
	require.Len(t, got, 4)
	for i, m := range got {
		assert.Equal(t, strconv.Itoa(6+i), string(m.Payload))
	}
	assert.Equal(t, uint64(6), slow.Dropped())
	assert.Zero(t, fast.Dropped())
}

func TestUnsubscribeIsIdempotentAndClosesReady(t *testing.T) {
	b := New(4, zap.NewNop())
	sub := b.Subscribe(btcTrade)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())
	assert.Empty(t, sub.Topics())
	assert.Zero(t, b.Publish(btcTrade, []byte("late"), false))

	select {
	case _, ok := <-sub.Ready():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ready channel not closed")
	}

	// no resubscription after close
	b.AddTopics(sub, btcTrade)
	assert.Zero(t, b.Publish(btcTrade, []byte("x"), false))
}

func TestRemoveTopics(t *testing.T) {
	b := New(4, zap.NewNop())
	depth := Topic{Symbol: "BTCUSDT", Channel: ChannelDepth}
	sub := b.Subscribe(btcTrade, depth)
	require.Len(t, sub.Topics(), 2)

	b.RemoveTopics(sub, btcTrade)
	assert.Equal(t, []Topic{depth}, sub.Topics())
	assert.Zero(t, b.Publish(btcTrade, nil, false))
	assert.Equal(t, 1, b.Publish(depth, nil, false))
}

func TestTypedPublishers(t *testing.T) {
	b := New(16, zap.NewNop())
	d := decimal.RequireFromString
	ticker := Topic{Symbol: "BTCUSDT", Channel: ChannelTicker}
	kline := Topic{Symbol: "BTCUSDT", Channel: KlineChannel(market.Minute)}
	depth := Topic{Symbol: "BTCUSDT", Channel: ChannelDepth}
	sub := b.Subscribe(ticker, kline, depth, btcTrade)

	b.PublishTicker(market.Ticker{Symbol: "BTCUSDT", Price: "100.5", EventTime: 1})
	k := market.NewKline("BTCUSDT", market.Minute, time.UnixMilli(0), d("100"), d("1"))
	b.PublishKline(*k)
	b.PublishTrades("BTCUSDT", []matching.Trade{{ID: "a", Symbol: "BTCUSDT", TakerSide: orderbook.Buy, Price: d("100"), Quantity: d("1")}})
	b.PublishDepthDelta("BTCUSDT", 3, []orderbook.LevelChange{{Side: orderbook.Sell, Price: d("100"), Quantity: decimal.Zero}})
	b.PublishDepthDelta("BTCUSDT", 4, nil)

	msgs := sub.Drain()
	require.Len(t, msgs, 4)

	require.True(t, msgs[0].Binary)
	tk, err := market.DecodeTicker(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "100.5", tk.Price)

	var env struct {
		Channel string               `json:"channel"`
		Symbol  string               `json:"symbol"`
		Data    market.KlineResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &env))
	assert.Equal(t, "kline:1m", env.Channel)
	assert.Equal(t, "1m", env.Data.Interval)
	assert.False(t, env.Data.IsClosed)

	assert.Contains(t, string(msgs[2].Payload), `"takerSide":"buy"`)
	assert.JSONEq(t, `{"channel":"orderbook-delta","symbol":"BTCUSDT","data":{"tradeSeq":3,"levels":[{"side":"sell","price":"100","quantity":"0"}]}}`,
		string(msgs[3].Payload))
}
