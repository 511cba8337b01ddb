package broadcast

import (
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/domain/matching"
	"bourse/domain/orderbook"
	"bourse/infra/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var buffers = memory.NewBufferPool()

// envelope frames every JSON message.
type envelope struct {
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
	Data    any     `json:"data"`
}

type levelUpdate struct {
	Side     orderbook.Side `json:"side"`
	Price    string         `json:"price"`
	Quantity string         `json:"quantity"`
}

type depthDelta struct {
	TradeSeq uint64        `json:"tradeSeq"`
	Levels   []levelUpdate `json:"levels"`
}

func (b *Broadcaster) publishJSON(topic Topic, data any) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteVal(envelope{Channel: topic.Channel, Symbol: topic.Symbol, Data: data})
	if stream.Error != nil {
		b.log.Error("encode broadcast", zap.String("channel", string(topic.Channel)), zap.Error(stream.Error))
		return
	}
	// the stream goes back to its pool; subscribers keep an owned copy
	b.Publish(topic, append([]byte(nil), stream.Buffer()...), false)
}

// PublishTicker sends the protobuf wire record as a binary frame.
func (b *Broadcaster) PublishTicker(t market.Ticker) {
	buf := buffers.Get()
	defer buffers.Put(buf)

	buf.B = market.AppendTicker(buf.B, t)
	payload := make([]byte, len(buf.B))
	copy(payload, buf.B)
	b.Publish(Topic{Symbol: t.Symbol, Channel: ChannelTicker}, payload, true)
}

// PublishKline sends partial and closed candles alike; isClosed tells them apart.
func (b *Broadcaster) PublishKline(k market.Kline) {
	b.publishJSON(Topic{Symbol: k.Symbol, Channel: KlineChannel(k.Granularity)}, k.Response())
}

func (b *Broadcaster) PublishTrades(symbol string, trades []matching.Trade) {
	for i := range trades {
		b.publishJSON(Topic{Symbol: symbol, Channel: ChannelTrade}, trades[i])
	}
}

func (b *Broadcaster) PublishDepthDelta(symbol string, tradeSeq uint64, changes []orderbook.LevelChange) {
	if len(changes) == 0 {
		return
	}
	d := depthDelta{TradeSeq: tradeSeq, Levels: make([]levelUpdate, len(changes))}
	for i, c := range changes {
		d.Levels[i] = levelUpdate{Side: c.Side, Price: c.Price.String(), Quantity: c.Quantity.String()}
	}
	b.publishJSON(Topic{Symbol: symbol, Channel: ChannelDepth}, d)
}
