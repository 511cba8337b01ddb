// Package broadcast fans market events out to subscribers. Every subscriber
// owns a bounded drop-oldest buffer, so Publish never blocks and a slow
// consumer only loses its own backlog.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"bourse/domain/market"
	"bourse/infra/memory"
	"bourse/infra/metrics"
)

type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelTrade  Channel = "trade"
	ChannelDepth  Channel = "orderbook-delta"
)

func KlineChannel(g market.Granularity) Channel {
	return Channel("kline:" + g.String())
}

// Valid accepts the fixed channels and kline:<interval>.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTicker, ChannelTrade, ChannelDepth:
		return true
	}
	if len(c) > 6 && c[:6] == "kline:" {
		_, err := market.ParseGranularity(string(c[6:]))
		return err == nil
	}
	return false
}

type Topic struct {
	Symbol  string
	Channel Channel
}

// Message is immutable once published; subscribers share the payload.
type Message struct {
	Topic   Topic
	Payload []byte
	Binary  bool
}

type Subscriber struct {
	id     uint64
	ring   *memory.Ring[Message]
	mu     sync.Mutex
	topics map[Topic]struct{}
}

func (s *Subscriber) ID() uint64 { return s.id }

// Ready fires after new messages arrive and is closed on Unsubscribe.
func (s *Subscriber) Ready() <-chan struct{} { return s.ring.Ready() }

func (s *Subscriber) Next() (Message, bool) { return s.ring.Pop() }

// Drain returns every buffered message, oldest first.
func (s *Subscriber) Drain() []Message { return s.ring.Drain() }

func (s *Subscriber) Dropped() uint64 { return s.ring.Dropped() }

func (s *Subscriber) Topics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

type Broadcaster struct {
	mu     sync.RWMutex
	topics map[Topic]map[uint64]*Subscriber
	subs   map[uint64]*Subscriber
	buffer int
	nextID atomic.Uint64
	log    *zap.Logger
}

func New(buffer int, log *zap.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 256
	}
	return &Broadcaster{
		topics: make(map[Topic]map[uint64]*Subscriber),
		subs:   make(map[uint64]*Subscriber),
		buffer: buffer,
		log:    log.Named("broadcast"),
	}
}

func (b *Broadcaster) Subscribe(topics ...Topic) *Subscriber {
	sub := &Subscriber{
		id:     b.nextID.Add(1),
		ring:   memory.NewRing[Message](b.buffer),
		topics: make(map[Topic]struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	metrics.Subscribers.Inc()

	b.AddTopics(sub, topics...)
	return sub
}

// AddTopics extends a live subscription.
func (b *Broadcaster) AddTopics(sub *Subscriber, topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.subs[sub.id]; !live {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, t := range topics {
		set, ok := b.topics[t]
		if !ok {
			set = make(map[uint64]*Subscriber)
			b.topics[t] = set
		}
		set[sub.id] = sub
		sub.topics[t] = struct{}{}
	}
}

func (b *Broadcaster) RemoveTopics(sub *Subscriber, topics ...Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, t := range topics {
		b.detach(sub.id, t)
		delete(sub.topics, t)
	}
}

func (b *Broadcaster) detach(id uint64, t Topic) {
	if set, ok := b.topics[t]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.topics, t)
		}
	}
}

// Unsubscribe is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, live := b.subs[sub.id]; !live {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub.id)

	sub.mu.Lock()
	for t := range sub.topics {
		b.detach(sub.id, t)
	}
	sub.topics = map[Topic]struct{}{}
	sub.mu.Unlock()
	b.mu.Unlock()

	sub.ring.Close()
	metrics.Subscribers.Dec()
}

// Publish delivers to every subscriber of the topic without blocking.
// Returns the number of subscribers reached.
func (b *Broadcaster) Publish(topic Topic, payload []byte, binary bool) int {
	msg := Message{Topic: topic, Payload: payload, Binary: binary}

	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.topics[topic]
	for _, sub := range set {
		if sub.ring.Push(msg) {
			metrics.BroadcastDropped.WithLabelValues(string(topic.Channel)).Inc()
		}
	}
	return len(set)
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
