package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Delivery is one fetched message and the coordinates needed to ack it.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer is a consumer-group reader with explicit, ordered commits.
type Consumer struct {
	reader reader
	acks   *AckTracker

	mu      sync.Mutex
	commits map[int]*sync.Mutex
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			MaxWait:        250 * time.Millisecond,
			CommitInterval: 0, // synchronous commits
			StartOffset:    kafka.FirstOffset,
		}))
}

func newConsumer(r reader) *Consumer {
	return &Consumer{
		reader:  r,
		acks:    NewAckTracker(),
		commits: make(map[int]*sync.Mutex),
	}
}

func (c *Consumer) partitionLock(partition int) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.commits[partition]
	if !ok {
		m = &sync.Mutex{}
		c.commits[partition] = m
	}
	return m
}

// Fetch blocks until a message is available or ctx ends.
func (c *Consumer) Fetch(ctx context.Context) (Delivery, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	c.acks.Track(m.Partition, m.Offset)
	return Delivery{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}, nil
}

// Ack commits up to the highest contiguous finished offset. Commits of one
// partition are serialized so the committed offset never moves backwards.
// An unacked offset, such as one held by a paused lane, holds back every
// later offset of its partition.
func (c *Consumer) Ack(ctx context.Context, d Delivery) error {
	m := c.partitionLock(d.Partition)
	m.Lock()
	defer m.Unlock()

	off, ok := c.acks.Done(d.Partition, d.Offset)
	if !ok {
		return nil
	}
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    off,
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
