package kafka

import (
	"context"

	"github.com/IBM/sarama"
)

// SyncProducerConfig is shared by every sarama producer in the process.
func SyncProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// DeadLetterProducer ships exhausted match events to the dead-letter topic.
type DeadLetterProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewDeadLetterProducer(brokers []string, topic string) (*DeadLetterProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, SyncProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewDeadLetterProducerWith(producer, topic), nil
}

func NewDeadLetterProducerWith(producer sarama.SyncProducer, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{producer: producer, topic: topic}
}

func (p *DeadLetterProducer) Publish(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (p *DeadLetterProducer) Close() error {
	return p.producer.Close()
}
