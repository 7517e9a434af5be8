package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher writes each change to a topic keyed by transaction id, so
// all changes of one transaction land on the same partition in order.
type KafkaPublisher struct {
	client  producer
	topic   string
	timeout time.Duration
}

// NewKafkaPublisher connects a franz-go producer. metrics may be nil.
func NewKafkaPublisher(brokers []string, topic string, metrics *kprom.Metrics) (*KafkaPublisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),   // Connects to Kafka brokers
		kgo.DefaultProduceTopic(topic), // Fallback topic for records without one
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics)) // Attaches monitoring hooks
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(client, topic), nil
}

func newKafkaPublisher(client producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic, timeout: 5 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, change StatusChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return err
	}

	produceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(change.TransactionID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(change.Source)},
			{Key: "status", Value: []byte(change.To)},
		},
	}
	if err := p.client.ProduceSync(produceCtx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce status change: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}
