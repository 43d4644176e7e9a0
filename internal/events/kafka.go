package events

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

// producer is the subset of *kgo.Client used by KafkaPublisher.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces events to a Kafka topic keyed by chain key, so all
// events of one chain land on one partition in commit order.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher connects to brokers and produces to topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.ClientID("ayurchain"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newKafkaPublisher(client, topic, logger), nil
}

func newKafkaPublisher(client producer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic, logger: logger, now: time.Now}
}

// Publish enqueues ev. Delivery failures are logged by the produce callback.
func (p *KafkaPublisher) Publish(ctx context.Context, ev *ledger.Event) error {
	body, err := encode(ev, p.now())
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.ChainKey),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(EventCommitted)},
			{Key: "stage", Value: []byte(ev.Stage)},
		},
	}
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("kafka publish failed",
				zap.String("chain_key", string(r.Key)),
				zap.String("topic", r.Topic),
				zap.Error(err),
			)
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("kafka flush: %w", err)
	}
	return nil
}
