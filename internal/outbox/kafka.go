package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher sends a batch of records downstream. A nil error means every
// record was acknowledged.
type Publisher interface {
	Publish(ctx context.Context, recs []Record) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes records to one topic, keyed by epoch so events of an
// epoch stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous publisher that waits for all
// in-sync replicas.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: timeout,
		},
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, recs []Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, r := range recs {
		m, err := message(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("outbox: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func message(r Record) (kafka.Message, error) {
	value, err := json.Marshal(r.Event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("outbox: encode %d: %w", r.Seq, err)
	}
	key := r.Event.EpochID
	if key == "" {
		key = string(r.Event.Type)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  r.Event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(r.Event.Type)},
			{Key: "event_id", Value: []byte(r.Event.ID)},
		},
	}, nil
}
