package confluent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	pipelinekafka "attribution-pipeline/pkg/kafka"
)

// DeadLetterProducer republishes rejected messages to the dead-letter topic
// with the rejection reason and origin in headers.
type DeadLetterProducer struct {
	p      *kafka.Producer
	topic  string
	logger *zap.Logger
}

func NewDeadLetterProducer(cfg *config.Config, logger *zap.Logger) (*DeadLetterProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Kafka.Addrs,
		"acks":               "all",
		"enable.idempotence": true,
		"client.id":          fmt.Sprintf("%s-%d-dlq", cfg.AppName, cfg.NodeID),
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &DeadLetterProducer{
		p:      p,
		topic:  cfg.Kafka.DeadLetterTopic,
		logger: logger.With(zap.String("component", "kafka.dlq")),
	}, nil
}

// Send blocks until the broker acknowledges the message or ctx ends.
func (d *DeadLetterProducer) Send(ctx context.Context, msg pipelinekafka.Message, reason string) error {
	topic := d.topic
	out := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Timestamp:      time.Now(),
		Headers: []kafka.Header{
			{Key: pipelinekafka.HeaderDeadLetterReason, Value: []byte(reason)},
			{Key: pipelinekafka.HeaderOriginalTopic, Value: []byte(msg.Topic)},
			{Key: pipelinekafka.HeaderOriginalPartition, Value: []byte(strconv.Itoa(int(msg.Partition)))},
			{Key: pipelinekafka.HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		},
	}

	delivery := make(chan kafka.Event, 1)
	if err := d.p.Produce(out, delivery); err != nil {
		return fmt.Errorf("produce to %s: %w", d.topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver to %s: %w", d.topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages for up to timeout.
func (d *DeadLetterProducer) Close(timeout time.Duration) {
	if remaining := d.p.Flush(int(timeout.Milliseconds())); remaining > 0 {
		d.logger.Warn("dead-letter messages not flushed", zap.Int("remaining", remaining))
	}
	d.p.Close()
}
