// Package confluent adapts confluent-kafka-go to the pipeline's broker and
// dead-letter producer contracts.
package confluent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	pipelinekafka "attribution-pipeline/pkg/kafka"
)

const metadataTimeout = 5 * time.Second

var ErrNoAssignment = errors.New("consumer has no partition assignment")

// eventSource is the polling half of *kafka.Consumer.
type eventSource interface {
	Poll(timeoutMs int) kafka.Event
}

type Consumer struct {
	c           *kafka.Consumer
	events      eventSource
	pollTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	fatalErr error
	deferred error
	revoked  bool
}

func consumerConfig(cfg *config.Config) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":        cfg.Kafka.Addrs,
		"group.id":                 cfg.Kafka.GroupID,
		"enable.auto.commit":       false,
		"enable.auto.offset.store": false,
		"auto.offset.reset":        "earliest",
		"session.timeout.ms":       int(cfg.Kafka.SessionTimeout.Milliseconds()),
		"client.id":                fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID),
	}
}

func NewConsumer(cfg *config.Config, logger *zap.Logger) (*Consumer, error) {
	c, err := kafka.NewConsumer(consumerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := &Consumer{
		c:           c,
		events:      c,
		pollTimeout: cfg.Kafka.PollTimeout,
		logger:      logger.With(zap.String("component", "kafka.consumer")),
	}
	if err := c.SubscribeTopics(cfg.Kafka.Topics, consumer.rebalance); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %v: %w", cfg.Kafka.Topics, err)
	}
	return consumer, nil
}

func (c *Consumer) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		c.logger.Info("partitions assigned", zap.Int("count", len(e.Partitions)))
		c.mu.Lock()
		c.revoked = false
		c.mu.Unlock()
	case kafka.RevokedPartitions:
		c.logger.Warn("partitions revoked", zap.Int("count", len(e.Partitions)))
		c.mu.Lock()
		c.revoked = true
		c.mu.Unlock()
	}
	return nil
}

// Poll collects up to max messages, returning early when a poll interval
// passes with nothing new. librdkafka advances its position past every
// message it hands out, so an error that interrupts a partly collected batch
// is held back: the batch is returned and the error surfaces on the next call.
func (c *Consumer) Poll(ctx context.Context, max int) ([]pipelinekafka.Message, error) {
	if err := c.fatal(); err != nil {
		return nil, err
	}
	if err := c.takeDeferred(); err != nil {
		return nil, err
	}

	out, err := c.collect(ctx, max)
	if err == nil || len(out) == 0 {
		return out, err
	}
	if ctx.Err() == nil && !c.isFatal() {
		c.mu.Lock()
		c.deferred = err
		c.mu.Unlock()
	}
	c.logger.Warn("poll interrupted, returning partial batch", zap.Int("messages", len(out)), zap.Error(err))
	return out, nil
}

func (c *Consumer) collect(ctx context.Context, max int) ([]pipelinekafka.Message, error) {
	timeoutMs := int(c.pollTimeout.Milliseconds())
	if timeoutMs <= 0 {
		timeoutMs = 100
	}

	var out []pipelinekafka.Message
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		switch e := c.events.Poll(timeoutMs).(type) {
		case nil:
			return out, nil
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				return out, fmt.Errorf("partition %d: %w", e.TopicPartition.Partition, e.TopicPartition.Error)
			}
			out = append(out, fromKafka(e))
		case kafka.Error:
			if e.IsFatal() {
				c.setFatal(e)
				return out, e
			}
			if e.Code() == kafka.ErrAllBrokersDown {
				return out, e
			}
			c.logger.Warn("kafka consumer error", zap.Error(e))
		case kafka.AssignedPartitions, kafka.RevokedPartitions:
			_ = c.rebalance(c.c, e)
		}
	}
	return out, nil
}

func fromKafka(m *kafka.Message) pipelinekafka.Message {
	msg := pipelinekafka.Message{
		TopicPartition: pipelinekafka.TopicPartition{Partition: m.TopicPartition.Partition},
		Offset:         int64(m.TopicPartition.Offset),
		Key:            m.Key,
		Value:          m.Value,
		Timestamp:      m.Timestamp,
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func toPartitions(offsets map[pipelinekafka.TopicPartition]int64) []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, 0, len(offsets))
	for tp, off := range offsets {
		topic := tp.Topic
		out = append(out, kafka.TopicPartition{Topic: &topic, Partition: tp.Partition, Offset: kafka.Offset(off)})
	}
	return out
}

// Commit stores the offset after the last message of each partition in msgs.
func (c *Consumer) Commit(ctx context.Context, msgs []pipelinekafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if _, err := c.c.CommitOffsets(toPartitions(pipelinekafka.NextOffsets(msgs))); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Rewind seeks every partition in msgs back to its first message so the
// batch is delivered again.
func (c *Consumer) Rewind(ctx context.Context, msgs []pipelinekafka.Message) error {
	var errs []error
	for _, tp := range toPartitions(pipelinekafka.FirstOffsets(msgs)) {
		if err := c.c.Seek(tp, int(metadataTimeout.Milliseconds())); err != nil {
			errs = append(errs, fmt.Errorf("seek %s[%d]: %w", *tp.Topic, tp.Partition, err))
		}
	}
	return errors.Join(errs...)
}

// Heartbeat reports whether this member still owns an assignment.
func (c *Consumer) Heartbeat(ctx context.Context) error {
	if err := c.fatal(); err != nil {
		return err
	}
	c.mu.Lock()
	revoked := c.revoked
	c.mu.Unlock()
	if revoked {
		return ErrNoAssignment
	}
	assigned, err := c.c.Assignment()
	if err != nil {
		return fmt.Errorf("read assignment: %w", err)
	}
	if len(assigned) == 0 {
		return ErrNoAssignment
	}
	return nil
}

func (c *Consumer) Pause(ctx context.Context) error {
	assigned, err := c.c.Assignment()
	if err != nil {
		return fmt.Errorf("read assignment: %w", err)
	}
	return c.c.Pause(assigned)
}

func (c *Consumer) Resume(ctx context.Context) error {
	assigned, err := c.c.Assignment()
	if err != nil {
		return fmt.Errorf("read assignment: %w", err)
	}
	return c.c.Resume(assigned)
}

// Lag returns high watermark minus committed offset for each assigned partition.
func (c *Consumer) Lag(ctx context.Context) (map[pipelinekafka.TopicPartition]int64, error) {
	assigned, err := c.c.Assignment()
	if err != nil {
		return nil, fmt.Errorf("read assignment: %w", err)
	}
	timeoutMs := int(metadataTimeout.Milliseconds())
	committed, err := c.c.Committed(assigned, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("read committed offsets: %w", err)
	}

	lag := make(map[pipelinekafka.TopicPartition]int64, len(committed))
	for _, tp := range committed {
		if tp.Topic == nil {
			continue
		}
		low, high, err := c.c.QueryWatermarkOffsets(*tp.Topic, tp.Partition, timeoutMs)
		if err != nil {
			return nil, fmt.Errorf("query watermarks %s[%d]: %w", *tp.Topic, tp.Partition, err)
		}
		from := int64(tp.Offset)
		if tp.Offset < 0 {
			from = low
		}
		lag[pipelinekafka.TopicPartition{Topic: *tp.Topic, Partition: tp.Partition}] = high - from
	}
	return lag, nil
}

func (c *Consumer) Close() error {
	return c.c.Close()
}

func (c *Consumer) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

func (c *Consumer) isFatal() bool {
	return c.fatal() != nil
}

func (c *Consumer) takeDeferred() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.deferred
	c.deferred = nil
	return err
}

func (c *Consumer) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatalErr = err
}
