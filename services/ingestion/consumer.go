// Package ingestion consumes touchpoint events from the broker, validates
// and enriches them, and hands them to the processing queue.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/pkg/kafka"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/queue"
)

var (
	ErrHeartbeat     = errors.New("consumer heartbeat failed")
	ErrBrokerOffline = errors.New("broker unreachable")
)

type Config struct {
	BatchSize            int
	PartitionConcurrency int
	HeartbeatInterval    time.Duration
	HighWaterMark        int
	ReconnectAttempts    int
	ReconnectBackoff     time.Duration
	// BackpressureInterval is how often depth is rechecked while paused.
	BackpressureInterval time.Duration
	LagInterval          time.Duration
	ClockSkew            time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.PartitionConcurrency <= 0 {
		c.PartitionConcurrency = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 50000
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.BackpressureInterval <= 0 {
		c.BackpressureInterval = 100 * time.Millisecond
	}
	if c.LagInterval <= 0 {
		c.LagInterval = 15 * time.Second
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = event.DefaultClockSkew
	}
	return c
}

type Consumer struct {
	cfg      Config
	broker   Broker
	dlq      DeadLetterProducer
	queue    Enqueuer
	enricher Enricher
	observer BatchObserver
	breaker  *breaker.Breaker
	recorder *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time

	paused atomic.Bool
	lagMu  sync.RWMutex
	lag    map[kafka.TopicPartition]int64
}

type Option func(*Consumer)

func WithObserver(o BatchObserver) Option {
	return func(c *Consumer) { c.observer = o }
}

// WithBreaker routes polls through b so a dead broker fails fast.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *Consumer) { c.breaker = b }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Consumer) { c.recorder = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

func NewConsumer(cfg Config, broker Broker, dlq DeadLetterProducer, q Enqueuer, enricher Enricher, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:      cfg.withDefaults(),
		broker:   broker,
		dlq:      dlq,
		queue:    q,
		enricher: enricher,
		logger:   zap.NewNop(),
		now:      time.Now,
		lag:      map[kafka.TopicPartition]int64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "ingestion"))
	return c
}

// Run consumes until ctx is cancelled, returning nil, or until the broker
// stays unreachable past the reconnect budget, returning a dependency error.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.consume(ctx) })
	g.Go(func() error {
		c.trackLag(ctx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.applyBackpressure(ctx); err != nil {
			return err
		}

		msgs, err := c.poll(ctx)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			continue
		}
		c.processBatch(ctx, msgs)
	}
}

// applyBackpressure pauses fetching while the queue is at its high-water
// mark and resumes once it drains below it.
func (c *Consumer) applyBackpressure(ctx context.Context) error {
	if c.queue.Depth() < c.cfg.HighWaterMark {
		return nil
	}

	c.logger.Warn("queue above high-water mark, pausing consumption",
		zap.Int("depth", c.queue.Depth()),
		zap.Int("high_water_mark", c.cfg.HighWaterMark),
	)
	if err := c.broker.Pause(ctx); err != nil {
		c.logger.Warn("pause partitions", zap.Error(err))
	}
	c.paused.Store(true)
	defer func() {
		c.paused.Store(false)
		if err := c.broker.Resume(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("resume partitions", zap.Error(err))
		}
		c.logger.Info("queue drained, resuming consumption", zap.Int("depth", c.queue.Depth()))
	}()

	ticker := time.NewTicker(c.cfg.BackpressureInterval)
	defer ticker.Stop()
	for c.queue.Depth() >= c.cfg.HighWaterMark {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Paused reports whether consumption is held back by backpressure.
func (c *Consumer) Paused() bool { return c.paused.Load() }

// poll retries broker failures with exponential backoff before giving up.
func (c *Consumer) poll(ctx context.Context) ([]kafka.Message, error) {
	var (
		msgs    []kafka.Message
		lastErr error
	)
	backoff := wait.Backoff{
		Duration: c.cfg.ReconnectBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    c.cfg.ReconnectAttempts,
		Cap:      30 * time.Second,
	}
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		var err error
		msgs, err = c.pollOnce(ctx)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("broker poll failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return false, nil
	})
	if err == nil {
		return msgs, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	c.logger.Error("broker unreachable, giving up", zap.Int("attempts", attempt), zap.Error(lastErr))
	return nil, errutil.Dependency("broker unreachable", errors.Join(ErrBrokerOffline, lastErr),
		errutil.WithDetails(errutil.Detail{Field: "attempts", Message: fmt.Sprint(attempt)}))
}

func (c *Consumer) pollOnce(ctx context.Context) ([]kafka.Message, error) {
	if c.breaker == nil {
		return c.broker.Poll(ctx, c.cfg.BatchSize)
	}
	return breaker.Execute(ctx, c.breaker, func(ctx context.Context) ([]kafka.Message, error) {
		return c.broker.Poll(ctx, c.cfg.BatchSize)
	})
}

// processBatch handles partitions concurrently and messages within a
// partition in order. Offsets are committed only when every message was
// accepted; otherwise the batch is rewound.
func (c *Consumer) processBatch(ctx context.Context, msgs []kafka.Message) {
	start := time.Now()
	batchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(batchCtx, cancel)
	}()

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(c.cfg.PartitionConcurrency)
	for _, part := range groupByPartition(msgs) {
		g.Go(func() error {
			for _, msg := range part {
				if err := c.handle(gctx, msg); err != nil {
					return fmt.Errorf("%s offset %d: %w", msg.TopicPartition, msg.Offset, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if cause := context.Cause(batchCtx); err == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	cancel(nil)
	<-hbDone

	if err != nil {
		c.logger.Warn("batch abandoned without commit",
			zap.Int("size", len(msgs)),
			zap.Error(err),
		)
		if ctx.Err() == nil {
			if rerr := c.broker.Rewind(ctx, msgs); rerr != nil {
				c.logger.Error("rewind batch", zap.Error(rerr))
			}
		}
		return
	}

	if err := c.broker.Commit(ctx, msgs); err != nil {
		// redelivered messages dedupe on job id
		c.logger.Warn("commit offsets", zap.Int("size", len(msgs)), zap.Error(err))
	}

	d := time.Since(start)
	c.recorder.Batch(ctx, len(msgs), d)
	if c.observer != nil {
		c.observer.ObserveBatch(len(msgs), d)
	}
}

func (c *Consumer) heartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.broker.Heartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat failed, cancelling batch", zap.Error(err))
				cancel(fmt.Errorf("%w: %w", ErrHeartbeat, err))
				return
			}
		}
	}
}

func groupByPartition(msgs []kafka.Message) [][]kafka.Message {
	index := map[kafka.TopicPartition]int{}
	var groups [][]kafka.Message
	for _, m := range msgs {
		i, ok := index[m.TopicPartition]
		if !ok {
			i = len(groups)
			index[m.TopicPartition] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// handle turns one message into a queue job. Invalid messages are
// dead-lettered and count as handled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev, fieldErrs := event.Parse(msg.Value, c.now(), c.cfg.ClockSkew)
	if len(fieldErrs) > 0 {
		return c.reject(ctx, msg, fieldErrs)
	}

	payload, err := json.Marshal(enrichment.Enriched{Event: ev, Touch: c.enricher.Resolve(ev)})
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	job := queue.Job{ID: ev.ID, Priority: ev.Type.Priority(), Payload: payload}

	for {
		err := c.queue.Enqueue(ctx, job)
		if err == nil {
			return nil
		}
		if !errutil.Is(err, errutil.KindCapacity) {
			return err
		}
		delay := errutil.RetryAfter(err)
		if delay <= 0 {
			delay = c.cfg.BackpressureInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) reject(ctx context.Context, msg kafka.Message, fieldErrs []event.FieldError) error {
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fe.Error())
	}
	reason := strings.Join(parts, "; ")

	if err := c.dlq.Send(ctx, msg, reason); err != nil {
		return fmt.Errorf("dead-letter invalid message: %w", err)
	}
	c.recorder.DeadLettered(ctx, "consumer", string(errutil.KindValidation))
	c.logger.Debug("invalid message dead-lettered",
		zap.String("partition", msg.TopicPartition.String()),
		zap.Int64("offset", msg.Offset),
		zap.String("reason", reason),
	)
	return nil
}

func (c *Consumer) trackLag(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshLag(ctx)
		}
	}
}

func (c *Consumer) refreshLag(ctx context.Context) {
	lag, err := c.broker.Lag(ctx)
	if err != nil {
		c.logger.Debug("read consumer lag", zap.Error(err))
		return
	}
	for tp, n := range lag {
		c.recorder.ConsumerLag(ctx, tp.Topic, tp.Partition, n)
	}
	c.lagMu.Lock()
	c.lag = lag
	c.lagMu.Unlock()
}

// Lag returns the last per-partition lag snapshot.
func (c *Consumer) Lag() map[kafka.TopicPartition]int64 {
	c.lagMu.RLock()
	defer c.lagMu.RUnlock()
	out := make(map[kafka.TopicPartition]int64, len(c.lag))
	for tp, n := range c.lag {
		out[tp] = n
	}
	return out
}
