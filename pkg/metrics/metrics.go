// Package metrics holds the pipeline's OpenTelemetry instruments. A missing
// meter provider degrades to no-op instruments; recording never fails the
// caller.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/fx"
)

const meterName = "attribution-pipeline"

var Module = fx.Module("metrics", fx.Provide(Provide))

type Params struct {
	fx.In
	Provider metric.MeterProvider `optional:"true"`
}

func Provide(p Params) *Recorder {
	return New(p.Provider)
}

type Recorder struct {
	jobsProcessed      metric.Int64Counter
	jobLatency         metric.Float64Histogram
	deadLettered       metric.Int64Counter
	cacheLookups       metric.Int64Counter
	breakerTransitions metric.Int64Counter
	batchSize          metric.Int64Histogram
	batchDuration      metric.Float64Histogram
	consumerLag        metric.Int64Gauge
	rateLimited        metric.Int64Counter
}

func New(mp metric.MeterProvider) *Recorder {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)

	r := &Recorder{}
	var err error
	if r.jobsProcessed, err = m.Int64Counter("queue.jobs.processed",
		metric.WithDescription("Jobs finished by queue workers, by outcome")); err != nil {
		otel.Handle(err)
	}
	if r.jobLatency, err = m.Float64Histogram("queue.job.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Handler latency per job attempt")); err != nil {
		otel.Handle(err)
	}
	if r.deadLettered, err = m.Int64Counter("pipeline.dead_lettered",
		metric.WithDescription("Messages and jobs routed to dead-letter")); err != nil {
		otel.Handle(err)
	}
	if r.cacheLookups, err = m.Int64Counter("cache.lookups",
		metric.WithDescription("Result cache lookups by outcome")); err != nil {
		otel.Handle(err)
	}
	if r.breakerTransitions, err = m.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		otel.Handle(err)
	}
	if r.batchSize, err = m.Int64Histogram("consumer.batch.size",
		metric.WithDescription("Messages per consumed batch")); err != nil {
		otel.Handle(err)
	}
	if r.batchDuration, err = m.Float64Histogram("consumer.batch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Wall time per consumed batch")); err != nil {
		otel.Handle(err)
	}
	if r.consumerLag, err = m.Int64Gauge("consumer.lag",
		metric.WithDescription("High watermark minus committed offset per partition")); err != nil {
		otel.Handle(err)
	}
	if r.rateLimited, err = m.Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limiter decisions by outcome and source")); err != nil {
		otel.Handle(err)
	}
	return r
}

func (r *Recorder) JobProcessed(ctx context.Context, queue, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("queue", queue), attribute.String("outcome", outcome))
	if r.jobsProcessed != nil {
		r.jobsProcessed.Add(ctx, 1, attrs)
	}
	if r.jobLatency != nil {
		r.jobLatency.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

func (r *Recorder) DeadLettered(ctx context.Context, source, reason string) {
	if r == nil || r.deadLettered == nil {
		return
	}
	r.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("reason", reason)))
}

func (r *Recorder) CacheLookup(ctx context.Context, hit bool) {
	if r == nil || r.cacheLookups == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) BreakerTransition(ctx context.Context, name, from, to string) {
	if r == nil || r.breakerTransitions == nil {
		return
	}
	r.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *Recorder) Batch(ctx context.Context, size int, d time.Duration) {
	if r == nil {
		return
	}
	if r.batchSize != nil {
		r.batchSize.Record(ctx, int64(size))
	}
	if r.batchDuration != nil {
		r.batchDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	}
}

func (r *Recorder) ConsumerLag(ctx context.Context, topic string, partition int32, lag int64) {
	if r == nil || r.consumerLag == nil {
		return
	}
	r.consumerLag.Record(ctx, lag, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("partition", int(partition)),
	))
}

func (r *Recorder) RateLimitDecision(ctx context.Context, allowed bool, source string) {
	if r == nil || r.rateLimited == nil {
		return
	}
	r.rateLimited.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("source", source),
	))
}
