package ingestion

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/queue"
)

var Module = fx.Module("ingestion.service",
	fx.Provide(Provide),
	fx.Invoke(registerLifecycle),
)

type Params struct {
	fx.In

	Config   *config.Config
	Broker   Broker
	DLQ      DeadLetterProducer
	Queues   *queue.Manager
	Resolver *enrichment.Resolver
	Breakers *breaker.Factory  `optional:"true"`
	Observer BatchObserver     `optional:"true"`
	Recorder *metrics.Recorder `optional:"true"`
	Logger   *zap.Logger
}

func Provide(p Params) (*Consumer, error) {
	events, ok := p.Queues.Get(queue.Events)
	if !ok {
		return nil, errors.New("ingestion: events queue not registered")
	}
	k := p.Config.Kafka
	cfg := Config{
		BatchSize:            k.BatchSize,
		PartitionConcurrency: k.PartitionConcurrency,
		HeartbeatInterval:    k.HeartbeatInterval,
		HighWaterMark:        k.HighWaterMark,
		ReconnectAttempts:    k.ReconnectAttempts,
		ReconnectBackoff:     k.ReconnectBackoff,
		ClockSkew:            p.Config.Attribution.ClockSkew,
	}
	opts := []Option{
		WithObserver(p.Observer),
		WithRecorder(p.Recorder),
		WithLogger(p.Logger),
	}
	if p.Breakers != nil {
		opts = append(opts, WithBreaker(p.Breakers.Get(breaker.NameBroker)))
	}
	return NewConsumer(cfg, p.Broker, p.DLQ, events, p.Resolver, opts...), nil
}

// registerLifecycle runs the consumer for the life of the app and shuts the
// app down when the broker is lost for good.
func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, c *Consumer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := c.Run(ctx); err != nil {
					zap.L().Error("[Ingestion] consumer stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			zap.L().Info("[Ingestion] consumer started")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
