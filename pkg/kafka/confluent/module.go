package confluent

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
)

var Module = fx.Module("kafka",
	fx.Provide(
		registerConsumer,
		registerDeadLetterProducer,
	),
)

func registerConsumer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*Consumer, error) {
	c, err := NewConsumer(cfg, logger)
	if err != nil {
		return nil, err
	}
	zap.L().Info("[Kafka] consumer subscribed",
		zap.String("addr", cfg.Kafka.Addrs),
		zap.String("group_id", cfg.Kafka.GroupID),
		zap.Strings("topics", cfg.Kafka.Topics),
	)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[Kafka] closing consumer")
			return c.Close()
		},
	})
	return c, nil
}

func registerDeadLetterProducer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*DeadLetterProducer, error) {
	p, err := NewDeadLetterProducer(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			timeout := 5 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				timeout = time.Until(dl)
			}
			p.Close(timeout)
			return nil
		},
	})
	return p, nil
}
