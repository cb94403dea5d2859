package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/db"
	"attribution-pipeline/pkg/gen"
	"attribution-pipeline/pkg/health"
	"attribution-pipeline/pkg/kafka/confluent"
	"attribution-pipeline/pkg/logger"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/pkg/otelcol"
	"attribution-pipeline/pkg/profiling"
	"attribution-pipeline/pkg/redis"
	"attribution-pipeline/pkg/server"
	"attribution-pipeline/pkg/store"
	"attribution-pipeline/pkg/task"
	"attribution-pipeline/services/analytics"
	"attribution-pipeline/services/attribution"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/cache"
	"attribution-pipeline/services/deadletter"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/eventstore"
	"attribution-pipeline/services/ingestion"
	"attribution-pipeline/services/journey"
	"attribution-pipeline/services/ops"
	"attribution-pipeline/services/pipeline"
	"attribution-pipeline/services/queue"
	"attribution-pipeline/services/ratelimit"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		metrics.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		store.Module,
		gen.Module,
		confluent.Module,
		task.Client,
		task.Server,

		breaker.Module,
		ratelimit.Module,
		cache.Module,
		enrichment.Module,
		journey.Module,
		eventstore.Module,
		attribution.Module,
		analytics.Module,
		deadletter.Module,
		deadletter.ReplayHandler,
		pipeline.Module,
		queue.Module,
		ingestion.Module,

		server.ProvideHTTPServer,
		health.Module,
		ops.Module,

		fx.Provide(
			func(c *confluent.Consumer) ingestion.Broker { return c },
			func(p *confluent.DeadLetterProducer) ingestion.DeadLetterProducer { return p },
			func(s *eventstore.Store) attribution.EventSource { return s },
			func(f *breaker.Factory) health.BreakerReporter { return f },
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
