package pipeline

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/services/analytics"
	"attribution-pipeline/services/attribution"
	"attribution-pipeline/services/deadletter"
	"attribution-pipeline/services/eventstore"
	"attribution-pipeline/services/queue"
)

var Module = fx.Module("pipeline.service",
	fx.Provide(
		ProvideManager,
		func(m *queue.Manager) deadletter.Replayer { return m },
	),
)

type Params struct {
	fx.In

	Config      *config.Config
	DB          *gorm.DB
	Sink        *eventstore.Store
	Attribution *attribution.Service
	Analytics   *analytics.Service
	DeadLetter  *deadletter.Service `optional:"true"`
	Recorder    *metrics.Recorder   `optional:"true"`
	Logger      *zap.Logger
}

func ProvideManager(p Params) (*queue.Manager, error) {
	if err := p.DB.AutoMigrate(&queue.JournalRecord{}); err != nil {
		return nil, err
	}
	opts := []queue.Option{
		queue.WithJournal(queue.NewGormJournal(p.DB)),
		queue.WithRecorder(p.Recorder),
		queue.WithLogger(p.Logger),
	}
	if p.DeadLetter != nil {
		opts = append(opts, queue.WithDeadLetter(p.DeadLetter.OnDeadLetter))
	}
	return NewManager(p.Config, p.Sink, p.Attribution, p.Analytics, p.Logger, opts...), nil
}

// NewManager builds the events, attribution and analytics queues around
// their handlers.
func NewManager(cfg *config.Config, sink EventSink, warmer Warmer, counter Counter, logger *zap.Logger, opts ...queue.Option) *queue.Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{
		sink:     sink,
		warmer:   warmer,
		counter:  counter,
		lookback: cfg.Attribution.MaxJourneyWindow,
		logger:   logger.With(zap.String("component", "pipeline")),
	}
	m := queue.NewManager(
		queue.New(queue.ConfigFrom(queue.Events, cfg.Queues.Events), h.HandleEvent, opts...),
		queue.New(queue.ConfigFrom(queue.Attribution, cfg.Queues.Attribution), h.HandleAttribution, opts...),
		queue.New(queue.ConfigFrom(queue.Analytics, cfg.Queues.Analytics), h.HandleAnalytics, opts...),
	)
	h.queues = m
	return m
}
