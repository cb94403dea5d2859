package attribution

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/cache"
	"attribution-pipeline/services/journey"
)

var Module = fx.Module("attribution.service",
	fx.Provide(
		NewEngine,
		ProvideService,
	),
)

type Params struct {
	fx.In
	Config   *config.Config
	Source   EventSource
	Builder  *journey.Builder
	Engine   *Engine
	Cache    *cache.Cache
	Breakers *breaker.Factory
	Logger   *zap.Logger
}

// ConfigFrom maps the attribution section of the application config.
func ConfigFrom(cfg *config.Config) Config {
	a := cfg.Attribution
	return Config{
		FirstWeight:      a.FirstWeight,
		LastWeight:       a.LastWeight,
		MiddleWeight:     a.MiddleWeight,
		HalfLife:         a.HalfLife,
		MaxJourneyWindow: a.MaxJourneyWindow,
		ConfidenceFloor:  a.ConfidenceFloor,
	}
}

func ProvideService(p Params) (*Service, error) {
	models := make([]Model, 0, len(p.Config.Attribution.Models))
	for _, name := range p.Config.Attribution.Models {
		m, err := ParseModel(name)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	cfg := ConfigFrom(p.Config)
	for _, m := range models {
		if err := cfg.Validate(m); err != nil {
			return nil, err
		}
	}

	return NewService(ServiceParams{
		Source:  p.Source,
		Builder: p.Builder,
		Engine:  p.Engine,
		Cache:   p.Cache,
		Breaker: p.Breakers.Get(breaker.NameEventSource),
		Config:  cfg,
		Models:  models,
		TTL:     p.Config.Cache.AttributionTTL,
		Logger:  p.Logger,
	}), nil
}
