package analytics

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/store"
	"attribution-pipeline/services/cache"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/eventstore"
)

var Module = fx.Module("analytics.service",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Config   *config.Config
	Store    store.Store
	Cache    *cache.Cache
	Events   *eventstore.Store `optional:"true"`
	Resolver *enrichment.Resolver
	Logger   *zap.Logger
}

func Provide(p Params) *Service {
	sp := ServiceParams{
		Store:    p.Store,
		Cache:    p.Cache,
		Channels: p.Resolver.Channels,
		TTL:      p.Config.Cache.AnalyticsTTL,
		Logger:   p.Logger,
	}
	if p.Events != nil {
		sp.Counter = p.Events
	}
	return NewService(sp)
}
