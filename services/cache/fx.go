package cache

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/pkg/store"
)

var Module = fx.Module("cache",
	fx.Provide(Provide),
)

type Params struct {
	fx.In
	Config   *config.Config
	Store    store.Store
	Recorder *metrics.Recorder `optional:"true"`
	Logger   *zap.Logger
}

func Provide(p Params) *Cache {
	return New(p.Store, Config{
		LockTTL:           p.Config.Cache.LockTTL,
		LockWaitTimeout:   p.Config.Cache.LockWaitTimeout,
		LockRetryInterval: p.Config.Cache.LockRetryInterval,
	}, p.Recorder, p.Logger)
}
