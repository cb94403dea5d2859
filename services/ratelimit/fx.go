package ratelimit

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/pkg/store"
	"attribution-pipeline/services/breaker"
)

var Module = fx.Module("ratelimit",
	fx.Provide(Provide),
)

type Params struct {
	fx.In
	Config   *config.Config
	Store    store.Store
	Breakers *breaker.Factory
	Recorder *metrics.Recorder `optional:"true"`
	Logger   *zap.Logger
}

func Provide(p Params) *Limiter {
	rl := p.Config.RateLimit
	return New(Config{
		Window:       rl.Window,
		Max:          rl.Max,
		FallbackMax:  rl.FallbackMax,
		WhitelistIPs: rl.WhitelistIPs,
		WhitelistIDs: rl.WhitelistIDs,
		BypassTokens: rl.BypassTokens,
	}, p.Store, p.Breakers.Get(breaker.NameStore),
		WithRecorder(p.Recorder),
		WithLogger(p.Logger),
	)
}
