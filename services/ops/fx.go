package ops

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/services/analytics"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/deadletter"
	"attribution-pipeline/services/ingestion"
	"attribution-pipeline/services/queue"
	"attribution-pipeline/services/ratelimit"
)

var Module = fx.Module("ops.http",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

type Params struct {
	fx.In

	Queues      *queue.Manager      `optional:"true"`
	Breakers    *breaker.Factory    `optional:"true"`
	Consumer    *ingestion.Consumer `optional:"true"`
	Analytics   *analytics.Service  `optional:"true"`
	DeadLetters *deadletter.Service `optional:"true"`
	Logger      *zap.Logger
}

func NewHandler(p Params) *Handler {
	h := &Handler{now: time.Now, logger: p.Logger}
	// typed nils would defeat the 501 checks
	if p.Queues != nil {
		h.queues = p.Queues
	}
	if p.Breakers != nil {
		h.breakers = p.Breakers
	}
	if p.Consumer != nil {
		h.lag = p.Consumer
	}
	if p.Analytics != nil {
		h.analytics = p.Analytics
	}
	if p.DeadLetters != nil {
		h.deadLetters = p.DeadLetters
	}
	return h
}

type RegisterParams struct {
	fx.In

	Engine  *gin.Engine
	Handler *Handler
	Limiter *ratelimit.Limiter `optional:"true"`
}

// Register mounts the handler under /ops, rate limited when a limiter is
// available.
func Register(p RegisterParams) {
	g := p.Engine.Group("/ops")
	if p.Limiter != nil {
		g.Use(ratelimit.Middleware(p.Limiter))
	}
	p.Handler.Register(g)
}
