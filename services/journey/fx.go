package journey

import (
	"go.uber.org/fx"

	"attribution-pipeline/services/enrichment"
)

var Module = fx.Module("journey",
	fx.Provide(Provide),
)

func Provide(r *enrichment.Resolver) *Builder {
	return NewBuilder(r)
}
