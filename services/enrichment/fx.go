package enrichment

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/config"
)

var Module = fx.Module("enrichment.service",
	fx.Provide(Provide),
)

// Provide builds the resolver from configured rules, falling back to DefaultRules.
func Provide(cfg *config.Config, logger *zap.Logger) (*Resolver, error) {
	rules := DefaultRules
	if len(cfg.Enrichment.ChannelRules) > 0 {
		rules = make([]Rule, 0, len(cfg.Enrichment.ChannelRules))
		for _, channel := range cfg.Enrichment.RuleOrder {
			if expr, ok := cfg.Enrichment.ChannelRules[channel]; ok {
				rules = append(rules, Rule{Channel: channel, Expr: expr})
			}
		}
	}
	return NewResolver(rules, logger)
}
