package enrichment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/celengine"
	"attribution-pipeline/services/event"
)

const (
	ChannelDirect   = "direct"
	CampaignUnknown = "(none)"
)

// Rule assigns Channel to events matching a CEL expression.
type Rule struct {
	Channel string
	Expr    string
}

// DefaultRules classify the common utm/referrer conventions.
var DefaultRules = []Rule{
	{Channel: "paid_search", Expr: `has(properties.utm_medium) && properties.utm_medium in ["cpc", "ppc", "paid_search"]`},
	{Channel: "paid_social", Expr: `has(properties.utm_medium) && properties.utm_medium in ["paid_social", "social_paid", "paidsocial"]`},
	{Channel: "display", Expr: `has(properties.utm_medium) && properties.utm_medium in ["display", "banner", "cpm"]`},
	{Channel: "email", Expr: `has(properties.utm_medium) && properties.utm_medium == "email"`},
	{Channel: "affiliate", Expr: `has(properties.utm_medium) && properties.utm_medium == "affiliate"`},
	{Channel: "organic_social", Expr: `has(properties.utm_source) && properties.utm_source in ["facebook", "instagram", "twitter", "x", "linkedin", "tiktok"]`},
	{Channel: "organic_search", Expr: `has(properties.referrer) && properties.referrer.matches("(google|bing|duckduckgo|yahoo)\\.")`},
	{Channel: "referral", Expr: `has(properties.referrer) && properties.referrer != ""`},
}

type compiledRule struct {
	channel string
	prg     cel.Program
}

// Touch is the attribution metadata derived for one event.
type Touch struct {
	Channel  string  `json:"channel"`
	Campaign string  `json:"campaign"`
	Value    float64 `json:"value"`
}

// Enriched is an event with its derived touch, as carried in queue jobs.
type Enriched struct {
	Event event.Event `json:"event"`
	Touch Touch       `json:"touch"`
}

type Resolver struct {
	rules  []compiledRule
	logger *zap.Logger
}

// NewResolver compiles rules in order; the first matching rule wins.
func NewResolver(rules []Rule, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := celengine.NewTouchpointEnv()
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		prg, err := celengine.Compile(env, r.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile channel rule %q: %w", r.Channel, err)
		}
		compiled = append(compiled, compiledRule{channel: normalizeChannel(r.Channel), prg: prg})
	}
	return &Resolver{rules: compiled, logger: logger.With(zap.String("component", "enrichment"))}, nil
}

// Resolve never fails: a rule that errors on an event counts as no match.
func (r *Resolver) Resolve(ev event.Event) Touch {
	return Touch{
		Channel:  r.channel(ev),
		Campaign: campaign(ev),
		Value:    value(ev),
	}
}

// Channels lists every channel the rules can assign, plus the direct fallback.
func (r *Resolver) Channels() []string {
	out := make([]string, 0, len(r.rules)+1)
	seen := map[string]bool{}
	for _, rule := range r.rules {
		if !seen[rule.channel] {
			seen[rule.channel] = true
			out = append(out, rule.channel)
		}
	}
	if !seen[ChannelDirect] {
		out = append(out, ChannelDirect)
	}
	return out
}

func (r *Resolver) channel(ev event.Event) string {
	if explicit := ev.StringProperty("channel"); explicit != "" {
		return normalizeChannel(explicit)
	}

	props := ev.Properties
	if props == nil {
		props = map[string]any{}
	}
	attrs := map[string]interface{}{
		celengine.VarProperties: props,
		celengine.VarType:       string(ev.Type),
		celengine.VarSource:     ev.Metadata.Source,
	}
	for _, rule := range r.rules {
		ok, err := celengine.EvaluateBool(rule.prg, attrs)
		if err != nil {
			r.logger.Debug("channel rule evaluation failed",
				zap.String("channel", rule.channel),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			return rule.channel
		}
	}
	return ChannelDirect
}

// normalizeChannel keeps the snake_case channel vocabulary used by the rules.
func normalizeChannel(s string) string {
	return strings.ReplaceAll(slug.Make(s), "-", "_")
}

func campaign(ev event.Event) string {
	for _, key := range []string{"utm_campaign", "campaign"} {
		if c := ev.StringProperty(key); c != "" {
			return slug.Make(c)
		}
	}
	return CampaignUnknown
}

// value reads the monetary value of an event; non-numeric values count as 0.
func value(ev event.Event) float64 {
	for _, key := range []string{"value", "revenue"} {
		switch v := ev.Properties[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}
