package enrichment

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/services/event"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultRules, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestResolveChannels(t *testing.T) {
	r := newResolver(t)

	cases := []struct {
		name  string
		props map[string]any
		want  string
	}{
		{"paid search", map[string]any{"utm_medium": "cpc", "utm_source": "google"}, "paid_search"},
		{"email", map[string]any{"utm_medium": "email"}, "email"},
		{"organic social", map[string]any{"utm_source": "linkedin"}, "organic_social"},
		{"organic search", map[string]any{"referrer": "https://www.google.com/search?q=x"}, "organic_search"},
		{"referral", map[string]any{"referrer": "https://blog.example.org/post"}, "referral"},
		{"direct", nil, ChannelDirect},
		{"explicit channel", map[string]any{"channel": "Partner Network", "utm_medium": "cpc"}, "partner_network"},
		{"non-string medium", map[string]any{"utm_medium": 42}, ChannelDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(event.Event{ID: "e", Type: event.TypeClick, Properties: tc.props})
			require.Equal(t, tc.want, got.Channel)
		})
	}
}

func TestResolveCampaignAndValue(t *testing.T) {
	r := newResolver(t)

	got := r.Resolve(event.Event{Properties: map[string]any{
		"utm_campaign": "Summer Sale 2024",
		"revenue":      "99.5",
	}})
	require.Equal(t, "summer-sale-2024", got.Campaign)
	require.Equal(t, 99.5, got.Value)

	got = r.Resolve(event.Event{Properties: map[string]any{"value": 12.0}})
	require.Equal(t, CampaignUnknown, got.Campaign)
	require.Equal(t, 12.0, got.Value)
}

func TestNewResolverRejectsBadRule(t *testing.T) {
	_, err := NewResolver([]Rule{{Channel: "x", Expr: "properties.("}}, nil)
	require.Error(t, err)
}

func TestChannelsListsRulesAndDirect(t *testing.T) {
	r, err := NewResolver([]Rule{
		{Channel: "Paid Search", Expr: `event_type == "CLICK"`},
		{Channel: "email", Expr: `false`},
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []string{"paid_search", "email", ChannelDirect}, r.Channels())
}
