package journey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	r, err := enrichment.NewResolver(enrichment.DefaultRules, zap.NewNop())
	require.NoError(t, err)
	return NewBuilder(r)
}

func ev(id string, typ event.Type, at time.Time, props map[string]any) event.Event {
	return event.Event{ID: id, VisitorID: "v1", SessionID: "s1", Type: typ, Timestamp: at, Properties: props}
}

func TestBuildEmptyJourney(t *testing.T) {
	_, err := newBuilder(t).Build("v1", nil, event.TimeRange{})
	require.ErrorIs(t, err, ErrEmptyJourney)
	require.True(t, errutil.Is(err, errutil.KindValidation))
	require.False(t, errutil.IsRetryable(err))
}

func TestBuildRejectsOutOfOrder(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []event.Event{
		ev("e1", event.TypePageView, t0.Add(time.Hour), nil),
		ev("e2", event.TypeClick, t0, nil),
	}
	_, err := newBuilder(t).Build("v1", events, event.TimeRange{})
	require.ErrorIs(t, err, ErrTemporalOrder)
	require.Equal(t, errutil.KindTemporalOrder, errutil.KindOf(err))
}

func TestBuildRejectsForeignVisitor(t *testing.T) {
	e := ev("e1", event.TypePageView, time.Now(), nil)
	e.VisitorID = "v2"
	_, err := newBuilder(t).Build("v1", []event.Event{e}, event.TimeRange{})
	require.True(t, errutil.Is(err, errutil.KindValidation))
}

func TestBuildJourney(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []event.Event{
		ev("e1", event.TypePageView, t0, map[string]any{"utm_medium": "cpc", "utm_campaign": "Spring Sale"}),
		ev("e2", event.TypeClick, t0.Add(24*time.Hour), map[string]any{"utm_medium": "email"}),
		ev("e3", event.TypeConversion, t0.Add(48*time.Hour), map[string]any{"value": 10.0}),
		ev("e4", event.TypeConversion, t0.Add(72*time.Hour), map[string]any{"value": "25.5"}),
	}
	window := event.TimeRange{From: t0, To: t0.Add(90 * 24 * time.Hour)}

	j, err := newBuilder(t).Build("v1", events, window)
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 4)
	require.Equal(t, window, j.Window)

	for i, tp := range j.Touchpoints {
		require.Equal(t, i, tp.Position)
		require.Equal(t, i == 0, tp.IsFirstTouch)
		require.Equal(t, i == 3, tp.IsLastTouch)
	}
	require.Equal(t, "paid_search", j.Touchpoints[0].Channel)
	require.Equal(t, "spring-sale", j.Touchpoints[0].Campaign)
	require.Equal(t, "email", j.Touchpoints[1].Channel)
	require.Equal(t, enrichment.ChannelDirect, j.Touchpoints[2].Channel)

	require.True(t, j.Converted)
	require.Equal(t, "e4", j.ConversionID)
	require.Equal(t, 25.5, j.ConversionValue)
	require.True(t, j.ConversionAt.Equal(t0.Add(72*time.Hour)))
	require.True(t, j.ReferenceTime().Equal(j.ConversionAt))

	require.Equal(t, 4, j.Metrics.TouchpointCount)
	require.Equal(t, 72*time.Hour, j.Metrics.TotalDuration)
	require.Equal(t, 24*time.Hour, j.Metrics.AverageGap)
	require.Equal(t, 3, j.Metrics.ChannelDiversity)
}

func TestBuildKeepsEqualTimestampsAndEventsOutsideWindow(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []event.Event{
		ev("e1", event.TypePageView, t0, nil),
		ev("e2", event.TypePageView, t0, nil),
	}
	j, err := newBuilder(t).Build("v1", events, event.TimeRange{From: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 2)
	require.False(t, j.Converted)
	require.Zero(t, j.Metrics.AverageGap)
	require.True(t, j.ReferenceTime().Equal(t0))
}
