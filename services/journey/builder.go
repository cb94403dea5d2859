package journey

import (
	"errors"
	"fmt"
	"time"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
)

var (
	ErrEmptyJourney  = errors.New("journey has no events")
	ErrTemporalOrder = errors.New("events are not in timestamp order")
)

// Enricher derives channel metadata for an event.
type Enricher interface {
	Resolve(ev event.Event) enrichment.Touch
}

type Builder struct {
	enricher Enricher
}

func NewBuilder(enricher Enricher) *Builder {
	return &Builder{enricher: enricher}
}

// Build turns a visitor's events into exactly one journey. Events must
// already be in non-decreasing timestamp order; they are never re-sorted.
func (b *Builder) Build(visitorID string, events []event.Event, window event.TimeRange) (Journey, error) {
	if len(events) == 0 {
		return Journey{}, errutil.Validation("empty journey", ErrEmptyJourney,
			errutil.WithDetails(errutil.Detail{Field: "visitorId", Message: visitorID}))
	}

	for i := range events {
		if events[i].VisitorID != visitorID {
			return Journey{}, errutil.Validation("event belongs to another visitor", nil,
				errutil.WithDetails(errutil.Detail{Field: fmt.Sprintf("events[%d].visitorId", i), Message: events[i].VisitorID}))
		}
		if i > 0 && events[i].Timestamp.Before(events[i-1].Timestamp) {
			return Journey{}, errutil.TemporalOrder("events out of order", ErrTemporalOrder,
				errutil.WithDetails(errutil.Detail{
					Field:   fmt.Sprintf("events[%d].timestamp", i),
					Message: fmt.Sprintf("%s precedes %s", events[i].Timestamp.Format(time.RFC3339Nano), events[i-1].Timestamp.Format(time.RFC3339Nano)),
				}))
		}
	}

	j := Journey{
		VisitorID:   visitorID,
		Window:      window,
		Touchpoints: make([]Touchpoint, len(events)),
	}
	last := len(events) - 1
	for i, ev := range events {
		touch := b.enricher.Resolve(ev)
		j.Touchpoints[i] = Touchpoint{
			ID:           ev.ID,
			EventID:      ev.ID,
			VisitorID:    ev.VisitorID,
			SessionID:    ev.SessionID,
			Type:         ev.Type,
			Timestamp:    ev.Timestamp,
			Channel:      touch.Channel,
			Campaign:     touch.Campaign,
			Value:        touch.Value,
			Position:     i,
			IsFirstTouch: i == 0,
			IsLastTouch:  i == last,
		}
		if ev.Type == event.TypeConversion {
			j.Converted = true
			j.ConversionID = ev.ID
			j.ConversionAt = ev.Timestamp
			j.ConversionValue = touch.Value
		}
	}
	j.Metrics = deriveMetrics(j.Touchpoints)
	return j, nil
}

func deriveMetrics(tps []Touchpoint) Metrics {
	m := Metrics{TouchpointCount: len(tps)}
	if len(tps) == 0 {
		return m
	}
	m.TotalDuration = tps[len(tps)-1].Timestamp.Sub(tps[0].Timestamp)
	if len(tps) > 1 {
		m.AverageGap = m.TotalDuration / time.Duration(len(tps)-1)
	}
	channels := make(map[string]struct{}, len(tps))
	for _, tp := range tps {
		channels[tp.Channel] = struct{}{}
	}
	m.ChannelDiversity = len(channels)
	return m
}
