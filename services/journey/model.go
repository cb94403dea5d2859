package journey

import (
	"time"

	"attribution-pipeline/services/event"
)

// Touchpoint is one event enriched with channel and position. It lives only
// for the duration of one attribution computation.
type Touchpoint struct {
	ID           string     `json:"id"`
	EventID      string     `json:"eventId"`
	VisitorID    string     `json:"visitorId"`
	SessionID    string     `json:"sessionId"`
	Type         event.Type `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
	Channel      string     `json:"channel"`
	Campaign     string     `json:"campaign"`
	Value        float64    `json:"value"`
	Position     int        `json:"position"`
	IsFirstTouch bool       `json:"isFirstTouch"`
	IsLastTouch  bool       `json:"isLastTouch"`
}

// Metrics are derived from the touchpoints and never read back as inputs.
type Metrics struct {
	TouchpointCount  int           `json:"touchpointCount"`
	AverageGap       time.Duration `json:"averageGap"`
	TotalDuration    time.Duration `json:"totalDuration"`
	ChannelDiversity int           `json:"channelDiversity"`
}

// Journey is a visitor's touchpoints in non-decreasing timestamp order.
type Journey struct {
	VisitorID       string          `json:"visitorId"`
	Window          event.TimeRange `json:"window"`
	Touchpoints     []Touchpoint    `json:"touchpoints"`
	Converted       bool            `json:"converted"`
	ConversionID    string          `json:"conversionId,omitempty"`
	ConversionValue float64         `json:"conversionValue"`
	ConversionAt    time.Time       `json:"conversionAt,omitempty"`
	Metrics         Metrics         `json:"metrics"`
}

func (j Journey) First() Touchpoint { return j.Touchpoints[0] }

func (j Journey) Last() Touchpoint { return j.Touchpoints[len(j.Touchpoints)-1] }

// ReferenceTime is the conversion time for converted journeys and the last
// touch otherwise.
func (j Journey) ReferenceTime() time.Time {
	if j.Converted && !j.ConversionAt.IsZero() {
		return j.ConversionAt
	}
	if len(j.Touchpoints) == 0 {
		return time.Time{}
	}
	return j.Last().Timestamp
}
