package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypePageView   Type = "PAGE_VIEW"
	TypeClick      Type = "CLICK"
	TypeConversion Type = "CONVERSION"
	TypeCustom     Type = "CUSTOM"
	TypeFormSubmit Type = "FORM_SUBMIT"
	TypeScroll     Type = "SCROLL"
	TypeEngagement Type = "ENGAGEMENT"
)

var knownTypes = map[Type]struct{}{
	TypePageView:   {},
	TypeClick:      {},
	TypeConversion: {},
	TypeCustom:     {},
	TypeFormSubmit: {},
	TypeScroll:     {},
	TypeEngagement: {},
}

func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority returns the queue priority for events of this type. Lower runs first.
func (t Type) Priority() int {
	switch t {
	case TypeConversion:
		return 1
	case TypeFormSubmit:
		return 2
	case TypeClick:
		return 3
	case TypeEngagement:
		return 4
	default:
		return 5
	}
}

type Metadata struct {
	Source      string            `json:"source"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Event is an immutable touchpoint fact as produced upstream.
type Event struct {
	ID         string         `json:"id"`
	VisitorID  string         `json:"visitorId"`
	SessionID  string         `json:"sessionId"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
	Metadata   Metadata       `json:"metadata"`
}

// NewID returns a fresh opaque event id.
func NewID() string {
	return uuid.NewString()
}

// StringProperty returns the property under key when it is a string.
func (e Event) StringProperty(key string) string {
	if v, ok := e.Properties[key].(string); ok {
		return v
	}
	return ""
}

// TimeRange is a half-open [From, To) interval. A zero bound is unbounded.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

func (r TimeRange) Duration() time.Duration {
	if r.From.IsZero() || r.To.IsZero() {
		return 0
	}
	return r.To.Sub(r.From)
}
