package eventstore

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
)

// Event is the persisted form of a touchpoint event.
type Event struct {
	ID         string         `gorm:"column:id;primaryKey;type:varchar(128)"`
	VisitorID  string         `gorm:"column:visitor_id;type:varchar(128);not null;index:idx_events_visitor_ts,priority:1"`
	SessionID  string         `gorm:"column:session_id;type:varchar(128);not null"`
	Type       string         `gorm:"column:type;type:varchar(32);not null"`
	Timestamp  time.Time      `gorm:"column:timestamp;not null;index:idx_events_visitor_ts,priority:2;index"`
	Channel    string         `gorm:"column:channel;type:varchar(64);index"`
	Campaign   string         `gorm:"column:campaign;type:varchar(255)"`
	Value      float64        `gorm:"column:value"`
	Properties datatypes.JSON `gorm:"column:properties"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "touchpoint_events" }

func fromDomain(e enrichment.Enriched) (Event, error) {
	props, err := json.Marshal(e.Event.Properties)
	if err != nil {
		return Event{}, err
	}
	meta, err := json.Marshal(e.Event.Metadata)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         e.Event.ID,
		VisitorID:  e.Event.VisitorID,
		SessionID:  e.Event.SessionID,
		Type:       string(e.Event.Type),
		Timestamp:  e.Event.Timestamp.UTC(),
		Channel:    e.Touch.Channel,
		Campaign:   e.Touch.Campaign,
		Value:      e.Touch.Value,
		Properties: datatypes.JSON(props),
		Metadata:   datatypes.JSON(meta),
	}, nil
}

func (r Event) toDomain() (event.Event, error) {
	ev := event.Event{
		ID:        r.ID,
		VisitorID: r.VisitorID,
		SessionID: r.SessionID,
		Type:      event.Type(r.Type),
		Timestamp: r.Timestamp.UTC(),
	}
	if len(r.Properties) > 0 && string(r.Properties) != "null" {
		if err := json.Unmarshal(r.Properties, &ev.Properties); err != nil {
			return event.Event{}, err
		}
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return event.Event{}, err
		}
	}
	return ev, nil
}
