// Package eventstore persists touchpoint events and serves them back per
// visitor for journey reconstruction.
package eventstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
)

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "eventstore"))}
}

// Persist inserts events, ignoring ids that are already stored.
func (s *Store) Persist(ctx context.Context, events ...enrichment.Enriched) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]Event, 0, len(events))
	for _, e := range events {
		row, err := fromDomain(e)
		if err != nil {
			return errutil.Validation("event is not serializable", err,
				errutil.WithDetails(errutil.Detail{Field: "id", Message: e.Event.ID}))
		}
		rows = append(rows, row)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return errutil.Dependency("persist events", err)
	}
	return nil
}

// FetchEventsForVisitor returns the visitor's events inside tr, oldest first.
func (s *Store) FetchEventsForVisitor(ctx context.Context, visitorID string, tr event.TimeRange) ([]event.Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{}).Where("visitor_id = ?", visitorID)
	if !tr.From.IsZero() {
		q = q.Where("timestamp >= ?", tr.From.UTC())
	}
	if !tr.To.IsZero() {
		q = q.Where("timestamp < ?", tr.To.UTC())
	}

	var rows []Event
	if err := q.Order("timestamp ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errutil.Dependency("fetch visitor events", err)
	}

	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", r.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ChannelCount is the number of events a channel received.
type ChannelCount struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
}

// CountByChannel aggregates events per channel over tr.
func (s *Store) CountByChannel(ctx context.Context, tr event.TimeRange) ([]ChannelCount, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if !tr.From.IsZero() {
		q = q.Where("timestamp >= ?", tr.From.UTC())
	}
	if !tr.To.IsZero() {
		q = q.Where("timestamp < ?", tr.To.UTC())
	}
	var out []ChannelCount
	err := q.Select("channel, COUNT(*) AS count").Group("channel").Order("channel ASC").Scan(&out).Error
	if err != nil {
		return nil, errutil.Dependency("count events by channel", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
