// Package pipeline runs the processing queues: persisting events, feeding
// the channel counters and warming attribution for conversions.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/enrichment"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/queue"
)

// EventSink stores enriched events idempotently by event id.
type EventSink interface {
	Persist(ctx context.Context, events ...enrichment.Enriched) error
}

type Warmer interface {
	Warm(ctx context.Context, visitorID string, tr event.TimeRange) error
}

type Counter interface {
	Record(ctx context.Context, at time.Time, channel string) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, job queue.Job) error
}

type analyticsJob struct {
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
}

type attributionJob struct {
	VisitorID string          `json:"visitorId"`
	Range     event.TimeRange `json:"range"`
}

// Handlers implements the job handler of each queue.
type Handlers struct {
	sink     EventSink
	warmer   Warmer
	counter  Counter
	queues   Enqueuer
	lookback time.Duration
	logger   *zap.Logger
}

// HandleEvent persists the event, then schedules its analytics update and,
// for conversions, the attribution warm-up.
func (h *Handlers) HandleEvent(ctx context.Context, job queue.Job) error {
	var e enrichment.Enriched
	if err := json.Unmarshal(job.Payload, &e); err != nil {
		return errutil.Validation("undecodable event job", err)
	}

	if err := h.sink.Persist(ctx, e); err != nil {
		return err
	}

	payload, err := json.Marshal(analyticsJob{Timestamp: e.Event.Timestamp, Channel: e.Touch.Channel})
	if err != nil {
		return err
	}
	if err := h.queues.Enqueue(ctx, queue.Analytics, queue.Job{ID: e.Event.ID, Payload: payload}); err != nil {
		return err
	}

	if e.Event.Type != event.TypeConversion {
		return nil
	}
	// the conversion itself must fall inside the half-open range
	at := e.Event.Timestamp
	payload, err = json.Marshal(attributionJob{
		VisitorID: e.Event.VisitorID,
		Range:     event.TimeRange{From: at.Add(-h.lookback), To: at.Add(time.Millisecond)},
	})
	if err != nil {
		return err
	}
	return h.queues.Enqueue(ctx, queue.Attribution, queue.Job{
		ID:       e.Event.ID,
		Priority: event.TypeConversion.Priority(),
		Payload:  payload,
	})
}

// HandleAttribution precomputes every configured model for the visitor.
func (h *Handlers) HandleAttribution(ctx context.Context, job queue.Job) error {
	var j attributionJob
	if err := json.Unmarshal(job.Payload, &j); err != nil {
		return errutil.Validation("undecodable attribution job", err)
	}
	if err := h.warmer.Warm(ctx, j.VisitorID, j.Range); err != nil {
		return err
	}
	h.logger.Debug("attribution warmed", zap.String("visitor_id", j.VisitorID), zap.String("job_id", job.ID))
	return nil
}

func (h *Handlers) HandleAnalytics(ctx context.Context, job queue.Job) error {
	var j analyticsJob
	if err := json.Unmarshal(job.Payload, &j); err != nil {
		return errutil.Validation("undecodable analytics job", err)
	}
	_, err := h.counter.Record(ctx, j.Timestamp, j.Channel)
	return err
}
