package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/breaker"
	"attribution-pipeline/services/cache"
	"attribution-pipeline/services/event"
	"attribution-pipeline/services/journey"
)

const tracerName = "attribution-pipeline/attribution"

// EventSource returns a visitor's events in timestamp order.
type EventSource interface {
	FetchEventsForVisitor(ctx context.Context, visitorID string, tr event.TimeRange) ([]event.Event, error)
}

// AttributionError reports which computation failed. Error() carries the
// failure kind and public message only; the cause is reachable via Unwrap.
type AttributionError struct {
	Model     Model
	VisitorID string
	TimeRange event.TimeRange
	Err       error
}

func (e *AttributionError) Error() string {
	reason := "internal error"
	var be errutil.BaseError
	if errors.As(e.Err, &be) {
		reason = be.Public()
	} else if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		reason = e.Err.Error()
	}
	return fmt.Sprintf("attribution %s for visitor %s: %s", e.Model, e.VisitorID, reason)
}

func (e *AttributionError) Unwrap() error { return e.Err }

type Service struct {
	source  EventSource
	builder *journey.Builder
	engine  *Engine
	cache   *cache.Cache
	breaker *breaker.Breaker
	cfg     Config
	models  []Model
	ttl     time.Duration
	logger  *zap.Logger
}

type ServiceParams struct {
	Source  EventSource
	Builder *journey.Builder
	Engine  *Engine
	Cache   *cache.Cache
	Breaker *breaker.Breaker
	Config  Config
	// Models are precomputed by Warm.
	Models []Model
	TTL    time.Duration
	Logger *zap.Logger
}

func NewService(p ServiceParams) *Service {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.TTL <= 0 {
		p.TTL = time.Hour
	}
	if len(p.Models) == 0 {
		p.Models = Models
	}
	return &Service{
		source:  p.Source,
		builder: p.Builder,
		engine:  p.Engine,
		cache:   p.Cache,
		breaker: p.Breaker,
		cfg:     p.Config,
		models:  p.Models,
		ttl:     p.TTL,
		logger:  p.Logger.With(zap.String("component", "attribution.service")),
	}
}

type cacheParams struct {
	VisitorID string    `json:"visitorId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Config    Config    `json:"config"`
}

// CalculateAttribution computes model over the visitor's events in tr,
// reading through the result cache.
func (s *Service) CalculateAttribution(ctx context.Context, visitorID string, model Model, tr event.TimeRange) ([]Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "attribution.Calculate", trace.WithAttributes(
		attribute.String("visitor_id", visitorID),
		attribute.String("model", string(model)),
	))
	defer span.End()

	wrap := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errutil.KindOf(err)))
		return &AttributionError{Model: model, VisitorID: visitorID, TimeRange: tr, Err: err}
	}

	if visitorID == "" {
		return nil, wrap(errutil.Validation("visitorId is required", ErrInvalidJourney))
	}
	if !model.Valid() {
		return nil, wrap(errutil.Validation(fmt.Sprintf("unknown attribution model %q", model), ErrUnknownModel))
	}

	key, err := cache.Key("attribution", cacheParams{VisitorID: visitorID, From: tr.From.UTC(), To: tr.To.UTC(), Config: s.cfg}, string(model))
	if err != nil {
		return nil, wrap(err)
	}

	results, err := cache.GetOrComputeJSON(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]Result, error) {
		return s.compute(ctx, visitorID, model, tr)
	})
	if err != nil {
		s.logger.Debug("attribution failed",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("visitor_id", visitorID),
			zap.String("model", string(model)),
			zap.String("kind", string(errutil.KindOf(err))),
			zap.Error(err),
		)
		return nil, wrap(err)
	}
	return results, nil
}

func (s *Service) compute(ctx context.Context, visitorID string, model Model, tr event.TimeRange) ([]Result, error) {
	events, err := s.fetch(ctx, visitorID, tr)
	if err != nil {
		return nil, err
	}
	j, err := s.builder.Build(visitorID, events, tr)
	if err != nil {
		return nil, err
	}
	return s.engine.Calculate(j, model, s.cfg)
}

func (s *Service) fetch(ctx context.Context, visitorID string, tr event.TimeRange) ([]event.Event, error) {
	call := func(ctx context.Context) ([]event.Event, error) {
		events, err := s.source.FetchEventsForVisitor(ctx, visitorID, tr)
		if err != nil && errutil.KindOf(err) == errutil.KindUnknown {
			return nil, errutil.Dependency("event source unavailable", err)
		}
		return events, err
	}
	if s.breaker == nil {
		return call(ctx)
	}
	return breaker.Execute(ctx, s.breaker, call)
}

// Warm precomputes every configured model for the visitor so later reads hit
// the cache. Models that fail are reported together.
func (s *Service) Warm(ctx context.Context, visitorID string, tr event.TimeRange) error {
	var errs []error
	for _, m := range s.models {
		if _, err := s.CalculateAttribution(ctx, visitorID, m, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
