package attribution

import (
	"fmt"
	"math"
	"time"

	"attribution-pipeline/pkg/errutil"
	"attribution-pipeline/services/journey"
)

type Engine struct {
	now func() time.Time
}

type EngineOption func(*Engine)

// WithNow sets the clock stamped on CalculatedAt.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calculate assigns credit across the journey's touchpoints with model.
// Precondition failures are returned as errors. Postcondition failures are
// returned as INVALID results, never corrected.
func (e *Engine) Calculate(j journey.Journey, model Model, cfg Config) ([]Result, error) {
	strategy, ok := strategies[model]
	if !ok {
		return nil, errutil.Validation(fmt.Sprintf("unknown attribution model %q", model), ErrUnknownModel)
	}
	if len(j.Touchpoints) == 0 {
		return nil, errutil.Validation("journey has no touchpoints", ErrInvalidJourney,
			errutil.WithDetails(errutil.Detail{Field: "visitorId", Message: j.VisitorID}))
	}
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}

	weights := strategy(j, cfg)

	status := StatusValid
	if !j.Converted {
		status = StatusPartial
	}
	var invariantErr string
	if err := checkWeights(weights); err != nil {
		status = StatusInvalid
		invariantErr = err.Error()
	}

	params := parameters(model, cfg, len(weights))
	ref := j.ReferenceTime()
	calculatedAt := e.now().UTC()

	results := make([]Result, len(weights))
	for i, tp := range j.Touchpoints {
		results[i] = Result{
			TouchpointID:     tp.ID,
			ConversionID:     j.ConversionID,
			Channel:          tp.Channel,
			Weight:           weights[i],
			Model:            model,
			ConfidenceScore:  confidence(model, cfg, ageDays(ref, tp.Timestamp)),
			ValidationStatus: status,
			CalculatedAt:     calculatedAt,
			Metadata:         Metadata{Parameters: params, Error: invariantErr},
		}
	}
	return results, nil
}

func checkWeights(weights []float64) error {
	var sum float64
	for i, w := range weights {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return errutil.ComputationInvariant("weight out of range",
				errutil.WithDetails(errutil.Detail{Field: fmt.Sprintf("weights[%d]", i), Message: fmt.Sprintf("%g", w)}))
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return errutil.ComputationInvariant("weights do not sum to 1",
			errutil.WithDetails(errutil.Detail{Field: "sum", Message: fmt.Sprintf("%.6f", sum)}))
	}
	return nil
}

// confidence is 1 except for TIME_DECAY, where it falls linearly with the
// touchpoint's age to the floor at the maximum journey window.
func confidence(model Model, cfg Config, ageDays float64) float64 {
	score := 1.0
	if model == ModelTimeDecay {
		windowDays := cfg.MaxJourneyWindow.Hours() / 24
		frac := math.Min(ageDays/windowDays, 1)
		score = 1 - (1-cfg.ConfidenceFloor)*frac
	}
	return math.Max(0, math.Min(1, score))
}

func parameters(model Model, cfg Config, n int) map[string]any {
	p := map[string]any{"touchpointCount": n}
	switch model {
	case ModelPositionBased:
		p["firstWeight"] = cfg.FirstWeight
		p["lastWeight"] = cfg.LastWeight
		p["middleWeight"] = cfg.MiddleWeight
	case ModelTimeDecay:
		p["halfLifeDays"] = cfg.HalfLife.Hours() / 24
		p["maxJourneyWindowDays"] = cfg.MaxJourneyWindow.Hours() / 24
		p["confidenceFloor"] = cfg.ConfidenceFloor
	}
	return p
}
