package attribution

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"attribution-pipeline/pkg/errutil"
)

type Model string

const (
	ModelFirstTouch    Model = "FIRST_TOUCH"
	ModelLastTouch     Model = "LAST_TOUCH"
	ModelLinear        Model = "LINEAR"
	ModelPositionBased Model = "POSITION_BASED"
	ModelTimeDecay     Model = "TIME_DECAY"
)

// Models lists every supported model in a stable order.
var Models = []Model{ModelFirstTouch, ModelLastTouch, ModelLinear, ModelPositionBased, ModelTimeDecay}

func (m Model) Valid() bool {
	_, ok := strategies[m]
	return ok
}

func ParseModel(s string) (Model, error) {
	m := Model(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", errutil.Validation(fmt.Sprintf("unknown attribution model %q", s), ErrUnknownModel)
	}
	return m, nil
}

type ValidationStatus string

const (
	StatusValid   ValidationStatus = "VALID"
	StatusPartial ValidationStatus = "PARTIAL"
	StatusInvalid ValidationStatus = "INVALID"
)

const weightTolerance = 1e-4

var (
	ErrInvalidJourney = errors.New("invalid journey")
	ErrInvalidConfig  = errors.New("invalid model config")
	ErrUnknownModel   = errors.New("unknown model")
)

type Config struct {
	FirstWeight      float64       `json:"firstWeight"`
	LastWeight       float64       `json:"lastWeight"`
	MiddleWeight     float64       `json:"middleWeight"`
	HalfLife         time.Duration `json:"halfLife"`
	MaxJourneyWindow time.Duration `json:"maxJourneyWindow"`
	ConfidenceFloor  float64       `json:"confidenceFloor"`
}

func DefaultConfig() Config {
	return Config{
		FirstWeight:      0.4,
		LastWeight:       0.4,
		MiddleWeight:     0.2,
		HalfLife:         7 * 24 * time.Hour,
		MaxJourneyWindow: 90 * 24 * time.Hour,
		ConfidenceFloor:  0.7,
	}
}

// Validate checks the parameters model reads. Models that read none accept
// any Config.
func (c Config) Validate(model Model) error {
	var details []errutil.Detail
	switch model {
	case ModelPositionBased:
		for _, w := range []struct {
			field string
			v     float64
		}{{"firstWeight", c.FirstWeight}, {"lastWeight", c.LastWeight}, {"middleWeight", c.MiddleWeight}} {
			if math.IsNaN(w.v) || w.v < 0 || w.v > 1 {
				details = append(details, errutil.Detail{Field: w.field, Message: "must be within [0,1]"})
			}
		}
		if sum := c.FirstWeight + c.LastWeight + c.MiddleWeight; math.Abs(sum-1) > weightTolerance {
			details = append(details, errutil.Detail{Field: "weights", Message: fmt.Sprintf("sum to %.6f, want 1", sum)})
		}
	case ModelTimeDecay:
		if c.HalfLife <= 0 {
			details = append(details, errutil.Detail{Field: "halfLife", Message: "must be positive"})
		}
		if c.MaxJourneyWindow <= 0 {
			details = append(details, errutil.Detail{Field: "maxJourneyWindow", Message: "must be positive"})
		}
		if math.IsNaN(c.ConfidenceFloor) || c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
			details = append(details, errutil.Detail{Field: "confidenceFloor", Message: "must be within [0,1]"})
		}
	}
	if len(details) > 0 {
		return errutil.Validation(fmt.Sprintf("invalid %s config", model), ErrInvalidConfig, errutil.WithDetails(details...))
	}
	return nil
}

type Metadata struct {
	Parameters map[string]any `json:"parameters"`
	// Error describes a failed postcondition when the result is INVALID.
	Error string `json:"error,omitempty"`
}

// Result is the credit assigned to one touchpoint for one conversion.
type Result struct {
	TouchpointID     string           `json:"touchpointId"`
	ConversionID     string           `json:"conversionId,omitempty"`
	Channel          string           `json:"channel"`
	Weight           float64          `json:"weight"`
	Model            Model            `json:"model"`
	ConfidenceScore  float64          `json:"confidenceScore"`
	ValidationStatus ValidationStatus `json:"validationStatus"`
	CalculatedAt     time.Time        `json:"calculatedAt"`
	Metadata         Metadata         `json:"metadata"`
}

// TotalWeight sums the weights of one journey's results.
func TotalWeight(results []Result) float64 {
	var sum float64
	for _, r := range results {
		sum += r.Weight
	}
	return sum
}
