package attribution

import (
	"math"
	"time"

	"attribution-pipeline/services/journey"
)

// WeightFunc assigns one raw weight per touchpoint, in position order.
type WeightFunc func(j journey.Journey, cfg Config) []float64

var strategies = map[Model]WeightFunc{
	ModelFirstTouch:    firstTouch,
	ModelLastTouch:     lastTouch,
	ModelLinear:        linear,
	ModelPositionBased: positionBased,
	ModelTimeDecay:     timeDecay,
}

func firstTouch(j journey.Journey, _ Config) []float64 {
	w := make([]float64, len(j.Touchpoints))
	w[0] = 1
	return w
}

func lastTouch(j journey.Journey, _ Config) []float64 {
	w := make([]float64, len(j.Touchpoints))
	w[len(w)-1] = 1
	return w
}

func linear(j journey.Journey, _ Config) []float64 {
	n := len(j.Touchpoints)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// positionBased splits credit first/middle/last. With two touchpoints there
// is no middle bucket and first/last are renormalized to sum to 1.
func positionBased(j journey.Journey, cfg Config) []float64 {
	n := len(j.Touchpoints)
	w := make([]float64, n)
	switch n {
	case 1:
		w[0] = 1
	case 2:
		ends := cfg.FirstWeight + cfg.LastWeight
		if ends == 0 {
			w[0], w[1] = 0.5, 0.5
			break
		}
		w[0] = cfg.FirstWeight / ends
		w[1] = cfg.LastWeight / ends
	default:
		w[0] = cfg.FirstWeight
		w[n-1] = cfg.LastWeight
		middle := cfg.MiddleWeight / float64(n-2)
		for i := 1; i < n-1; i++ {
			w[i] = middle
		}
	}
	return w
}

// timeDecay halves a touchpoint's credit for every halfLife between it and
// the reference time, then normalizes.
func timeDecay(j journey.Journey, cfg Config) []float64 {
	ref := j.ReferenceTime()
	halfLifeDays := cfg.HalfLife.Hours() / 24
	w := make([]float64, len(j.Touchpoints))
	var sum float64
	for i, tp := range j.Touchpoints {
		w[i] = math.Pow(2, -ageDays(ref, tp.Timestamp)/halfLifeDays)
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// ageDays is how far at lies before ref, in days. Touches after ref count as 0.
func ageDays(ref, at time.Time) float64 {
	d := ref.Sub(at)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}
