// Package rubric defines the six review dimensions and the weighted aggregate
// used to score a submission.
package rubric

import (
	"fmt"
	"math"
)

// Dimension names one of the six scored review axes.
type Dimension string

const (
	Methodology     Dimension = "methodology"
	FactualAccuracy Dimension = "factual_accuracy"
	Novelty         Dimension = "novelty"
	CodeQuality     Dimension = "code_quality"
	Writing         Dimension = "writing_quality"
	Reproducibility Dimension = "reproducibility"
)

// Dimensions lists every dimension in canonical order. Anything that renders
// or iterates dimensions uses this order.
var Dimensions = []Dimension{
	Methodology,
	FactualAccuracy,
	Novelty,
	CodeQuality,
	Writing,
	Reproducibility,
}

// Threshold is the minimum aggregate (0-10) for acceptance.
const Threshold = 6.0

// AggregateTolerance is the allowed difference between a reported aggregate
// and the recomputed one. Critique services round to one decimal.
const AggregateTolerance = 0.051

// Scores holds the six dimension scores, each in [0,1].
type Scores struct {
	Methodology     float64 `json:"methodology" yaml:"methodology"`
	FactualAccuracy float64 `json:"factual_accuracy" yaml:"factual_accuracy"`
	Novelty         float64 `json:"novelty" yaml:"novelty"`
	CodeQuality     float64 `json:"code_quality" yaml:"code_quality"`
	Writing         float64 `json:"writing_quality" yaml:"writing_quality"`
	Reproducibility float64 `json:"reproducibility" yaml:"reproducibility"`
}

// Get returns the score for d.
func (s Scores) Get(d Dimension) float64 {
	switch d {
	case Methodology:
		return s.Methodology
	case FactualAccuracy:
		return s.FactualAccuracy
	case Novelty:
		return s.Novelty
	case CodeQuality:
		return s.CodeQuality
	case Writing:
		return s.Writing
	case Reproducibility:
		return s.Reproducibility
	}
	return 0
}

// Set assigns the score for d.
func (s *Scores) Set(d Dimension, v float64) {
	switch d {
	case Methodology:
		s.Methodology = v
	case FactualAccuracy:
		s.FactualAccuracy = v
	case Novelty:
		s.Novelty = v
	case CodeQuality:
		s.CodeQuality = v
	case Writing:
		s.Writing = v
	case Reproducibility:
		s.Reproducibility = v
	}
}

// Validate reports every score outside [0,1] or not a number.
func (s Scores) Validate() []string {
	var problems []string
	for _, d := range Dimensions {
		v := s.Get(d)
		if math.IsNaN(v) || v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("%s score %v is outside [0,1]", d, v))
		}
	}
	return problems
}

// Weights is a per-type weight table over the six dimensions. Weights sum to 1.
type Weights Scores

// Get returns the weight for d.
func (w Weights) Get(d Dimension) float64 {
	return Scores(w).Get(d)
}

// Sum returns the total of all six weights.
func (w Weights) Sum() float64 {
	var total float64
	for _, d := range Dimensions {
		total += w.Get(d)
	}
	return total
}

// Validate checks that each weight is non-negative and the table sums to 1.
func (w Weights) Validate() error {
	for _, d := range Dimensions {
		if w.Get(d) < 0 {
			return fmt.Errorf("weight for %s is negative", d)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("weights sum to %.4f, want 1", sum)
	}
	return nil
}

// Emphasis labels a weight for reviewers: CRITICAL, HIGH, MEDIUM or LOW.
func Emphasis(weight float64) string {
	switch {
	case weight >= 0.25:
		return "CRITICAL"
	case weight >= 0.18:
		return "HIGH"
	case weight >= 0.10:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Aggregate returns the weighted aggregate on the 0-10 scale.
func Aggregate(s Scores, w Weights) float64 {
	var total float64
	for _, d := range Dimensions {
		total += s.Get(d) * w.Get(d)
	}
	return total * 10
}

// Passes reports whether aggregate meets the acceptance threshold. The
// boundary is inclusive.
func Passes(aggregate float64) bool {
	return aggregate >= Threshold-1e-9
}
