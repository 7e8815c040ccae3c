// Package behaviour scores perception tracks for anomalous activity:
// loitering, crowds, and suspicious movement. A learned model is consumed
// as an opaque artifact behind the Scorer capability; a rule heuristic
// covers the path where no model is present.
package behaviour

import (
	"encoding/json"
	"fmt"
	"os"
)

// Features per track, in order: dwell seconds, velocity magnitude,
// detection confidence, near-door indicator, hour of day.
const featureCount = 5

// Scorer is the learned-model capability. ScoreBatch returns one raw
// decision-function value per feature row; more negative means more
// anomalous, matching isolation-forest conventions.
type Scorer interface {
	ScoreBatch(features [][]float64) ([]float64, error)
}

// linearScorer evaluates a linear decision function loaded from a JSON
// artifact: score = w·x + b.
type linearScorer struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

func (s *linearScorer) ScoreBatch(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	for i, row := range features {
		if len(row) != len(s.Weights) {
			return nil, fmt.Errorf("feature row has %d values, model expects %d", len(row), len(s.Weights))
		}
		v := s.Bias
		for j, x := range row {
			v += s.Weights[j] * x
		}
		out[i] = v
	}
	return out, nil
}

// LoadScorer inspects a model artifact and returns a Scorer, or an error
// when the artifact is absent or malformed. Callers treat any error as
// "use the heuristic" — a model failure is never fatal.
func LoadScorer(path string) (Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var s linearScorer
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if len(s.Weights) != featureCount {
		return nil, fmt.Errorf("model artifact has %d weights, expected %d", len(s.Weights), featureCount)
	}
	return &s, nil
}

// NormalizeScores maps raw decision-function values to [0, 1], most
// negative to 1.0. A batch with a single distinct value normalizes to all
// zeros, so a one-track batch always scores 0 on the learned path.
func NormalizeScores(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	minV, maxV := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(raw))
	if minV == maxV {
		return out
	}
	for i, v := range raw {
		n := (maxV - v) / (maxV - minV)
		if n < 0 {
			n = 0
		}
		if n > 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}
