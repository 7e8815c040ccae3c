// Package fusion correlates behaviour, twin, and route signals per truck
// into a composite risk score, via a Bayesian CPT model when one is loaded
// or quality-weighted averaging otherwise.
package fusion

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rakshak/backend/internal/domain"
)

// Network node names the model must declare. With all four parents
// observed, querying the target reduces to a single CPT row lookup.
var expectedParents = []string{"BehaviourRisk", "TwinDeviation", "RouteCompliance", "TimeOfDay"}

const targetNode = "TheftRisk"

// stateWeights maps target states to score contributions.
var stateWeights = map[string]float64{
	"low":      0.0,
	"medium":   0.33,
	"high":     0.67,
	"critical": 1.0,
}

// BayesModel is a conditional probability table over TheftRisk given the
// four discretized evidence nodes. Rows are keyed by the evidence
// categories joined with "|" in parent order.
type BayesModel struct {
	Target  string               `json:"target"`
	States  []string             `json:"states"`
	Parents []string             `json:"parents"`
	CPT     map[string][]float64 `json:"cpt"`
}

// LoadBayesModel reads and validates a model artifact. Any error means the
// caller should run with weighted fusion only.
func LoadBayesModel(path string) (*BayesModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk model: %w", err)
	}
	var m BayesModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse risk model: %w", err)
	}
	if m.Target != targetNode {
		return nil, fmt.Errorf("risk model targets %q, expected %q", m.Target, targetNode)
	}
	if len(m.Parents) != len(expectedParents) {
		return nil, fmt.Errorf("risk model has %d parents, expected %d", len(m.Parents), len(expectedParents))
	}
	for i, p := range expectedParents {
		if m.Parents[i] != p {
			return nil, fmt.Errorf("risk model parent %d is %q, expected %q", i, m.Parents[i], p)
		}
	}
	for _, s := range m.States {
		if _, ok := stateWeights[s]; !ok {
			return nil, fmt.Errorf("risk model has unknown state %q", s)
		}
	}
	for key, row := range m.CPT {
		if len(row) != len(m.States) {
			return nil, fmt.Errorf("risk model row %q has %d probabilities, expected %d", key, len(row), len(m.States))
		}
	}
	return &m, nil
}

// DiscretizeBehaviour maps an anomaly score to its evidence category.
func DiscretizeBehaviour(score float64) string {
	switch {
	case score >= 0.7:
		return "critical"
	case score >= 0.4:
		return "suspicious"
	default:
		return "normal"
	}
}

// DiscretizeTwin maps a deviation score to its evidence category.
func DiscretizeTwin(score float64) string {
	switch {
	case score >= 0.7:
		return "critical"
	case score >= 0.4:
		return "degraded"
	default:
		return "nominal"
	}
}

// DiscretizeRoute maps a corridor deviation in km to its evidence category.
func DiscretizeRoute(deviationKm float64) string {
	switch {
	case deviationKm >= 2.0:
		return "major_off"
	case deviationKm >= 0.5:
		return "minor_off"
	default:
		return "on_route"
	}
}

// DiscretizeHour maps the local hour to its evidence category.
func DiscretizeHour(hour int) string {
	if domain.IsNightHour(hour) {
		return "night"
	}
	return "day"
}

// Query looks up the posterior for the given evidence categories and folds
// it into a score and confidence. score = Σ p(state)·weight(state),
// confidence = max p(state).
func (m *BayesModel) Query(behaviourCat, twinCat, routeCat, timeCat string) (float64, float64, error) {
	key := strings.Join([]string{behaviourCat, twinCat, routeCat, timeCat}, "|")
	row, ok := m.CPT[key]
	if !ok {
		return 0, 0, fmt.Errorf("no CPT row for evidence %q", key)
	}
	score := 0.0
	confidence := 0.0
	for i, p := range row {
		score += p * stateWeights[m.States[i]]
		if p > confidence {
			confidence = p
		}
	}
	return domain.Clip01(score), domain.Clip01(confidence), nil
}
