// Package decision evaluates fused risk scores against an ordered rule
// table, fires alerts with cooldown deduplication, and keeps the per-truck
// incident log.
package decision

import (
	"time"

	"github.com/rakshak/backend/internal/domain"
)

// Actions a rule can request.
const (
	ActionSMS         = "sms"
	ActionEmail       = "email"
	ActionLogIncident = "log_incident"
)

// Rule is one row of the decision table.
type Rule struct {
	ID       string
	Name     string
	Matches  func(r domain.RiskOutput) bool
	Actions  []string
	Cooldown time.Duration
	Priority int
}

// DefaultRules is the production rule table, ordered by priority when
// evaluated. Score bands are half-open: the upper bound of each band
// belongs to the next rule up.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:   "R001",
			Name: "CRITICAL_THEFT_ALERT",
			Matches: func(r domain.RiskOutput) bool {
				return r.CompositeRiskScore >= 0.85
			},
			Actions:  []string{ActionSMS, ActionEmail, ActionLogIncident},
			Cooldown: 300 * time.Second,
			Priority: 1,
		},
		{
			ID:   "R002",
			Name: "HIGH_RISK_ALERT",
			Matches: func(r domain.RiskOutput) bool {
				return r.CompositeRiskScore >= 0.65 && r.CompositeRiskScore < 0.85
			},
			Actions:  []string{ActionEmail, ActionLogIncident},
			Cooldown: 600 * time.Second,
			Priority: 2,
		},
		{
			ID:   "R003",
			Name: "MEDIUM_RISK_MONITOR",
			Matches: func(r domain.RiskOutput) bool {
				return r.CompositeRiskScore >= 0.45 && r.CompositeRiskScore < 0.65
			},
			Actions:  []string{ActionLogIncident},
			Cooldown: 1800 * time.Second,
			Priority: 3,
		},
	}
}
