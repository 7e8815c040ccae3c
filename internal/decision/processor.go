package decision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/notify"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/trips"
)

const incidentListMax = 50

// incidentRecord is the JSON shape kept on the incidents:{truck} list.
type incidentRecord struct {
	IncidentID     string   `json:"incident_id"`
	TruckID        string   `json:"truck_id"`
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name"`
	RiskScore      float64  `json:"risk_score"`
	RiskLevel      string   `json:"risk_level"`
	TriggeredRules []string `json:"triggered_rules"`
	LoggedAt       string   `json:"logged_at"`
}

// Processor consumes risk.output, evaluates the rule table, and publishes
// decision.output.
type Processor struct {
	rules     []Rule
	store     store.Store
	tripStore trips.Store // nil disables trip persistence
	bus       bus.Bus
	notifiers map[string]notify.Notifier // keyed by action name

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs a decision processor. Rules are evaluated in priority
// order regardless of the order given. Missing notifiers fall back to the
// console channel.
func New(rules []Rule, st store.Store, ts trips.Store, b bus.Bus, notifiers map[string]notify.Notifier) *Processor {
	if rules == nil {
		rules = DefaultRules()
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	if notifiers == nil {
		notifiers = map[string]notify.Notifier{}
	}
	for _, action := range []string{ActionSMS, ActionEmail} {
		if _, ok := notifiers[action]; !ok {
			notifiers[action] = &notify.ConsoleNotifier{Channel: action}
		}
	}
	return &Processor{
		rules:     sorted,
		store:     st,
		tripStore: ts,
		bus:       b,
		notifiers: notifiers,
		Now:       time.Now,
	}
}

func cooldownKey(truckID, ruleID string) string {
	return "alert_cooldown:" + truckID + ":" + ruleID
}

// onCooldown reports whether the rule recently fired for this truck. A
// store failure reads as no cooldown: a lost alert is worse than a
// duplicate one.
func (p *Processor) onCooldown(ctx context.Context, truckID, ruleID string) bool {
	if p.store == nil {
		return false
	}
	active, err := p.store.Exists(ctx, cooldownKey(truckID, ruleID))
	if err != nil {
		slog.Warn("[Decision] Cooldown check failed, treating as not on cooldown",
			"truck_id", truckID, "rule_id", ruleID, "error", err)
		return false
	}
	return active
}

func (p *Processor) setCooldown(ctx context.Context, truckID, ruleID string, d time.Duration) {
	if p.store == nil {
		return
	}
	if err := p.store.SetEx(ctx, cooldownKey(truckID, ruleID), []byte("1"), d); err != nil {
		slog.Warn("[Decision] Cooldown write failed", "truck_id", truckID, "rule_id", ruleID, "error", err)
	}
}

func (p *Processor) logIncident(ctx context.Context, r domain.RiskOutput, rule Rule) {
	rec := incidentRecord{
		IncidentID:     r.IncidentID,
		TruckID:        r.TruckID,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		RiskScore:      r.CompositeRiskScore,
		RiskLevel:      r.RiskLevel,
		TriggeredRules: r.TriggeredRules,
		LoggedAt:       domain.NowISO(p.Now()),
	}
	data, _ := json.Marshal(rec)
	if p.store != nil {
		if err := p.store.LPushTrim(ctx, "incidents:"+r.TruckID, data, incidentListMax); err != nil {
			slog.Warn("[Decision] Incident log write failed", "truck_id", r.TruckID, "error", err)
		}
	}
	if p.tripStore != nil {
		p.persistTripAlert(ctx, r, rule)
	}
}

// persistTripAlert attaches the incident to the truck's active trip and
// escalates the trip status for HIGH and CRITICAL alerts.
func (p *Processor) persistTripAlert(ctx context.Context, r domain.RiskOutput, rule Rule) {
	trip, err := p.tripStore.ActiveTrip(ctx, r.TruckID)
	if err != nil && !errors.Is(err, trips.ErrNoActiveTrip) {
		slog.Warn("[Decision] Trip lookup failed", "truck_id", r.TruckID, "error", err)
		return
	}
	alert := trips.Alert{
		TripID:      trip.TripID,
		TruckID:     r.TruckID,
		IncidentID:  r.IncidentID,
		Type:        "Fusion",
		Severity:    trips.SeverityForLevel(r.RiskLevel),
		RiskScore:   r.CompositeRiskScore,
		Description: rule.Name,
		Timestamp:   p.Now(),
	}
	if _, err := p.tripStore.RecordAlert(ctx, alert); err != nil {
		slog.Warn("[Decision] Alert persistence failed", "truck_id", r.TruckID, "error", err)
	}
	if trip.TripID == "" {
		return
	}
	if err := p.tripStore.UpdateTripRisk(ctx, trip.TripID, r.CompositeRiskScore); err != nil {
		slog.Debug("[Decision] Trip risk update failed", "trip_id", trip.TripID, "error", err)
	}
	if r.RiskLevel == domain.RiskHigh || r.RiskLevel == domain.RiskCritical {
		if err := p.tripStore.UpdateTripStatus(ctx, trip.TripID, trips.StatusAlert); err != nil {
			slog.Debug("[Decision] Trip status update failed", "trip_id", trip.TripID, "error", err)
		}
	}
}

func (p *Processor) executeActions(ctx context.Context, r domain.RiskOutput, rule Rule) []string {
	alert := notify.Alert{
		TruckID:    r.TruckID,
		IncidentID: r.IncidentID,
		RiskScore:  r.CompositeRiskScore,
		RiskLevel:  r.RiskLevel,
		RuleName:   rule.Name,
	}
	executed := []string{}
	for _, action := range rule.Actions {
		switch action {
		case ActionSMS, ActionEmail:
			if n := p.notifiers[action]; n != nil {
				if err := notify.SendWithRetry(ctx, n, alert); err != nil {
					slog.Error("[Decision] Notification failed", "channel", action, "error", err)
				}
			}
			executed = append(executed, action)
		case ActionLogIncident:
			p.logIncident(ctx, r, rule)
			executed = append(executed, action)
		}
	}
	return executed
}

// Evaluate runs one RiskOutput through the rule table.
func (p *Processor) Evaluate(ctx context.Context, r domain.RiskOutput) domain.DecisionOutput {
	out := domain.DecisionOutput{
		TruckID:      r.TruckID,
		IncidentID:   r.IncidentID,
		Timestamp:    domain.NowISO(p.Now()),
		ActionsTaken: []string{},
		RiskScore:    r.CompositeRiskScore,
		RiskLevel:    r.RiskLevel,
	}

	for _, rule := range p.rules {
		if !rule.Matches(r) {
			continue
		}
		out.RuleID = rule.ID
		out.RuleName = rule.Name

		if p.onCooldown(ctx, r.TruckID, rule.ID) {
			out.AlertSuppressed = true
			out.SuppressionReason = "Cooldown active for " + rule.ID
			metrics.AlertsSuppressedTotal.WithLabelValues(rule.ID).Inc()
			return out
		}
		p.setCooldown(ctx, r.TruckID, rule.ID, rule.Cooldown)
		out.ActionsTaken = p.executeActions(ctx, r, rule)
		metrics.AlertsFiredTotal.WithLabelValues(rule.ID).Inc()
		return out
	}
	return out
}

// Run consumes risk.output until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicRiskOutput)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[Decision] Started", "rules", len(p.rules))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var in domain.RiskOutput
			if err := json.Unmarshal(msg.Payload, &in); err != nil || in.TruckID == "" {
				metrics.ProcessorMessagesTotal.WithLabelValues("decision", "invalid").Inc()
				slog.Warn("[Decision] Dropping malformed payload", "error", err)
				continue
			}
			out := p.Evaluate(ctx, in)
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicDecisionOutput, payload); err != nil {
				slog.Warn("[Decision] Publish failed", "error", err)
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("decision", "ok").Inc()
			if !out.AlertSuppressed && out.RuleID != "" {
				slog.Warn("[Decision] Alert fired",
					"rule_name", out.RuleName,
					"truck_id", out.TruckID,
					"risk_score", out.RiskScore,
					"risk_level", out.RiskLevel,
					"actions", out.ActionsTaken)
			} else {
				slog.Debug("[Decision] Risk evaluated",
					"truck_id", out.TruckID,
					"risk_score", out.RiskScore,
					"risk_level", out.RiskLevel,
					"alert_suppressed", out.AlertSuppressed,
					"suppression_reason", out.SuppressionReason)
			}
		}
	}
}
