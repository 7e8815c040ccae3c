package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/store"
)

const (
	signalStalenessS = 10.0
	scoreTTL         = 60 * time.Second

	// Incomplete slots idle for 10 freshness windows are evicted.
	slotIdleEvictionS = 10 * signalStalenessS
)

// Base weights for the weighted fallback, quality-adjusted per event.
var fallbackWeights = map[string]float64{
	"behaviour": 0.35,
	"twin":      0.30,
	"route":     0.25,
	"temporal":  0.10,
}

// QualityFactor decays with signal age: exp(-0.01 * age_seconds).
func QualityFactor(ageSeconds float64) float64 {
	return math.Exp(-0.01 * ageSeconds)
}

// TemporalScore is the time-of-day risk prior: 0.8 at night, 0.4 during
// rush hours, 0.1 otherwise.
func TemporalScore(hour int) float64 {
	if domain.IsNightHour(hour) {
		return 0.8
	}
	if (hour >= 6 && hour < 9) || (hour >= 18 && hour < 22) {
		return 0.4
	}
	return 0.1
}

// signalSlot holds one buffered signal with its arrival time.
type signalSlot struct {
	behaviour *domain.BehaviourOutput
	twin      *domain.TwinOutput
	route     *domain.RouteOutput

	behaviourAt time.Time
	twinAt      time.Time
	routeAt     time.Time
}

func (s *signalSlot) complete() bool {
	return s.behaviour != nil && s.twin != nil && s.route != nil
}

// lastReceived is the newest arrival time across the buffered signals.
func (s *signalSlot) lastReceived() time.Time {
	latest := s.behaviourAt
	if s.twinAt.After(latest) {
		latest = s.twinAt
	}
	if s.routeAt.After(latest) {
		latest = s.routeAt
	}
	return latest
}

func (s *signalSlot) allFresh(now time.Time) bool {
	for _, at := range []time.Time{s.behaviourAt, s.twinAt, s.routeAt} {
		if now.Sub(at).Seconds() > signalStalenessS {
			return false
		}
	}
	return true
}

// Processor correlates the three upstream signals per truck and publishes
// risk.output once all three are present and fresh.
type Processor struct {
	model *BayesModel // nil selects weighted fusion
	store store.Store
	bus   bus.Bus

	mu    sync.Mutex
	slots map[string]*signalSlot

	// Now and NewIncidentID are replaceable in tests.
	Now           func() time.Time
	NewIncidentID func() string
}

// New constructs a fusion processor. model may be nil.
func New(model *BayesModel, st store.Store, b bus.Bus) *Processor {
	return &Processor{
		model:         model,
		store:         st,
		bus:           b,
		slots:         make(map[string]*signalSlot),
		Now:           time.Now,
		NewIncidentID: func() string { return uuid.NewString() },
	}
}

// TriggeredRules derives the rule tags for one fusion event.
func TriggeredRules(behaviour domain.BehaviourOutput, twin domain.TwinOutput, route domain.RouteOutput, score float64) []string {
	rules := []string{}
	if behaviour.LoiteringDetected {
		rules = append(rules, domain.RuleLoiteringDetected)
	}
	if twin.DoorState == domain.DoorOpen && !twin.DriverRFIDScanned {
		rules = append(rules, domain.RuleDoorOpenNoRFID)
	}
	if !route.InSafeCorridor {
		rules = append(rules, domain.RuleGeofenceViolation)
	}
	if route.InHighRiskZone {
		rules = append(rules, domain.RuleHighRiskZoneEntry)
	}
	if score >= 0.85 {
		rules = append(rules, domain.RuleCriticalThresholdBreach)
	}
	return rules
}

// WeightedFusion averages the component scores with quality-adjusted
// weights. Confidence is the product of the quality factors.
func WeightedFusion(components map[string]float64, ages map[string]float64) (float64, float64) {
	total := 0.0
	composite := 0.0
	for key, baseW := range fallbackWeights {
		w := baseW * QualityFactor(ages[key])
		total += w
		composite += w * components[key]
	}
	if total > 0 {
		composite /= total
	} else {
		composite = 0
	}
	confidence := 1.0
	for _, age := range ages {
		confidence *= QualityFactor(age)
	}
	return domain.Clip01(composite), domain.Clip01(confidence)
}

// fuse runs one fusion event over a complete, fresh slot.
func (p *Processor) fuse(slot *signalSlot, now time.Time) domain.RiskOutput {
	hour := now.Hour()
	components := map[string]float64{
		"behaviour": slot.behaviour.AnomalyScore,
		"twin":      slot.twin.DeviationScore,
		"route":     slot.route.RouteRiskScore,
		"temporal":  TemporalScore(hour),
	}
	ages := map[string]float64{
		"behaviour": now.Sub(slot.behaviourAt).Seconds(),
		"twin":      now.Sub(slot.twinAt).Seconds(),
		"route":     now.Sub(slot.routeAt).Seconds(),
		"temporal":  0,
	}

	var score, confidence float64
	method := domain.FusionWeighted
	if p.model != nil {
		s, c, err := p.model.Query(
			DiscretizeBehaviour(slot.behaviour.AnomalyScore),
			DiscretizeTwin(slot.twin.DeviationScore),
			DiscretizeRoute(slot.route.DeviationKm),
			DiscretizeHour(hour),
		)
		if err == nil {
			score, confidence, method = s, c, domain.FusionBayesian
		} else {
			slog.Warn("[RiskFusion] Inference failed, falling back to weighted scoring", "error", err)
			score, confidence = WeightedFusion(components, ages)
		}
	} else {
		score, confidence = WeightedFusion(components, ages)
	}

	return domain.RiskOutput{
		TruckID:            slot.twin.TruckID,
		Timestamp:          domain.NowISO(now),
		IncidentID:         p.NewIncidentID(),
		CompositeRiskScore: score,
		RiskLevel:          domain.ClassifyRiskLevel(score),
		Confidence:         confidence,
		ComponentScores:    components,
		TriggeredRules:     TriggeredRules(*slot.behaviour, *slot.twin, *slot.route, score),
		FusionMethod:       method,
	}
}

// FuseNow runs one fusion event over caller-supplied signals, all treated
// as fresh. Used by the synchronous bridge path; the streaming buffers are
// untouched.
func (p *Processor) FuseNow(b domain.BehaviourOutput, t domain.TwinOutput, r domain.RouteOutput) domain.RiskOutput {
	now := p.Now()
	slot := &signalSlot{
		behaviour: &b, behaviourAt: now,
		twin: &t, twinAt: now,
		route: &r, routeAt: now,
	}
	return p.fuse(slot, now)
}

// Ingest buffers one signal and returns a RiskOutput when the truck's slot
// became complete and fresh, or nil. The slot is cleared after firing.
func (p *Processor) Ingest(topic string, payload []byte) (*domain.RiskOutput, error) {
	truckID := ""
	var apply func(slot *signalSlot, now time.Time)

	switch topic {
	case domain.TopicBehaviourOutput:
		var v domain.BehaviourOutput
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		truckID = v.TruckID
		apply = func(slot *signalSlot, now time.Time) { slot.behaviour = &v; slot.behaviourAt = now }
	case domain.TopicTwinOutput:
		var v domain.TwinOutput
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		truckID = v.TruckID
		apply = func(slot *signalSlot, now time.Time) { slot.twin = &v; slot.twinAt = now }
	case domain.TopicRouteOutput:
		var v domain.RouteOutput
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		truckID = v.TruckID
		apply = func(slot *signalSlot, now time.Time) { slot.route = &v; slot.routeAt = now }
	default:
		return nil, fmt.Errorf("unexpected topic %q", topic)
	}
	if truckID == "" {
		return nil, fmt.Errorf("signal on %s has no truck_id", topic)
	}

	now := p.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	// Trucks that went quiet leave incomplete slots behind; sweep them so
	// the map tracks the active fleet, not every truck ever seen.
	for id, s := range p.slots {
		if id != truckID && now.Sub(s.lastReceived()).Seconds() > slotIdleEvictionS {
			delete(p.slots, id)
		}
	}

	slot, ok := p.slots[truckID]
	if !ok {
		slot = &signalSlot{}
		p.slots[truckID] = slot
	}
	apply(slot, now)

	if !slot.complete() {
		return nil, nil
	}
	if !slot.allFresh(now) {
		// A stale slot never fires; wait for replacements to refresh it.
		return nil, nil
	}
	out := p.fuse(slot, now)
	delete(p.slots, truckID)
	return &out, nil
}

// Run consumes the three upstream topics until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicBehaviourOutput, domain.TopicTwinOutput, domain.TopicRouteOutput)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[RiskFusion] Started", "model_loaded", p.model != nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			out, err := p.Ingest(msg.Topic, msg.Payload)
			if err != nil {
				metrics.ProcessorMessagesTotal.WithLabelValues("fusion", "invalid").Inc()
				slog.Warn("[RiskFusion] Dropping signal", "topic", msg.Topic, "error", err)
				continue
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("fusion", "ok").Inc()
			if out == nil {
				continue
			}
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicRiskOutput, payload); err != nil {
				slog.Warn("[RiskFusion] Publish failed", "error", err)
			}
			if p.store != nil {
				score := []byte(fmt.Sprintf("%g", out.CompositeRiskScore))
				if err := p.store.SetEx(ctx, "risk_score:"+out.TruckID, score, scoreTTL); err != nil {
					slog.Debug("[RiskFusion] Score write failed", "error", err)
				}
			}
			metrics.FusionEventsTotal.WithLabelValues(out.FusionMethod, out.RiskLevel).Inc()
			slog.Info("[RiskFusion] Risk assessment computed",
				"truck_id", out.TruckID,
				"incident_id", out.IncidentID,
				"risk_level", out.RiskLevel,
				"composite_score", out.CompositeRiskScore,
				"method", out.FusionMethod,
				"triggered_rules", out.TriggeredRules)
		}
	}
}
