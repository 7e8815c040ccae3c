package fusion

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
)

func TestQualityFactor(t *testing.T) {
	assert.InDelta(t, 1.0, QualityFactor(0), 1e-9)
	assert.Less(t, QualityFactor(5), QualityFactor(0))
	assert.Less(t, QualityFactor(10), QualityFactor(5))
	assert.InDelta(t, 0.9048, QualityFactor(10), 1e-4)
}

func TestTemporalScore(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		want := 0.1
		switch {
		case hour >= 22 || hour < 6:
			want = 0.8
		case (hour >= 6 && hour < 9) || (hour >= 18 && hour < 22):
			want = 0.4
		}
		assert.InDelta(t, want, TemporalScore(hour), 1e-9, "hour %d", hour)
	}
}

func TestWeightedFusionFreshSignals(t *testing.T) {
	components := map[string]float64{
		"behaviour": 0.8,
		"twin":      0.6,
		"route":     0.4,
		"temporal":  0.8,
	}
	zero := map[string]float64{"behaviour": 0, "twin": 0, "route": 0, "temporal": 0}

	score, conf := WeightedFusion(components, zero)
	// 0.35*0.8 + 0.30*0.6 + 0.25*0.4 + 0.10*0.8
	assert.InDelta(t, 0.64, score, 1e-9)
	assert.InDelta(t, 1.0, conf, 1e-9)
}

func TestWeightedFusionAgedSignalsLowerConfidence(t *testing.T) {
	components := map[string]float64{"behaviour": 0.5, "twin": 0.5, "route": 0.5, "temporal": 0.5}
	aged := map[string]float64{"behaviour": 8, "twin": 5, "route": 2, "temporal": 0}

	score, conf := WeightedFusion(components, aged)
	// Equal components keep the score regardless of weighting.
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.InDelta(t, QualityFactor(8)*QualityFactor(5)*QualityFactor(2), conf, 1e-9)
	assert.Less(t, conf, 1.0)
}

func TestTriggeredRules(t *testing.T) {
	behaviour := domain.BehaviourOutput{LoiteringDetected: true}
	twin := domain.TwinOutput{DoorState: domain.DoorOpen, DriverRFIDScanned: false}
	route := domain.RouteOutput{InSafeCorridor: false, InHighRiskZone: true}

	rules := TriggeredRules(behaviour, twin, route, 0.9)
	assert.Equal(t, []string{
		domain.RuleLoiteringDetected,
		domain.RuleDoorOpenNoRFID,
		domain.RuleGeofenceViolation,
		domain.RuleHighRiskZoneEntry,
		domain.RuleCriticalThresholdBreach,
	}, rules)

	quiet := TriggeredRules(domain.BehaviourOutput{}, domain.TwinOutput{DoorState: domain.DoorClosed}, domain.RouteOutput{InSafeCorridor: true}, 0.2)
	assert.Empty(t, quiet)
}

func newTestProcessor(model *BayesModel) *Processor {
	p := New(model, nil, bus.NewInProcBus(0))
	base := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return base }
	p.NewIncidentID = func() string { return "INC-TEST" }
	return p
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func signalPayloads(t *testing.T, truckID string) (behaviour, twin, route []byte) {
	behaviour = marshal(t, domain.BehaviourOutput{TruckID: truckID, AnomalyScore: 0.9, LoiteringDetected: true})
	twin = marshal(t, domain.TwinOutput{TruckID: truckID, DeviationScore: 0.8, DoorState: domain.DoorClosed, DriverRFIDScanned: true})
	route = marshal(t, domain.RouteOutput{TruckID: truckID, RouteRiskScore: 0.6, DeviationKm: 3.0, InSafeCorridor: false})
	return
}

func TestIngestFiresOnlyWhenComplete(t *testing.T) {
	p := newTestProcessor(nil)
	b, tw, r := signalPayloads(t, "TRK-001")

	out, err := p.Ingest(domain.TopicBehaviourOutput, b)
	require.NoError(t, err)
	assert.Nil(t, out, "one signal must not fire")

	out, err = p.Ingest(domain.TopicTwinOutput, tw)
	require.NoError(t, err)
	assert.Nil(t, out, "two signals must not fire")

	out, err = p.Ingest(domain.TopicRouteOutput, r)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, "TRK-001", out.TruckID)
	assert.Equal(t, "INC-TEST", out.IncidentID)
	assert.Equal(t, domain.FusionWeighted, out.FusionMethod)
	assert.Contains(t, out.TriggeredRules, domain.RuleLoiteringDetected)
	assert.Contains(t, out.TriggeredRules, domain.RuleGeofenceViolation)
	assert.Greater(t, out.CompositeRiskScore, 0.0)

	// The slot cleared: the same route signal alone cannot fire again.
	out, err = p.Ingest(domain.TopicRouteOutput, r)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestIngestStaleSignalBlocksFusion(t *testing.T) {
	p := newTestProcessor(nil)
	b, tw, r := signalPayloads(t, "TRK-001")

	base := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	now := base
	p.Now = func() time.Time { return now }

	_, err := p.Ingest(domain.TopicBehaviourOutput, b)
	require.NoError(t, err)
	_, err = p.Ingest(domain.TopicTwinOutput, tw)
	require.NoError(t, err)

	// The route signal lands 12s later; the buffered pair is stale.
	now = base.Add(12 * time.Second)
	out, err := p.Ingest(domain.TopicRouteOutput, r)
	require.NoError(t, err)
	assert.Nil(t, out, "a stale slot must not fire")

	// Fresh replacements refresh the slot and it fires.
	out, err = p.Ingest(domain.TopicBehaviourOutput, b)
	require.NoError(t, err)
	assert.Nil(t, out)
	out, err = p.Ingest(domain.TopicTwinOutput, tw)
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestIngestPerTruckIsolation(t *testing.T) {
	p := newTestProcessor(nil)
	b1, tw1, _ := signalPayloads(t, "TRK-001")
	_, _, r2 := signalPayloads(t, "TRK-002")

	_, err := p.Ingest(domain.TopicBehaviourOutput, b1)
	require.NoError(t, err)
	_, err = p.Ingest(domain.TopicTwinOutput, tw1)
	require.NoError(t, err)

	// A third signal for another truck must not complete TRK-001's slot.
	out, err := p.Ingest(domain.TopicRouteOutput, r2)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestIngestEvictsIdleSlots(t *testing.T) {
	p := newTestProcessor(nil)
	bIdle, _, _ := signalPayloads(t, "TRK-IDLE")
	bOther, _, _ := signalPayloads(t, "TRK-002")

	base := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	now := base
	p.Now = func() time.Time { return now }

	_, err := p.Ingest(domain.TopicBehaviourOutput, bIdle)
	require.NoError(t, err)
	p.mu.Lock()
	_, buffered := p.slots["TRK-IDLE"]
	p.mu.Unlock()
	require.True(t, buffered)

	// Another truck's traffic 200s later sweeps the abandoned slot.
	now = base.Add(200 * time.Second)
	_, err = p.Ingest(domain.TopicBehaviourOutput, bOther)
	require.NoError(t, err)
	p.mu.Lock()
	_, buffered = p.slots["TRK-IDLE"]
	_, kept := p.slots["TRK-002"]
	p.mu.Unlock()
	assert.False(t, buffered, "idle slot must be evicted")
	assert.True(t, kept, "the live truck's slot must survive the sweep")
}

func TestIngestKeepsRecentIncompleteSlots(t *testing.T) {
	p := newTestProcessor(nil)
	b1, _, _ := signalPayloads(t, "TRK-001")
	b2, _, _ := signalPayloads(t, "TRK-002")

	base := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	now := base
	p.Now = func() time.Time { return now }

	_, err := p.Ingest(domain.TopicBehaviourOutput, b1)
	require.NoError(t, err)

	// Well inside the idle window: the slot stays buffered.
	now = base.Add(30 * time.Second)
	_, err = p.Ingest(domain.TopicBehaviourOutput, b2)
	require.NoError(t, err)
	p.mu.Lock()
	_, buffered := p.slots["TRK-001"]
	p.mu.Unlock()
	assert.True(t, buffered)
}

func TestIngestRejectsBadInput(t *testing.T) {
	p := newTestProcessor(nil)

	_, err := p.Ingest("unknown.topic", nil)
	assert.Error(t, err)

	_, err = p.Ingest(domain.TopicBehaviourOutput, []byte("{malformed"))
	assert.Error(t, err)

	_, err = p.Ingest(domain.TopicBehaviourOutput, []byte(`{"anomaly_score": 0.5}`))
	assert.Error(t, err, "missing truck_id must be rejected")
}

func TestFuseNowBayesianPath(t *testing.T) {
	m := &BayesModel{
		Target:  "TheftRisk",
		States:  []string{"low", "medium", "high", "critical"},
		Parents: []string{"BehaviourRisk", "TwinDeviation", "RouteCompliance", "TimeOfDay"},
		CPT: map[string][]float64{
			"critical|critical|major_off|night": {0.0, 0.0, 0.1, 0.9},
		},
	}
	p := newTestProcessor(m)

	out := p.FuseNow(
		domain.BehaviourOutput{TruckID: "TRK-001", AnomalyScore: 0.9},
		domain.TwinOutput{TruckID: "TRK-001", DeviationScore: 0.8, DoorState: domain.DoorClosed, DriverRFIDScanned: true},
		domain.RouteOutput{TruckID: "TRK-001", DeviationKm: 3.0, RouteRiskScore: 0.6, InSafeCorridor: false},
	)
	assert.Equal(t, domain.FusionBayesian, out.FusionMethod)
	assert.InDelta(t, 0.967, out.CompositeRiskScore, 1e-3)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.Equal(t, domain.RiskCritical, out.RiskLevel)
	assert.Contains(t, out.TriggeredRules, domain.RuleCriticalThresholdBreach)
}

func TestFuseNowTwinCriticalAloneIsAtLeastMedium(t *testing.T) {
	m, err := LoadBayesModel(filepath.Join("..", "..", "ai-models", "risk_model.json"))
	require.NoError(t, err)
	p := newTestProcessor(m)
	p.Now = func() time.Time { return time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC) }

	// Quiet behaviour, on-route, midday: the compromised twin still
	// dominates the assessment.
	out := p.FuseNow(
		domain.BehaviourOutput{TruckID: "TRK-001", AnomalyScore: 0.1},
		domain.TwinOutput{TruckID: "TRK-001", DeviationScore: 0.8, DoorState: domain.DoorClosed, DriverRFIDScanned: true},
		domain.RouteOutput{TruckID: "TRK-001", DeviationKm: 0.0, RouteRiskScore: 0.0, InSafeCorridor: true},
	)
	assert.Equal(t, domain.FusionBayesian, out.FusionMethod)
	assert.GreaterOrEqual(t, out.CompositeRiskScore, 0.45)
	assert.NotEqual(t, domain.RiskLow, out.RiskLevel)
}

func TestFuseNowMissingRowFallsBackToWeighted(t *testing.T) {
	m := &BayesModel{
		Target:  "TheftRisk",
		States:  []string{"low", "medium", "high", "critical"},
		Parents: []string{"BehaviourRisk", "TwinDeviation", "RouteCompliance", "TimeOfDay"},
		CPT:     map[string][]float64{},
	}
	p := newTestProcessor(m)

	out := p.FuseNow(
		domain.BehaviourOutput{TruckID: "TRK-001", AnomalyScore: 0.9},
		domain.TwinOutput{TruckID: "TRK-001", DeviationScore: 0.8, DoorState: domain.DoorClosed, DriverRFIDScanned: true},
		domain.RouteOutput{TruckID: "TRK-001", DeviationKm: 3.0, RouteRiskScore: 0.6, InSafeCorridor: false},
	)
	assert.Equal(t, domain.FusionWeighted, out.FusionMethod)
	// 0.35*0.9 + 0.30*0.8 + 0.25*0.6 + 0.10*0.8 with fresh signals.
	assert.InDelta(t, 0.785, out.CompositeRiskScore, 1e-9)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)
}
