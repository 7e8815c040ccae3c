package explain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/trips"
)

type fixedSummarizer struct {
	id   string
	text string
	err  error
}

func (s *fixedSummarizer) ID() string { return s.id }

func (s *fixedSummarizer) Summarize(context.Context, string) (string, error) {
	return s.text, s.err
}

func sampleRisk() domain.RiskOutput {
	return domain.RiskOutput{
		TruckID:            "TRK-001",
		IncidentID:         "INC-1",
		CompositeRiskScore: 0.91,
		RiskLevel:          domain.RiskCritical,
		Confidence:         0.88,
		ComponentScores:    map[string]float64{"behaviour": 0.9, "twin": 0.8, "route": 0.6, "temporal": 0.8},
		TriggeredRules:     []string{domain.RuleLoiteringDetected, domain.RuleGeofenceViolation, domain.RuleCriticalThresholdBreach},
		FusionMethod:       domain.FusionBayesian,
	}
}

func sampleDecision() domain.DecisionOutput {
	return domain.DecisionOutput{
		TruckID:      "TRK-001",
		IncidentID:   "INC-1",
		RuleID:       "R001",
		RuleName:     "CRITICAL_THEFT_ALERT",
		ActionsTaken: []string{"sms", "email", "log_incident"},
		RiskScore:    0.91,
		RiskLevel:    domain.RiskCritical,
	}
}

func TestRiskCacheLRU(t *testing.T) {
	c := newRiskCache(3)
	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("INC-%d", i), domain.RiskOutput{IncidentID: fmt.Sprintf("INC-%d", i)})
	}
	assert.Equal(t, 3, c.len())

	// Touch INC-0 so INC-1 is the eviction candidate.
	_, ok := c.get("INC-0")
	require.True(t, ok)

	c.put("INC-3", domain.RiskOutput{IncidentID: "INC-3"})
	assert.Equal(t, 3, c.len())
	_, ok = c.get("INC-1")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.get("INC-0")
	assert.True(t, ok)
	_, ok = c.get("INC-3")
	assert.True(t, ok)
}

func TestRiskCacheUpdateMovesToFront(t *testing.T) {
	c := newRiskCache(2)
	c.put("A", domain.RiskOutput{})
	c.put("B", domain.RiskOutput{})
	c.put("A", domain.RiskOutput{CompositeRiskScore: 0.5})
	c.put("C", domain.RiskOutput{})

	_, ok := c.get("B")
	assert.False(t, ok)
	got, ok := c.get("A")
	require.True(t, ok)
	assert.InDelta(t, 0.5, got.CompositeRiskScore, 1e-9)
}

func TestTemplateExplanation(t *testing.T) {
	now := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	text := TemplateExplanation(sampleDecision(), sampleRisk(), now)

	assert.Contains(t, text, "truck TRK-001")
	assert.Contains(t, text, "CRITICAL risk with a composite score of 0.91")
	// Only the top two flags are named.
	assert.Contains(t, text, domain.RuleLoiteringDetected+", "+domain.RuleGeofenceViolation)
	assert.NotContains(t, text, domain.RuleCriticalThresholdBreach)
	assert.Contains(t, text, "Actions taken: sms, email, log_incident")
}

func TestTemplateExplanationEmptyEvidence(t *testing.T) {
	now := time.Now()
	text := TemplateExplanation(domain.DecisionOutput{TruckID: "TRK-002", RiskLevel: domain.RiskMedium}, domain.RiskOutput{}, now)
	assert.Contains(t, text, "MEDIUM risk")
	assert.Contains(t, text, "Sensor data indicates: None")
	assert.Contains(t, text, "Actions taken: None")
}

func TestBuildPrompt(t *testing.T) {
	now := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	prompt := BuildPrompt(sampleDecision(), sampleRisk(), now)

	assert.Contains(t, prompt, "You are RAKSHAK AI")
	assert.Contains(t, prompt, "Truck ID: TRK-001")
	assert.Contains(t, prompt, "Composite Risk Score: 0.91 (Confidence: 88%)")
	assert.Contains(t, prompt, "Rule Triggered: CRITICAL_THEFT_ALERT")
	assert.Contains(t, prompt, "Behaviour Anomaly Score: 0.90")
	assert.Contains(t, prompt, "Fusion Method: bayesian")
}

func TestExplainUsesSummarizer(t *testing.T) {
	p := New(&fixedSummarizer{id: "gpt-4o-mini", text: "The truck loitered."}, nil, nil, bus.NewInProcBus(0))
	p.CacheRisk(sampleRisk())

	out := p.Explain(context.Background(), sampleDecision())
	assert.Equal(t, "The truck loitered.", out.ExplanationText)
	assert.Equal(t, "gpt-4o-mini", out.SummarizerID)
	assert.Equal(t, "INC-1", out.IncidentID)
	assert.InDelta(t, 0.88, out.ConfidenceNoted, 1e-9)
	assert.Equal(t, domain.RiskCritical, out.RiskLevel)
}

func TestExplainFallsBackOnSummarizerError(t *testing.T) {
	p := New(&fixedSummarizer{id: "gpt-4o-mini", err: errors.New("rate limited")}, nil, nil, bus.NewInProcBus(0))
	p.CacheRisk(sampleRisk())

	out := p.Explain(context.Background(), sampleDecision())
	assert.Equal(t, TemplateID, out.SummarizerID)
	assert.Contains(t, out.ExplanationText, "truck TRK-001")
}

func TestExplainWithoutCachedRisk(t *testing.T) {
	p := New(nil, nil, nil, bus.NewInProcBus(0))

	out := p.Explain(context.Background(), sampleDecision())
	// The decision's own risk level covers a cache miss.
	assert.Equal(t, domain.RiskCritical, out.RiskLevel)
	assert.Equal(t, TemplateID, out.SummarizerID)
	assert.NotEmpty(t, out.ExplanationText)
}

func TestHandleDecisionPersistsAndPublishes(t *testing.T) {
	st := store.NewMemoryStore()
	ts := trips.NewMemoryStore()
	b := bus.NewInProcBus(4)
	ctx := context.Background()

	_, err := ts.RecordAlert(ctx, trips.Alert{TruckID: "TRK-001", IncidentID: "INC-1"})
	require.NoError(t, err)

	sub, err := b.Subscribe(domain.TopicExplainOutput)
	require.NoError(t, err)

	p := New(nil, st, ts, b)
	p.CacheRisk(sampleRisk())
	p.handleDecision(ctx, sampleDecision())

	select {
	case msg := <-sub.C:
		assert.Equal(t, domain.TopicExplainOutput, msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("no explanation published")
	}

	stored, err := st.Get(ctx, "explanation:INC-1")
	require.NoError(t, err)
	assert.Contains(t, string(stored), "TRK-001")

	alerts, err := ts.AlertsForTruck(ctx, "TRK-001", 1)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotEmpty(t, alerts[0].Explanation)
}

func TestHandleDecisionSkipsSuppressedAndUnmatched(t *testing.T) {
	st := store.NewMemoryStore()
	p := New(nil, st, nil, bus.NewInProcBus(0))
	ctx := context.Background()

	suppressed := sampleDecision()
	suppressed.AlertSuppressed = true
	p.handleDecision(ctx, suppressed)

	unmatched := sampleDecision()
	unmatched.RuleID = ""
	p.handleDecision(ctx, unmatched)

	_, err := st.Get(ctx, "explanation:INC-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenAISummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices": [{"message": {"content": "Generated explanation."}}]}`)
	}))
	defer srv.Close()

	s := NewOpenAISummarizer("sk-test", "")
	s.BaseURL = srv.URL
	assert.Equal(t, "gpt-4o-mini", s.ID())

	text, err := s.Summarize(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Generated explanation.", text)
}

func TestOpenAISummarizerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewOpenAISummarizer("sk-test", "gpt-4o-mini")
	s.BaseURL = srv.URL
	_, err := s.Summarize(context.Background(), "prompt")
	assert.Error(t, err)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": []}`)
	}))
	defer empty.Close()
	s.BaseURL = empty.URL
	_, err = s.Summarize(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestOllamaSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		fmt.Fprint(w, `{"response": "Local explanation."}`)
	}))
	defer srv.Close()

	s := NewOllamaSummarizer(srv.URL, "")
	assert.Equal(t, "llama3", s.ID())

	text, err := s.Summarize(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Local explanation.", text)
}
