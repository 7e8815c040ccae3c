package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/notify"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/trips"
)

// brokenStore fails every operation, standing in for an unreachable backend.
type brokenStore struct{}

var errDown = errors.New("backend down")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenStore) Set(context.Context, string, []byte) error   { return errDown }
func (brokenStore) SetEx(context.Context, string, []byte, time.Duration) error { return errDown }
func (brokenStore) Exists(context.Context, string) (bool, error)               { return false, errDown }
func (brokenStore) Delete(context.Context, ...string) error                    { return errDown }
func (brokenStore) LPushTrim(context.Context, string, []byte, int) error       { return errDown }
func (brokenStore) LRange(context.Context, string, int, int) ([][]byte, error) { return nil, errDown }

// recordingNotifier captures alerts sent through one channel.
type recordingNotifier struct {
	mu   sync.Mutex
	name string
	sent []notify.Alert
	fail bool
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("send failed")
	}
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func riskAt(score float64) domain.RiskOutput {
	return domain.RiskOutput{
		TruckID:            "TRK-001",
		IncidentID:         "INC-1",
		CompositeRiskScore: score,
		RiskLevel:          domain.ClassifyRiskLevel(score),
		TriggeredRules:     []string{domain.RuleGeofenceViolation},
	}
}

func newTestProcessor(st store.Store, ts trips.Store) (*Processor, *recordingNotifier, *recordingNotifier) {
	sms := &recordingNotifier{name: "sms"}
	email := &recordingNotifier{name: "email"}
	p := New(nil, st, ts, bus.NewInProcBus(0), map[string]notify.Notifier{
		ActionSMS:   sms,
		ActionEmail: email,
	})
	return p, sms, email
}

func TestRuleBandBoundaries(t *testing.T) {
	cases := []struct {
		score  float64
		ruleID string
	}{
		{0.44, ""},
		{0.45, "R003"},
		{0.64, "R003"},
		{0.65, "R002"},
		{0.84, "R002"},
		{0.85, "R001"},
		{1.0, "R001"},
	}
	for _, c := range cases {
		p, _, _ := newTestProcessor(store.NewMemoryStore(), nil)
		out := p.Evaluate(context.Background(), riskAt(c.score))
		assert.Equal(t, c.ruleID, out.RuleID, "score %v", c.score)
	}
}

func TestCriticalAlertFiresAllActions(t *testing.T) {
	p, sms, email := newTestProcessor(store.NewMemoryStore(), nil)

	out := p.Evaluate(context.Background(), riskAt(0.9))
	assert.Equal(t, "R001", out.RuleID)
	assert.Equal(t, "CRITICAL_THEFT_ALERT", out.RuleName)
	assert.Equal(t, []string{ActionSMS, ActionEmail, ActionLogIncident}, out.ActionsTaken)
	assert.False(t, out.AlertSuppressed)
	assert.Equal(t, 1, sms.count())
	assert.Equal(t, 1, email.count())
}

func TestMediumRiskOnlyLogs(t *testing.T) {
	st := store.NewMemoryStore()
	p, sms, email := newTestProcessor(st, nil)

	out := p.Evaluate(context.Background(), riskAt(0.5))
	assert.Equal(t, "R003", out.RuleID)
	assert.Equal(t, []string{ActionLogIncident}, out.ActionsTaken)
	assert.Equal(t, 0, sms.count())
	assert.Equal(t, 0, email.count())

	items, err := st.LRange(context.Background(), "incidents:TRK-001", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var rec incidentRecord
	require.NoError(t, json.Unmarshal(items[0], &rec))
	assert.Equal(t, "INC-1", rec.IncidentID)
	assert.Equal(t, "R003", rec.RuleID)
}

func TestLowRiskNoRule(t *testing.T) {
	p, _, _ := newTestProcessor(store.NewMemoryStore(), nil)

	out := p.Evaluate(context.Background(), riskAt(0.2))
	assert.Empty(t, out.RuleID)
	assert.Empty(t, out.ActionsTaken)
	assert.False(t, out.AlertSuppressed)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	p, sms, _ := newTestProcessor(store.NewMemoryStore(), nil)
	ctx := context.Background()

	first := p.Evaluate(ctx, riskAt(0.9))
	assert.False(t, first.AlertSuppressed)

	second := p.Evaluate(ctx, riskAt(0.9))
	assert.True(t, second.AlertSuppressed)
	assert.Equal(t, "Cooldown active for R001", second.SuppressionReason)
	assert.Equal(t, "R001", second.RuleID)
	assert.Empty(t, second.ActionsTaken)
	assert.Equal(t, 1, sms.count(), "suppressed alert must not notify again")
}

func TestCooldownPerRuleAndTruck(t *testing.T) {
	p, _, _ := newTestProcessor(store.NewMemoryStore(), nil)
	ctx := context.Background()

	assert.False(t, p.Evaluate(ctx, riskAt(0.9)).AlertSuppressed)

	// A different band fires its own rule despite R001's cooldown.
	assert.False(t, p.Evaluate(ctx, riskAt(0.7)).AlertSuppressed)

	// Another truck is independent.
	other := riskAt(0.9)
	other.TruckID = "TRK-002"
	assert.False(t, p.Evaluate(ctx, other).AlertSuppressed)
}

func TestStoreFailureNeverSuppresses(t *testing.T) {
	p, sms, _ := newTestProcessor(brokenStore{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := p.Evaluate(ctx, riskAt(0.9))
		assert.False(t, out.AlertSuppressed, "attempt %d", i)
	}
	assert.Equal(t, 3, sms.count())
}

func TestIncidentListTrimsToFifty(t *testing.T) {
	st := store.NewMemoryStore()
	p, _, _ := newTestProcessor(st, nil)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		r := riskAt(0.5)
		r.IncidentID = fmt.Sprintf("INC-%d", i)
		// Clear the cooldown so every evaluation logs.
		require.NoError(t, st.Delete(ctx, "alert_cooldown:TRK-001:R003"))
		p.Evaluate(ctx, r)
	}

	items, err := st.LRange(ctx, "incidents:TRK-001", 0, -1)
	require.NoError(t, err)
	assert.Len(t, items, 50)

	var newest incidentRecord
	require.NoError(t, json.Unmarshal(items[0], &newest))
	assert.Equal(t, "INC-59", newest.IncidentID)
}

func TestTripAlertPersistence(t *testing.T) {
	ts := trips.NewMemoryStore()
	ctx := context.Background()
	trip, err := ts.CreateTrip(ctx, trips.Trip{TruckID: "TRK-001", StartName: "Delhi", DestinationName: "Jaipur"})
	require.NoError(t, err)

	p, _, _ := newTestProcessor(store.NewMemoryStore(), ts)
	p.Evaluate(ctx, riskAt(0.9))

	alerts, err := ts.AlertsForTruck(ctx, "TRK-001", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "INC-1", alerts[0].IncidentID)
	assert.Equal(t, trips.SeverityCritical, alerts[0].Severity)

	active, err := ts.ActiveTrip(ctx, "TRK-001")
	require.NoError(t, err)
	assert.Equal(t, trip.TripID, active.TripID)
	assert.Equal(t, trips.StatusAlert, active.Status)
	assert.InDelta(t, 0.9, active.CurrentRisk, 1e-9)
}

func TestNotifierFailureStillRecordsAction(t *testing.T) {
	sms := &recordingNotifier{name: "sms", fail: true}
	email := &recordingNotifier{name: "email"}
	p := New(nil, store.NewMemoryStore(), nil, bus.NewInProcBus(0), map[string]notify.Notifier{
		ActionSMS:   sms,
		ActionEmail: email,
	})

	out := p.Evaluate(context.Background(), riskAt(0.9))
	// A notification failure is logged, not fatal: the action list still
	// reflects what was attempted and the email went out.
	assert.Equal(t, []string{ActionSMS, ActionEmail, ActionLogIncident}, out.ActionsTaken)
	assert.Equal(t, 1, email.count())
}
