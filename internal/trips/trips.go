// Package trips persists fleet trips and the alerts raised against them.
// The decision engine records fired alerts here and escalates the active
// trip when an incident occurs.
package trips

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoActiveTrip is returned when a truck has no scheduled or in-transit
// trip to attach an alert to.
var ErrNoActiveTrip = errors.New("trips: no active trip")

// Trip status values.
const (
	StatusScheduled = "Scheduled"
	StatusInTransit = "In-Transit"
	StatusCompleted = "Completed"
	StatusAlert     = "Alert"
	StatusCancelled = "Cancelled"
)

// Alert severity values, aligned with risk levels.
const (
	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"
)

// Trip is one planned or running haul for a truck.
type Trip struct {
	TripID           string    `json:"trip_id"`
	TruckID          string    `json:"truck_id"`
	StartName        string    `json:"start_location_name"`
	DestinationName  string    `json:"destination_name"`
	StartTime        time.Time `json:"start_time"`
	EstimatedArrival time.Time `json:"estimated_arrival,omitempty"`
	BaselineRisk     float64   `json:"baseline_route_risk"`
	CurrentRisk      float64   `json:"current_calculated_risk"`
	Status           string    `json:"status"`
}

// Alert is one persisted incident against a trip.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	TripID      string    `json:"trip_id"`
	TruckID     string    `json:"truck_id"`
	IncidentID  string    `json:"incident_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	RiskScore   float64   `json:"risk_score"`
	Description string    `json:"description"`
	Explanation string    `json:"ai_explanation,omitempty"`
	Resolved    bool      `json:"resolved"`
	Timestamp   time.Time `json:"timestamp"`
}

// SeverityForLevel maps a risk level to the persisted severity.
func SeverityForLevel(level string) string {
	switch level {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Store is the trip persistence capability.
type Store interface {
	CreateTrip(ctx context.Context, t Trip) (Trip, error)
	ActiveTrip(ctx context.Context, truckID string) (Trip, error)
	UpdateTripStatus(ctx context.Context, tripID, status string) error
	UpdateTripRisk(ctx context.Context, tripID string, risk float64) error
	RecordAlert(ctx context.Context, a Alert) (Alert, error)
	AlertsForTruck(ctx context.Context, truckID string, limit int) ([]Alert, error)
	AttachExplanation(ctx context.Context, incidentID, explanation string) error
}

// MemoryStore keeps trips and alerts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]Trip
	alerts []Alert
}

// NewMemoryStore constructs an empty in-memory trip store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]Trip)}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t Trip) (Trip, error) {
	if t.TripID == "" {
		t.TripID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusScheduled
	}
	m.mu.Lock()
	m.trips[t.TripID] = t
	m.mu.Unlock()
	return t, nil
}

func (m *MemoryStore) ActiveTrip(ctx context.Context, truckID string) (Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Trip
	for _, t := range m.trips {
		if t.TruckID != truckID {
			continue
		}
		switch t.Status {
		case StatusScheduled, StatusInTransit, StatusAlert:
			cp := t
			if found == nil || cp.StartTime.After(found.StartTime) {
				found = &cp
			}
		}
	}
	if found == nil {
		return Trip{}, ErrNoActiveTrip
	}
	return *found, nil
}

func (m *MemoryStore) UpdateTripStatus(ctx context.Context, tripID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNoActiveTrip
	}
	t.Status = status
	m.trips[tripID] = t
	return nil
}

func (m *MemoryStore) UpdateTripRisk(ctx context.Context, tripID string, risk float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNoActiveTrip
	}
	t.CurrentRisk = risk
	m.trips[tripID] = t
	return nil
}

func (m *MemoryStore) RecordAlert(ctx context.Context, a Alert) (Alert, error) {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
	return a, nil
}

func (m *MemoryStore) AlertsForTruck(ctx context.Context, truckID string, limit int) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.TruckID == truckID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachExplanation(ctx context.Context, incidentID, explanation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].IncidentID == incidentID {
			m.alerts[i].Explanation = explanation
			return nil
		}
	}
	return nil
}
