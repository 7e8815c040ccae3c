package trips

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore persists trips and alerts in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS trips (
	trip_id            UUID PRIMARY KEY,
	truck_id           TEXT NOT NULL,
	start_name         TEXT NOT NULL DEFAULT '',
	destination_name   TEXT NOT NULL DEFAULT '',
	start_time         TIMESTAMPTZ NOT NULL,
	estimated_arrival  TIMESTAMPTZ,
	baseline_risk      DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_risk       DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'Scheduled'
);
CREATE INDEX IF NOT EXISTS trips_truck_status_idx ON trips (truck_id, status);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id     UUID PRIMARY KEY,
	trip_id      UUID REFERENCES trips (trip_id) ON DELETE CASCADE,
	truck_id     TEXT NOT NULL,
	incident_id  TEXT NOT NULL,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	risk_score   DOUBLE PRECISION NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	explanation  TEXT,
	resolved     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_truck_idx ON alerts (truck_id, created_at DESC);
CREATE INDEX IF NOT EXISTS alerts_incident_idx ON alerts (incident_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate trips schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTrip(ctx context.Context, t Trip) (Trip, error) {
	if t.TripID == "" {
		t.TripID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusScheduled
	}
	var eta sql.NullTime
	if !t.EstimatedArrival.IsZero() {
		eta = sql.NullTime{Time: t.EstimatedArrival, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trips (trip_id, truck_id, start_name, destination_name,
			start_time, estimated_arrival, baseline_risk, current_risk, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.TripID, t.TruckID, t.StartName, t.DestinationName,
		t.StartTime, eta, t.BaselineRisk, t.CurrentRisk, t.Status)
	if err != nil {
		return Trip{}, fmt.Errorf("create trip: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ActiveTrip(ctx context.Context, truckID string) (Trip, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trip_id, truck_id, start_name, destination_name,
			start_time, COALESCE(estimated_arrival, 'epoch'::timestamptz),
			baseline_risk, current_risk, status
		FROM trips
		WHERE truck_id = $1 AND status IN ($2, $3, $4)
		ORDER BY start_time DESC
		LIMIT 1`,
		truckID, StatusScheduled, StatusInTransit, StatusAlert)

	var t Trip
	err := row.Scan(&t.TripID, &t.TruckID, &t.StartName, &t.DestinationName,
		&t.StartTime, &t.EstimatedArrival, &t.BaselineRisk, &t.CurrentRisk, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, ErrNoActiveTrip
	}
	if err != nil {
		return Trip{}, fmt.Errorf("query active trip: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTripStatus(ctx context.Context, tripID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trips SET status = $2 WHERE trip_id = $1`, tripID, status)
	if err != nil {
		return fmt.Errorf("update trip status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoActiveTrip
	}
	return nil
}

func (s *PostgresStore) UpdateTripRisk(ctx context.Context, tripID string, risk float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trips SET current_risk = $2 WHERE trip_id = $1`, tripID, risk)
	if err != nil {
		return fmt.Errorf("update trip risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoActiveTrip
	}
	return nil
}

func (s *PostgresStore) RecordAlert(ctx context.Context, a Alert) (Alert, error) {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	var tripID any
	if a.TripID != "" {
		tripID = a.TripID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, trip_id, truck_id, incident_id, type,
			severity, risk_score, description, explanation, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		a.AlertID, tripID, a.TruckID, a.IncidentID, a.Type,
		a.Severity, a.RiskScore, a.Description, a.Explanation, a.Resolved, a.Timestamp)
	if err != nil {
		return Alert{}, fmt.Errorf("record alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AlertsForTruck(ctx context.Context, truckID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, COALESCE(trip_id::text, ''), truck_id, incident_id, type,
			severity, risk_score, description, COALESCE(explanation, ''), resolved, created_at
		FROM alerts
		WHERE truck_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, truckID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.AlertID, &a.TripID, &a.TruckID, &a.IncidentID, &a.Type,
			&a.Severity, &a.RiskScore, &a.Description, &a.Explanation, &a.Resolved, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AttachExplanation(ctx context.Context, incidentID, explanation string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET explanation = $2 WHERE incident_id = $1`, incidentID, explanation)
	if err != nil {
		return fmt.Errorf("attach explanation: %w", err)
	}
	return nil
}
