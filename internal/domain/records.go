// Package domain defines the record types carried on the pipeline bus.
// Records are immutable after publication; every processor owns the
// encode/decode of its own topic.
package domain

import "time"

// Bus topic names. Payloads are JSON-encoded records from this package.
const (
	TopicCameraFrames     = "camera.frames"
	TopicIoTTelemetry     = "iot.telemetry"
	TopicPerceptionOutput = "perception.output"
	TopicBehaviourOutput  = "behaviour.output"
	TopicTwinOutput       = "twin.output"
	TopicRouteOutput      = "route.output"
	TopicRiskOutput       = "risk.output"
	TopicDecisionOutput   = "decision.output"
	TopicExplainOutput    = "explain.output"
)

// Door states reported by the IoT sensor kit.
const (
	DoorOpen   = "OPEN"
	DoorClosed = "CLOSED"
)

// Twin status classification.
const (
	TwinNominal  = "NOMINAL"
	TwinDegraded = "DEGRADED"
	TwinCritical = "CRITICAL"
)

// Risk levels for composite scores.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Fusion methods.
const (
	FusionBayesian = "bayesian"
	FusionWeighted = "weighted_fallback"
)

// Triggered-rule tags attached to RiskOutput.
const (
	RuleLoiteringDetected       = "LOITERING_DETECTED"
	RuleDoorOpenNoRFID          = "DOOR_OPEN_NO_RFID"
	RuleGeofenceViolation       = "GEOFENCE_VIOLATION"
	RuleHighRiskZoneEntry       = "HIGH_RISK_ZONE_ENTRY"
	RuleCriticalThresholdBreach = "CRITICAL_THRESHOLD_BREACH"
)

// Scene tags attached to PerceptionOutput.
const (
	TagNight             = "night"
	TagNoDriverPresent   = "no_driver_present"
	TagLoiteringDetected = "loitering_detected"
	TagCrowdDetected     = "crowd_detected"
)

// Velocity is the per-tick pixel displacement of a track centroid.
type Velocity struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Track is one tracked object in the camera scene.
type Track struct {
	TrackID      int      `json:"track_id"`
	ClassName    string   `json:"class_name"`
	Confidence   float64  `json:"confidence"`
	BBox         [4]int   `json:"bbox"` // x1, y1, x2, y2 in image coordinates
	Velocity     Velocity `json:"velocity"`
	DwellSeconds float64  `json:"dwell_seconds"`
}

// CameraFrame is the raw input on camera.frames.
type CameraFrame struct {
	TruckID    string `json:"truck_id"`
	FrameBytes string `json:"frame_bytes"` // base64-encoded image
}

// PerceptionOutput is published per processed frame.
type PerceptionOutput struct {
	TruckID   string   `json:"truck_id"`
	FrameID   int64    `json:"frame_id"`
	Timestamp string   `json:"timestamp"`
	Tracks    []Track  `json:"tracks"`
	SceneTags []string `json:"scene_tags"`
}

// IoTTelemetry is the raw sensor payload on iot.telemetry.
type IoTTelemetry struct {
	TruckID           string  `json:"truck_id"`
	Timestamp         string  `json:"timestamp"`
	GPSLat            float64 `json:"gps_lat"`
	GPSLon            float64 `json:"gps_lon"`
	DoorState         string  `json:"door_state"`
	CargoWeightKg     float64 `json:"cargo_weight_kg"`
	EngineOn          bool    `json:"engine_on"`
	DriverRFIDScanned bool    `json:"driver_rfid_scanned"`
	IoTSignalStrength float64 `json:"iot_signal_strength"`
}

// GeoPoint is a lat/lon pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TwinBaseline is the expected state of a truck, looked up per truck id.
type TwinBaseline struct {
	ExpectedWeightKg   float64  `json:"expected_weight_kg"`
	ExpectedDoorState  string   `json:"expected_door_state"`
	PlannedRouteCenter GeoPoint `json:"planned_route_center"`
	MaxDeviationKm     float64  `json:"max_deviation_km"`
}

// TwinOutput is the digital-twin deviation assessment.
type TwinOutput struct {
	TruckID           string   `json:"truck_id"`
	Timestamp         string   `json:"timestamp"`
	GPSLat            float64  `json:"gps_lat"`
	GPSLon            float64  `json:"gps_lon"`
	DoorState         string   `json:"door_state"`
	CargoWeightKg     float64  `json:"cargo_weight_kg"`
	EngineOn          bool     `json:"engine_on"`
	DriverRFIDScanned bool     `json:"driver_rfid_scanned"`
	DeviationScore    float64  `json:"deviation_score"`
	Deviations        []string `json:"deviations"`
	TwinStatus        string   `json:"twin_status"`
	IoTSignalFresh    bool     `json:"iot_signal_fresh"`
}

// RouteOutput is the geofence assessment of a GPS position.
type RouteOutput struct {
	TruckID             string  `json:"truck_id"`
	Timestamp           string  `json:"timestamp"`
	GPSLat              float64 `json:"gps_lat"`
	GPSLon              float64 `json:"gps_lon"`
	InSafeCorridor      bool    `json:"in_safe_corridor"`
	DeviationKm         float64 `json:"deviation_km"`
	InHighRiskZone      bool    `json:"in_high_risk_zone"`
	HighRiskZoneName    string  `json:"high_risk_zone_name,omitempty"`
	RouteRiskScore      float64 `json:"route_risk_score"`
	TimeMultiplier      float64 `json:"time_multiplier"`
	NearestCorridorName string  `json:"nearest_corridor_name,omitempty"`
}

// BehaviourOutput is the anomaly assessment of the current track set.
type BehaviourOutput struct {
	TruckID            string          `json:"truck_id"`
	Timestamp          string          `json:"timestamp"`
	AnomalyScore       float64         `json:"anomaly_score"`
	IsAnomaly          bool            `json:"is_anomaly"`
	FlaggedTrackIDs    []int           `json:"flagged_track_ids"`
	LoiteringDetected  bool            `json:"loitering_detected"`
	LoiteringDuration  float64         `json:"loitering_duration_s"`
	CrowdAnomaly       bool            `json:"crowd_anomaly"`
	RawScores          map[int]float64 `json:"raw_scores"`
}

// RiskOutput is one fusion event: three fresh signals correlated into a
// composite score. incident_id is allocated here and carried downstream.
type RiskOutput struct {
	TruckID            string             `json:"truck_id"`
	Timestamp          string             `json:"timestamp"`
	IncidentID         string             `json:"incident_id"`
	CompositeRiskScore float64            `json:"composite_risk_score"`
	RiskLevel          string             `json:"risk_level"`
	Confidence         float64            `json:"confidence"`
	ComponentScores    map[string]float64 `json:"component_scores"`
	TriggeredRules     []string           `json:"triggered_rules"`
	FusionMethod       string             `json:"fusion_method"`
}

// DecisionOutput records the rule-engine verdict for one RiskOutput.
type DecisionOutput struct {
	TruckID           string   `json:"truck_id"`
	IncidentID        string   `json:"incident_id"`
	Timestamp         string   `json:"timestamp"`
	RuleID            string   `json:"rule_id,omitempty"`
	RuleName          string   `json:"rule_name,omitempty"`
	ActionsTaken      []string `json:"actions_taken"`
	AlertSuppressed   bool     `json:"alert_suppressed"`
	SuppressionReason string   `json:"suppression_reason,omitempty"`
	RiskScore         float64  `json:"risk_score"`
	RiskLevel         string   `json:"risk_level"`
}

// ExplanationOutput is the human-readable account of a fired decision.
type ExplanationOutput struct {
	IncidentID       string  `json:"incident_id"`
	TruckID          string  `json:"truck_id"`
	Timestamp        string  `json:"timestamp"`
	ExplanationText  string  `json:"explanation_text"`
	SummarizerID     string  `json:"llm_model_used"`
	GenerationTimeMs float64 `json:"generation_time_ms"`
	ConfidenceNoted  float64 `json:"confidence_noted"`
	RiskLevel        string  `json:"risk_level"`
}

// Clip01 clamps a score into [0, 1]. Every score field on every published
// record passes through this before serialization.
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClassifyRiskLevel discretizes a composite score. Boundaries are inclusive
// on the upper band: exactly 0.45/0.65/0.85 classify as MEDIUM/HIGH/CRITICAL.
func ClassifyRiskLevel(score float64) string {
	switch {
	case score >= 0.85:
		return RiskCritical
	case score >= 0.65:
		return RiskHigh
	case score >= 0.45:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClassifyTwinStatus discretizes a deviation score.
func ClassifyTwinStatus(score float64) string {
	switch {
	case score >= 0.7:
		return TwinCritical
	case score >= 0.4:
		return TwinDegraded
	default:
		return TwinNominal
	}
}

// IsNightHour reports whether the local hour falls in the night band
// [22,24) ∪ [0,6).
func IsNightHour(hour int) bool {
	return hour >= 22 || hour < 6
}

// NowISO formats a timestamp the way every published record carries it.
func NowISO(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
