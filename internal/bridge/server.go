// Package bridge exposes the pipeline over HTTP: synchronous agent
// invocation, trip management, incident queries, health, metrics, and a
// websocket event stream. Processors own their state; the bridge only
// invokes their computations.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rakshak/backend/internal/behaviour"
	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/decision"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/explain"
	"github.com/rakshak/backend/internal/fusion"
	"github.com/rakshak/backend/internal/geocode"
	"github.com/rakshak/backend/internal/perception"
	"github.com/rakshak/backend/internal/route"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/trips"
	"github.com/rakshak/backend/internal/twin"
)

// Processors bundles everything the bridge can invoke.
type Processors struct {
	Perception *perception.Processor
	Behaviour  *behaviour.Processor
	Twin       *twin.Processor
	Route      *route.Processor
	Fusion     *fusion.Processor
	Decision   *decision.Processor
	Explain    *explain.Processor
}

// Server is the HTTP bridge.
type Server struct {
	procs     Processors
	store     store.Store
	tripStore trips.Store
	geocoder  *geocode.Geocoder
	bus       bus.Bus
	streamer  *EventStreamer
	router    *mux.Router
}

// NewServer wires the routes.
func NewServer(procs Processors, st store.Store, ts trips.Store, gc *geocode.Geocoder, b bus.Bus) *Server {
	s := &Server{
		procs:     procs,
		store:     st,
		tripStore: ts,
		geocoder:  gc,
		bus:       b,
		streamer:  NewEventStreamer(b),
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler { return s.router }

// Streamer returns the websocket fan-out, to be run under the supervisor.
func (s *Server) Streamer() *EventStreamer { return s.streamer }

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/events", s.streamer.HandleWebSocket)

	s.router.HandleFunc("/agents/perception", s.handlePerception).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/behaviour-analysis", s.handleBehaviour).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/digital-twin", s.handleTwin).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/route", s.handleRoute).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/risk-fusion", s.handleFusion).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/decision", s.handleDecision).Methods(http.MethodPost)
	s.router.HandleFunc("/agents/explain", s.handleExplain).Methods(http.MethodPost)

	s.router.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	s.router.HandleFunc("/trucks/{truck_id}/incidents", s.handleIncidents).Methods(http.MethodGet)
	s.router.HandleFunc("/explanations/{incident_id}", s.handleExplanation).Methods(http.MethodGet)
}

// ===========================================================
// Response helpers
// ===========================================================

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// requireTrip validates a caller-supplied trip id. An empty id is allowed;
// a non-empty id must name an existing active trip for the truck.
func (s *Server) requireTrip(ctx context.Context, w http.ResponseWriter, tripID, truckID string) bool {
	if tripID == "" || s.tripStore == nil {
		return true
	}
	trip, err := s.tripStore.ActiveTrip(ctx, truckID)
	if errors.Is(err, trips.ErrNoActiveTrip) || (err == nil && trip.TripID != tripID) {
		writeError(w, http.StatusNotFound, "unknown trip "+tripID)
		return false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trip lookup failed")
		return false
	}
	return true
}

func (s *Server) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(v)
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("[Bridge] Publish failed", "topic", topic, "error", err)
	}
}

// ===========================================================
// Handlers
// ===========================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": domain.NowISO(time.Now())})
}

func (s *Server) handlePerception(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID   string `json:"trip_id"`
		TruckID  string `json:"truck_id"`
		FrameB64 string `json:"frame_b64"`
		FrameID  int64  `json:"frame_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FrameB64 == "" {
		writeError(w, http.StatusBadRequest, "frame_b64 is required")
		return
	}
	if !s.requireTrip(r.Context(), w, req.TripID, req.TruckID) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.FrameB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame_b64 is not valid base64")
		return
	}
	tracks := s.procs.Perception.ProcessFrame(raw)
	out := s.procs.Perception.BuildOutput(tracks)
	if req.TruckID != "" {
		out.TruckID = req.TruckID
	}
	s.publish(r.Context(), domain.TopicPerceptionOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBehaviour(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID  string         `json:"trip_id"`
		TruckID string         `json:"truck_id"`
		Tracks  []domain.Track `json:"tracks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TruckID == "" {
		writeError(w, http.StatusBadRequest, "truck_id is required")
		return
	}
	for _, t := range req.Tracks {
		if t.Confidence < 0 || t.Confidence > 1 {
			writeError(w, http.StatusBadRequest, "track confidence outside [0,1]")
			return
		}
	}
	if !s.requireTrip(r.Context(), w, req.TripID, req.TruckID) {
		return
	}
	out := s.procs.Behaviour.Evaluate(req.TruckID, req.Tracks)
	s.publish(r.Context(), domain.TopicBehaviourOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTwin(w http.ResponseWriter, r *http.Request) {
	var req domain.IoTTelemetry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TruckID == "" {
		writeError(w, http.StatusBadRequest, "truck_id is required")
		return
	}
	if req.IoTSignalStrength < 0 || req.IoTSignalStrength > 1 {
		writeError(w, http.StatusBadRequest, "iot_signal_strength outside [0,1]")
		return
	}
	out := s.procs.Twin.Evaluate(r.Context(), req)
	s.publish(r.Context(), domain.TopicTwinOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID  string   `json:"trip_id"`
		TruckID string   `json:"truck_id"`
		GPSLat  *float64 `json:"gps_lat"`
		GPSLon  *float64 `json:"gps_lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.GPSLat == nil || req.GPSLon == nil {
		writeError(w, http.StatusBadRequest, "gps_lat and gps_lon are required")
		return
	}
	if !s.requireTrip(r.Context(), w, req.TripID, req.TruckID) {
		return
	}
	out := s.procs.Route.Evaluate(req.TruckID, *req.GPSLat, *req.GPSLon, time.Now().Hour())
	s.publish(r.Context(), domain.TopicRouteOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFusion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID    string                 `json:"trip_id"`
		TruckID   string                 `json:"truck_id"`
		Behaviour domain.BehaviourOutput `json:"behaviour"`
		Twin      domain.TwinOutput      `json:"twin"`
		Route     domain.RouteOutput     `json:"route"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TruckID == "" {
		writeError(w, http.StatusBadRequest, "truck_id is required")
		return
	}
	if !s.requireTrip(r.Context(), w, req.TripID, req.TruckID) {
		return
	}
	req.Behaviour.TruckID = req.TruckID
	req.Twin.TruckID = req.TruckID
	req.Route.TruckID = req.TruckID
	out := s.procs.Fusion.FuseNow(req.Behaviour, req.Twin, req.Route)
	s.publish(r.Context(), domain.TopicRiskOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req domain.RiskOutput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TruckID == "" {
		writeError(w, http.StatusBadRequest, "truck_id is required")
		return
	}
	if req.CompositeRiskScore < 0 || req.CompositeRiskScore > 1 {
		writeError(w, http.StatusBadRequest, "composite_risk_score outside [0,1]")
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = domain.ClassifyRiskLevel(req.CompositeRiskScore)
	}
	out := s.procs.Decision.Evaluate(r.Context(), req)
	s.publish(r.Context(), domain.TopicDecisionOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID   string                `json:"trip_id"`
		Risk     domain.RiskOutput     `json:"risk_payload"`
		Decision domain.DecisionOutput `json:"decision_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Decision.IncidentID == "" {
		req.Decision.IncidentID = req.Risk.IncidentID
	}
	if req.Risk.IncidentID != "" {
		s.procs.Explain.CacheRisk(req.Risk)
	}
	out := s.procs.Explain.Explain(r.Context(), req.Decision)
	s.publish(r.Context(), domain.TopicExplainOutput, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TruckID         string `json:"truck_id"`
		StartName       string `json:"start_location_name"`
		DestinationName string `json:"destination_name"`
		StartTime       string `json:"start_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TruckID == "" || req.StartName == "" || req.DestinationName == "" {
		writeError(w, http.StatusBadRequest, "truck_id, start_location_name and destination_name are required")
		return
	}
	if s.tripStore == nil {
		writeError(w, http.StatusInternalServerError, "trip persistence is not configured")
		return
	}

	startTime := time.Now()
	if req.StartTime != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_time is not RFC3339")
			return
		}
		startTime = ts
	}

	trip := trips.Trip{
		TruckID:         req.TruckID,
		StartName:       req.StartName,
		DestinationName: req.DestinationName,
		StartTime:       startTime,
		Status:          trips.StatusScheduled,
	}
	if s.geocoder != nil {
		start := s.geocoder.Resolve(req.StartName)
		dest := s.geocoder.Resolve(req.DestinationName)
		if rt, err := s.geocoder.CalculateRoute(r.Context(), start, dest); err == nil {
			trip.BaselineRisk = geocode.BaselineRisk(rt.DistanceMeters, req.StartName, req.DestinationName)
			trip.EstimatedArrival = startTime.Add(time.Duration(rt.DurationSeconds) * time.Second)
		} else {
			slog.Warn("[Bridge] Route planning failed, trip created without baseline",
				"truck_id", req.TruckID, "error", err)
		}
	}

	created, err := s.tripStore.CreateTrip(r.Context(), trip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trip creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	truckID := mux.Vars(r)["truck_id"]
	if s.store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	items, err := s.store.LRange(r.Context(), "incidents:"+truckID, 0, -1)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "incident lookup failed")
		return
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExplanation(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["incident_id"]
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no explanation for incident "+incidentID)
		return
	}
	data, err := s.store.Get(r.Context(), "explanation:"+incidentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no explanation for incident "+incidentID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "explanation lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
