// Package twin maintains a virtual replica of each truck from IoT
// telemetry and scores deviations from the per-truck baseline: cargo
// weight, door security, GPS drift, and signal quality.
package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/store"
)

const (
	weightDeltaThresholdKg = 50.0
	weakSignalThreshold    = 0.3
	freshnessWindowS       = 60.0
	stateTTL               = 300 * time.Second
)

// DefaultBaseline is used when no baseline is stored for a truck or the
// store is unreachable.
func DefaultBaseline() domain.TwinBaseline {
	return domain.TwinBaseline{
		ExpectedWeightKg:   2000.0,
		ExpectedDoorState:  domain.DoorClosed,
		PlannedRouteCenter: domain.GeoPoint{Lat: 28.6139, Lon: 77.2090},
		MaxDeviationKm:     0.5,
	}
}

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dlat := rad(lat2 - lat1)
	dlon := rad(lon2 - lon1)
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(a))
}

// Processor consumes iot.telemetry and publishes twin.output.
type Processor struct {
	store store.Store
	bus   bus.Bus

	mu        sync.RWMutex
	baselines map[string]domain.TwinBaseline // per-truck cache, read-mostly

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs a twin processor.
func New(st store.Store, b bus.Bus) *Processor {
	return &Processor{
		store:     st,
		bus:       b,
		baselines: make(map[string]domain.TwinBaseline),
		Now:       time.Now,
	}
}

// Baseline returns the baseline for a truck: cached, then store, then the
// default. Store failures never block the hot path.
func (p *Processor) Baseline(ctx context.Context, truckID string) domain.TwinBaseline {
	p.mu.RLock()
	bl, ok := p.baselines[truckID]
	p.mu.RUnlock()
	if ok {
		return bl
	}

	bl = DefaultBaseline()
	if p.store != nil {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if data, err := p.store.Get(cctx, "baseline:"+truckID); err == nil {
			var loaded domain.TwinBaseline
			if err := json.Unmarshal(data, &loaded); err == nil {
				bl = loaded
			} else {
				slog.Warn("[DigitalTwin] Malformed baseline, using default", "truck_id", truckID, "error", err)
			}
		}
	}

	p.mu.Lock()
	p.baselines[truckID] = bl
	p.mu.Unlock()
	return bl
}

// SetBaseline seeds a baseline (used by cmd wiring and tests; baselines are
// read-only in the hot path).
func (p *Processor) SetBaseline(ctx context.Context, truckID string, bl domain.TwinBaseline) error {
	p.mu.Lock()
	p.baselines[truckID] = bl
	p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	data, err := json.Marshal(bl)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, "baseline:"+truckID, data)
}

// DetectDeviations compares telemetry to the baseline and returns the
// reason list plus the mean component score.
func DetectDeviations(t domain.IoTTelemetry, bl domain.TwinBaseline) ([]string, float64) {
	var reasons []string
	var components []float64

	if delta := math.Abs(t.CargoWeightKg - bl.ExpectedWeightKg); delta > weightDeltaThresholdKg {
		reasons = append(reasons, fmt.Sprintf("Cargo weight deviation: %.1fkg", delta))
		components = append(components, math.Min(delta/500.0, 1.0))
	}

	if t.DoorState == domain.DoorOpen && !t.EngineOn && !t.DriverRFIDScanned {
		reasons = append(reasons, "Door open without RFID authorization")
		components = append(components, 0.8)
	}

	devKm := HaversineKm(t.GPSLat, t.GPSLon, bl.PlannedRouteCenter.Lat, bl.PlannedRouteCenter.Lon)
	if devKm > bl.MaxDeviationKm {
		reasons = append(reasons, fmt.Sprintf("GPS off-route by %.2fkm", devKm))
		components = append(components, math.Min(devKm/5.0, 1.0))
	}

	if t.IoTSignalStrength < weakSignalThreshold {
		reasons = append(reasons, "Weak IoT signal — possible jamming")
		components = append(components, 0.4)
	}

	if len(components) == 0 {
		return reasons, 0
	}
	sum := 0.0
	for _, c := range components {
		sum += c
	}
	return reasons, domain.Clip01(sum / float64(len(components)))
}

// Evaluate runs the full twin assessment for one telemetry record.
func (p *Processor) Evaluate(ctx context.Context, t domain.IoTTelemetry) domain.TwinOutput {
	now := p.Now()
	bl := p.Baseline(ctx, t.TruckID)
	reasons, score := DetectDeviations(t, bl)

	fresh := true
	if ts, err := time.Parse(time.RFC3339Nano, t.Timestamp); err == nil {
		fresh = now.Sub(ts).Seconds() < freshnessWindowS
	}

	return domain.TwinOutput{
		TruckID:           t.TruckID,
		Timestamp:         domain.NowISO(now),
		GPSLat:            t.GPSLat,
		GPSLon:            t.GPSLon,
		DoorState:         t.DoorState,
		CargoWeightKg:     t.CargoWeightKg,
		EngineOn:          t.EngineOn,
		DriverRFIDScanned: t.DriverRFIDScanned,
		DeviationScore:    score,
		Deviations:        reasons,
		TwinStatus:        domain.ClassifyTwinStatus(score),
		IoTSignalFresh:    fresh,
	}
}

// Run consumes iot.telemetry until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicIoTTelemetry)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[DigitalTwin] Started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var t domain.IoTTelemetry
			if err := json.Unmarshal(msg.Payload, &t); err != nil || t.TruckID == "" {
				metrics.ProcessorMessagesTotal.WithLabelValues("twin", "invalid").Inc()
				slog.Warn("[DigitalTwin] Dropping malformed telemetry", "error", err)
				continue
			}
			out := p.Evaluate(ctx, t)
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicTwinOutput, payload); err != nil {
				slog.Warn("[DigitalTwin] Publish failed", "error", err)
			}
			if p.store != nil {
				if err := p.store.SetEx(ctx, "twin_state:"+t.TruckID, payload, stateTTL); err != nil {
					slog.Debug("[DigitalTwin] State write failed", "error", err)
				}
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("twin", "ok").Inc()
			if out.TwinStatus != domain.TwinNominal {
				slog.Warn("[DigitalTwin] Deviation detected",
					"truck_id", t.TruckID,
					"status", out.TwinStatus,
					"deviation_score", out.DeviationScore,
					"deviations", out.Deviations)
			} else {
				slog.Debug("[DigitalTwin] Status nominal", "truck_id", t.TruckID, "deviation_score", out.DeviationScore)
			}
		}
	}
}
