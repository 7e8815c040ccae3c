package route

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/paulmach/orb"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/store"
)

const (
	nightMultiplier = 1.5
	statusTTL       = 60 * time.Second
)

// TimeMultiplier is the night-hour risk multiplier.
func TimeMultiplier(hour int) float64 {
	if domain.IsNightHour(hour) {
		return nightMultiplier
	}
	return 1.0
}

// RiskScore combines corridor deviation, risk-zone membership, and the
// time multiplier into a clipped score.
func RiskScore(inSafe bool, deviationKm float64, inRiskZone bool, multiplier float64) float64 {
	base := 0.0
	if !inSafe {
		base += math.Min(deviationKm/10.0, 0.6)
	}
	if inRiskZone {
		base += 0.3
	}
	base = domain.Clip01(base)
	return domain.Clip01(base * multiplier)
}

// Processor consumes twin.output and publishes route.output.
type Processor struct {
	geo   *Geometry
	store store.Store
	bus   bus.Bus

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs a route processor. A nil geometry selects the default
// Delhi corridor set.
func New(geo *Geometry, st store.Store, b bus.Bus) *Processor {
	if geo == nil {
		geo = DefaultGeometry()
	}
	return &Processor{geo: geo, store: st, bus: b, Now: time.Now}
}

// Evaluate assesses one position. hour is the local hour of the source
// record's timestamp.
func (p *Processor) Evaluate(truckID string, lat, lon float64, hour int) domain.RouteOutput {
	pt := orb.Point{lon, lat}
	inSafe, deviationKm, corridorName := p.geo.CheckSafeCorridor(pt)
	inRisk, zoneName := p.geo.CheckRiskZones(pt)
	mult := TimeMultiplier(hour)

	return domain.RouteOutput{
		TruckID:             truckID,
		Timestamp:           domain.NowISO(p.Now()),
		GPSLat:              lat,
		GPSLon:              lon,
		InSafeCorridor:      inSafe,
		DeviationKm:         deviationKm,
		InHighRiskZone:      inRisk,
		HighRiskZoneName:    zoneName,
		RouteRiskScore:      RiskScore(inSafe, deviationKm, inRisk, mult),
		TimeMultiplier:      mult,
		NearestCorridorName: corridorName,
	}
}

// Run consumes twin.output until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicTwinOutput)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[Route] Started",
		"corridors", len(p.geo.SafeCorridors),
		"risk_zones", len(p.geo.RiskZones))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var in domain.TwinOutput
			if err := json.Unmarshal(msg.Payload, &in); err != nil || in.TruckID == "" {
				metrics.ProcessorMessagesTotal.WithLabelValues("route", "invalid").Inc()
				slog.Warn("[Route] Dropping malformed payload", "error", err)
				continue
			}
			hour := p.Now().Hour()
			if ts, err := time.Parse(time.RFC3339Nano, in.Timestamp); err == nil {
				hour = ts.Hour()
			}
			out := p.Evaluate(in.TruckID, in.GPSLat, in.GPSLon, hour)
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicRouteOutput, payload); err != nil {
				slog.Warn("[Route] Publish failed", "error", err)
			}
			if p.store != nil {
				if err := p.store.SetEx(ctx, "route_status:"+in.TruckID, payload, statusTTL); err != nil {
					slog.Debug("[Route] Status write failed", "error", err)
				}
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("route", "ok").Inc()
			if !out.InSafeCorridor || out.InHighRiskZone {
				slog.Warn("[Route] Route violation detected",
					"truck_id", out.TruckID,
					"in_safe_corridor", out.InSafeCorridor,
					"deviation_km", out.DeviationKm,
					"in_high_risk_zone", out.InHighRiskZone,
					"risk_zone_name", out.HighRiskZoneName,
					"route_risk_score", out.RouteRiskScore)
			} else {
				slog.Debug("[Route] Route status normal", "truck_id", out.TruckID, "route_risk_score", out.RouteRiskScore)
			}
		}
	}
}
