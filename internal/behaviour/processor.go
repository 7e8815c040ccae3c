package behaviour

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
)

const (
	loiteringThresholdS = 30.0
	anomalyThreshold    = 0.6
	crowdTrackCount     = 4
)

// Processor consumes perception.output and publishes behaviour.output.
type Processor struct {
	scorer Scorer // nil means heuristic-only
	bus    bus.Bus

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs a behaviour processor. scorer may be nil.
func New(scorer Scorer, b bus.Bus) *Processor {
	return &Processor{scorer: scorer, bus: b, Now: time.Now}
}

// BuildFeatures extracts the model feature vector for one track.
func BuildFeatures(t domain.Track, hour int) []float64 {
	vmag := math.Hypot(t.Velocity.DX, t.Velocity.DY)
	nearDoor := 0.0
	if t.DwellSeconds > 20 {
		nearDoor = 1.0
	}
	return []float64{t.DwellSeconds, vmag, t.Confidence, nearDoor, float64(hour)}
}

// HeuristicScore is the rule fallback when no model is loaded. Components:
// 0.4 for dwell>30s, 0.3 for dwell>60s, 0.2 for slow movement while
// dwelling, 0.1 for night hours; clipped to 1.
func HeuristicScore(t domain.Track, hour int) float64 {
	score := 0.0
	vmag := math.Hypot(t.Velocity.DX, t.Velocity.DY)
	if t.DwellSeconds > 30 {
		score += 0.4
	}
	if t.DwellSeconds > 60 {
		score += 0.3
	}
	if vmag < 0.5 && t.DwellSeconds > 20 {
		score += 0.2
	}
	if hour >= 22 || hour <= 5 {
		score += 0.1
	}
	return domain.Clip01(score)
}

// Evaluate scores a track batch and assembles the published record.
func (p *Processor) Evaluate(truckID string, tracks []domain.Track) domain.BehaviourOutput {
	now := p.Now()
	hour := now.Hour()

	rawScores := make(map[int]float64, len(tracks))
	if p.scorer != nil && len(tracks) > 0 {
		features := make([][]float64, len(tracks))
		for i, t := range tracks {
			features[i] = BuildFeatures(t, hour)
		}
		raw, err := p.scorer.ScoreBatch(features)
		if err == nil {
			for i, n := range NormalizeScores(raw) {
				rawScores[tracks[i].TrackID] = n
			}
		} else {
			slog.Warn("[Behaviour] Model scoring failed, using heuristic", "error", err)
		}
	}
	if len(rawScores) == 0 {
		for _, t := range tracks {
			rawScores[t.TrackID] = HeuristicScore(t, hour)
		}
	}

	flagged := []int{}
	overall := 0.0
	for id, s := range rawScores {
		if s > anomalyThreshold {
			flagged = append(flagged, id)
		}
		if s > overall {
			overall = s
		}
	}

	flaggedSet := make(map[int]bool, len(flagged))
	for _, id := range flagged {
		flaggedSet[id] = true
	}
	// Loitering: a long-dwelling track that is also flagged. Duration is
	// the longest dwell among all long-dwelling tracks.
	loitering := false
	loiteringDuration := 0.0
	for _, t := range tracks {
		if t.DwellSeconds > loiteringThresholdS {
			if t.DwellSeconds > loiteringDuration {
				loiteringDuration = t.DwellSeconds
			}
			if flaggedSet[t.TrackID] {
				loitering = true
			}
		}
	}

	return domain.BehaviourOutput{
		TruckID:           truckID,
		Timestamp:         domain.NowISO(now),
		AnomalyScore:      domain.Clip01(overall),
		IsAnomaly:         overall > anomalyThreshold,
		FlaggedTrackIDs:   flagged,
		LoiteringDetected: loitering,
		LoiteringDuration: loiteringDuration,
		CrowdAnomaly:      len(tracks) > crowdTrackCount && overall > 0.5,
		RawScores:         rawScores,
	}
}

// Run consumes perception.output until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicPerceptionOutput)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[Behaviour] Started", "model_loaded", p.scorer != nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var in domain.PerceptionOutput
			if err := json.Unmarshal(msg.Payload, &in); err != nil {
				metrics.ProcessorMessagesTotal.WithLabelValues("behaviour", "invalid").Inc()
				slog.Warn("[Behaviour] Dropping malformed payload", "error", err)
				continue
			}
			out := p.Evaluate(in.TruckID, in.Tracks)
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicBehaviourOutput, payload); err != nil {
				slog.Warn("[Behaviour] Publish failed", "error", err)
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("behaviour", "ok").Inc()
			if out.IsAnomaly {
				slog.Warn("[Behaviour] Anomaly detected",
					"truck_id", out.TruckID,
					"anomaly_score", out.AnomalyScore,
					"flagged_tracks", len(out.FlaggedTrackIDs))
			} else {
				slog.Debug("[Behaviour] Normal behaviour", "truck_id", out.TruckID, "anomaly_score", out.AnomalyScore)
			}
		}
	}
}
