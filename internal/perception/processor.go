package perception

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
)

// Config tunes the perception processor.
type Config struct {
	TruckID string
	// ConfThreshold is the minimum detection confidence. Zero selects 0.5,
	// or 0.4 when Accelerated is false (the CPU path needs looser pruning).
	ConfThreshold float64
	Accelerated   bool
	TrackerMaxAge int
	TrackerNInit  int
}

// Processor consumes camera.frames and publishes perception.output.
type Processor struct {
	cfg      Config
	detector Detector
	bus      bus.Bus

	mu      sync.Mutex
	tracker *Tracker
	frameID int64

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs a perception processor. A nil detector selects the
// built-in luminance fallback.
func New(cfg Config, detector Detector, b bus.Bus) *Processor {
	if cfg.TruckID == "" {
		cfg.TruckID = "TRK-001"
	}
	if cfg.ConfThreshold == 0 {
		if cfg.Accelerated {
			cfg.ConfThreshold = 0.5
		} else {
			cfg.ConfThreshold = 0.4
		}
	}
	if detector == nil {
		detector = &LumaDetector{}
	}
	return &Processor{
		cfg:      cfg,
		detector: detector,
		bus:      b,
		tracker:  NewTracker(cfg.TrackerMaxAge, cfg.TrackerNInit),
		Now:      time.Now,
	}
}

// ProcessFrame decodes one frame, runs detection and tracking, and returns
// the confirmed tracks. Undecodable frames yield an empty track list.
func (p *Processor) ProcessFrame(frameBytes []byte) []domain.Track {
	now := p.Now()

	img, ok := DecodeFrame(frameBytes)
	if !ok {
		return nil
	}

	dets, err := p.detector.Detect(img)
	if err != nil {
		slog.Warn("[Perception] Detector failed", "error", err)
		return nil
	}
	filtered := dets[:0]
	for _, d := range dets {
		if d.Confidence >= p.cfg.ConfThreshold && trackedClasses[d.ClassName] {
			filtered = append(filtered, d)
		}
	}

	p.mu.Lock()
	confirmed := p.tracker.Update(filtered, now)
	p.mu.Unlock()

	tracks := make([]domain.Track, 0, len(confirmed))
	for _, tr := range confirmed {
		dx, dy := tr.velocity()
		tracks = append(tracks, domain.Track{
			TrackID:      tr.id,
			ClassName:    tr.className,
			Confidence:   tr.confidence,
			BBox:         tr.bbox,
			Velocity:     domain.Velocity{DX: dx, DY: dy},
			DwellSeconds: now.Sub(tr.firstSeen).Seconds(),
		})
	}
	return tracks
}

// SceneTags derives frame-level tags from the track set and local hour.
func SceneTags(tracks []domain.Track, hour int) []string {
	tags := []string{}

	if domain.IsNightHour(hour) {
		tags = append(tags, domain.TagNight)
	}

	driverPresent := false
	loitering := false
	for _, t := range tracks {
		if t.ClassName == "person" {
			driverPresent = true
		}
		if t.DwellSeconds > 30 {
			loitering = true
		}
	}
	if !driverPresent {
		tags = append(tags, domain.TagNoDriverPresent)
	}
	if loitering {
		tags = append(tags, domain.TagLoiteringDetected)
	}
	if len(tracks) > 3 {
		tags = append(tags, domain.TagCrowdDetected)
	}
	return tags
}

// BuildOutput assembles the published record for one frame.
func (p *Processor) BuildOutput(tracks []domain.Track) domain.PerceptionOutput {
	now := p.Now()
	p.mu.Lock()
	id := p.frameID
	p.frameID++
	p.mu.Unlock()
	return domain.PerceptionOutput{
		TruckID:   p.cfg.TruckID,
		FrameID:   id,
		Timestamp: domain.NowISO(now),
		Tracks:    tracks,
		SceneTags: SceneTags(tracks, now.Hour()),
	}
}

// Run consumes camera.frames until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicCameraFrames)
	if err != nil {
		return err
	}
	defer sub.Close()
	slog.Info("[Perception] Started", "truck_id", p.cfg.TruckID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			var frame domain.CameraFrame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				metrics.ProcessorMessagesTotal.WithLabelValues("perception", "invalid").Inc()
				slog.Warn("[Perception] Dropping malformed frame payload", "error", err)
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(frame.FrameBytes)
			if err != nil {
				metrics.ProcessorMessagesTotal.WithLabelValues("perception", "invalid").Inc()
				continue
			}
			tracks := p.ProcessFrame(raw)
			out := p.BuildOutput(tracks)
			if frame.TruckID != "" {
				out.TruckID = frame.TruckID
			}
			payload, _ := json.Marshal(out)
			if err := p.bus.Publish(ctx, domain.TopicPerceptionOutput, payload); err != nil {
				slog.Warn("[Perception] Publish failed", "error", err)
			}
			metrics.ProcessorMessagesTotal.WithLabelValues("perception", "ok").Inc()
			slog.Debug("[Perception] Frame processed", "frame_id", out.FrameID, "track_count", len(tracks))
		}
	}
}
