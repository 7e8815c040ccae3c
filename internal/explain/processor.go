package explain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/trips"
)

const (
	riskCacheSize  = 100
	explanationTTL = 24 * time.Hour
)

// Processor joins decision.output with cached risk.output and publishes
// explain.output for every fired rule.
type Processor struct {
	summarizer Summarizer // nil selects the template for everything
	store      store.Store
	tripStore  trips.Store // nil disables explanation persistence
	bus        bus.Bus
	cache      *riskCache

	// Now is replaceable in tests.
	Now func() time.Time
}

// New constructs an explainability processor. summarizer may be nil.
func New(summarizer Summarizer, st store.Store, ts trips.Store, b bus.Bus) *Processor {
	return &Processor{
		summarizer: summarizer,
		store:      st,
		tripStore:  ts,
		bus:        b,
		cache:      newRiskCache(riskCacheSize),
		Now:        time.Now,
	}
}

// CacheRisk remembers a risk assessment for later join with its decision.
func (p *Processor) CacheRisk(risk domain.RiskOutput) {
	if risk.IncidentID == "" {
		return
	}
	p.cache.put(risk.IncidentID, risk)
}

// Explain produces the explanation record for one fired decision. Remote
// summarizer failures fall back to the template, never to an error.
func (p *Processor) Explain(ctx context.Context, dec domain.DecisionOutput) domain.ExplanationOutput {
	now := p.Now()
	risk, _ := p.cache.get(dec.IncidentID)

	start := time.Now()
	text := ""
	summarizerID := TemplateID
	if p.summarizer != nil {
		generated, err := p.summarizer.Summarize(ctx, BuildPrompt(dec, risk, now))
		if err == nil {
			text = generated
			summarizerID = p.summarizer.ID()
		} else {
			slog.Warn("[Explainability] Summarizer failed, falling back to template",
				"incident_id", dec.IncidentID, "error", err)
		}
	}
	if text == "" {
		text = TemplateExplanation(dec, risk, now)
		summarizerID = TemplateID
	}
	genMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.SummarizerDuration.WithLabelValues(summarizerID).Observe(genMs / 1000.0)

	riskLevel := risk.RiskLevel
	if riskLevel == "" {
		riskLevel = dec.RiskLevel
	}
	return domain.ExplanationOutput{
		IncidentID:       dec.IncidentID,
		TruckID:          dec.TruckID,
		Timestamp:        domain.NowISO(now),
		ExplanationText:  text,
		SummarizerID:     summarizerID,
		GenerationTimeMs: genMs,
		ConfidenceNoted:  risk.Confidence,
		RiskLevel:        riskLevel,
	}
}

func (p *Processor) handleDecision(ctx context.Context, dec domain.DecisionOutput) {
	// Only fired rules warrant an explanation.
	if dec.RuleID == "" || dec.AlertSuppressed {
		return
	}
	out := p.Explain(ctx, dec)
	payload, _ := json.Marshal(out)

	if p.store != nil {
		if err := p.store.SetEx(ctx, "explanation:"+out.IncidentID, payload, explanationTTL); err != nil {
			slog.Warn("[Explainability] Explanation write failed", "incident_id", out.IncidentID, "error", err)
		}
	}
	if err := p.bus.Publish(ctx, domain.TopicExplainOutput, payload); err != nil {
		slog.Warn("[Explainability] Publish failed", "error", err)
	}
	if p.tripStore != nil {
		if err := p.tripStore.AttachExplanation(ctx, out.IncidentID, out.ExplanationText); err != nil {
			slog.Debug("[Explainability] Explanation persistence failed", "incident_id", out.IncidentID, "error", err)
		}
	}
	slog.Info("[Explainability] Explanation generated",
		"incident_id", out.IncidentID,
		"model_used", out.SummarizerID,
		"generation_time_ms", out.GenerationTimeMs)
}

// Run consumes risk.output and decision.output until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(domain.TopicRiskOutput, domain.TopicDecisionOutput)
	if err != nil {
		return err
	}
	defer sub.Close()
	id := TemplateID
	if p.summarizer != nil {
		id = p.summarizer.ID()
	}
	slog.Info("[Explainability] Started", "summarizer", id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			switch msg.Topic {
			case domain.TopicRiskOutput:
				var risk domain.RiskOutput
				if err := json.Unmarshal(msg.Payload, &risk); err != nil {
					metrics.ProcessorMessagesTotal.WithLabelValues("explain", "invalid").Inc()
					slog.Warn("[Explainability] Dropping malformed risk payload", "error", err)
					continue
				}
				p.CacheRisk(risk)
				metrics.ProcessorMessagesTotal.WithLabelValues("explain", "ok").Inc()
			case domain.TopicDecisionOutput:
				var dec domain.DecisionOutput
				if err := json.Unmarshal(msg.Payload, &dec); err != nil {
					metrics.ProcessorMessagesTotal.WithLabelValues("explain", "invalid").Inc()
					slog.Warn("[Explainability] Dropping malformed decision payload", "error", err)
					continue
				}
				p.handleDecision(ctx, dec)
				metrics.ProcessorMessagesTotal.WithLabelValues("explain", "ok").Inc()
			}
		}
	}
}
