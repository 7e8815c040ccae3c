// Package explain turns fired decisions into human-readable accounts of
// why a truck was flagged. A remote language model can author the text;
// the rule-based template is always available and is the failure path.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rakshak/backend/internal/domain"
)

// TemplateID identifies the rule-based fallback on ExplanationOutput.
const TemplateID = "rule_based_template"

// Summarizer authors one explanation. ID is carried on the output record
// as llm_model_used.
type Summarizer interface {
	ID() string
	Summarize(ctx context.Context, prompt string) (string, error)
}

// BuildPrompt renders the analyst prompt from the decision and its cached
// risk assessment.
func BuildPrompt(dec domain.DecisionOutput, risk domain.RiskOutput, now time.Time) string {
	riskLevel := risk.RiskLevel
	if riskLevel == "" {
		riskLevel = dec.RiskLevel
	}
	return fmt.Sprintf(`You are RAKSHAK AI, an intelligent cargo security analyst.
Analyze the following security alert and write a clear, concise 3-4 sentence
explanation of why this cargo truck is flagged as %s risk.
Be specific about time, location evidence, and behavioral signals observed.
Do NOT speculate. Only describe what the sensor data shows.

ALERT DETAILS:
- Truck ID: %s
- Time: %s
- Risk Level: %s
- Composite Risk Score: %.2f (Confidence: %.0f%%)
- Rule Triggered: %s
- Fusion Method: %s

SENSOR EVIDENCE:
- Behaviour Anomaly Score: %.2f
- Twin Deviation Score: %.2f
- Route Risk Score: %.2f
- Triggered Flags: %s
- Actions Taken: %s

Write the security alert explanation:`,
		riskLevel,
		dec.TruckID,
		domain.NowISO(now),
		riskLevel,
		risk.CompositeRiskScore,
		risk.Confidence*100,
		dec.RuleName,
		risk.FusionMethod,
		risk.ComponentScores["behaviour"],
		risk.ComponentScores["twin"],
		risk.ComponentScores["route"],
		strings.Join(risk.TriggeredRules, ", "),
		strings.Join(dec.ActionsTaken, ", "))
}

// TemplateExplanation renders the rule-based fallback text.
func TemplateExplanation(dec domain.DecisionOutput, risk domain.RiskOutput, now time.Time) string {
	riskLevel := risk.RiskLevel
	if riskLevel == "" {
		riskLevel = dec.RiskLevel
	}
	topFlags := "None"
	if len(risk.TriggeredRules) > 0 {
		flags := risk.TriggeredRules
		if len(flags) > 2 {
			flags = flags[:2]
		}
		topFlags = strings.Join(flags, ", ")
	}
	actions := "None"
	if len(dec.ActionsTaken) > 0 {
		actions = strings.Join(dec.ActionsTaken, ", ")
	}
	return fmt.Sprintf("Security alert generated for truck %s at %s. "+
		"The system has classified this as %s risk with a composite score of %.2f. "+
		"Sensor data indicates: %s. "+
		"Actions taken: %s. "+
		"This alert reflects potential security concerns based on real-time monitoring of truck behavior, location, and environmental factors.",
		dec.TruckID, domain.NowISO(now), riskLevel, risk.CompositeRiskScore, topFlags, actions)
}

// OpenAISummarizer calls an OpenAI-compatible chat completions endpoint.
type OpenAISummarizer struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
	client  *http.Client
}

// NewOpenAISummarizer constructs a chat-completions summarizer. An empty
// model selects gpt-4o-mini.
func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAISummarizer{
		APIKey: apiKey,
		Model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenAISummarizer) ID() string { return o.Model }

func (o *OpenAISummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	base := o.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	reqBody, _ := json.Marshal(map[string]any{
		"model":      o.Model,
		"max_tokens": 300,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a cargo security AI."},
			{"role": "user", "content": prompt},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("completion response has no content")
	}
	return parsed.Choices[0].Message.Content, nil
}

// OllamaSummarizer calls a local Ollama generate endpoint.
type OllamaSummarizer struct {
	Host   string
	Model  string
	client *http.Client
}

// NewOllamaSummarizer constructs an Ollama summarizer. Empty arguments
// select localhost and llama3.
func NewOllamaSummarizer(host, model string) *OllamaSummarizer {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &OllamaSummarizer{
		Host:   host,
		Model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaSummarizer) ID() string { return o.Model }

func (o *OllamaSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	reqBody, _ := json.Marshal(map[string]any{
		"model":  o.Model,
		"prompt": prompt,
		"stream": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Host+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generate endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generate endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if parsed.Response == "" {
		return "", fmt.Errorf("generate response is empty")
	}
	return parsed.Response, nil
}
