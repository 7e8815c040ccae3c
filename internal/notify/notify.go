// Package notify delivers alert messages over SMS and email channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakshak/backend/internal/metrics"
)

// Alert is the channel-independent message body.
type Alert struct {
	TruckID    string
	IncidentID string
	RiskScore  float64
	RiskLevel  string
	RuleName   string
}

// Subject renders the alert headline.
func (a Alert) Subject() string {
	return fmt.Sprintf("[RAKSHAK] %s risk alert for %s", a.RiskLevel, a.TruckID)
}

// Body renders the alert message text.
func (a Alert) Body() string {
	return fmt.Sprintf("Truck %s triggered %s (risk %.2f, level %s). Incident %s.",
		a.TruckID, a.RuleName, a.RiskScore, a.RiskLevel, a.IncidentID)
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// SendWithRetry retries transient failures with exponential backoff.
// Delivery failures are reported, never fatal.
func SendWithRetry(ctx context.Context, n Notifier, alert Alert) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := n.Send(ctx, alert); err == nil {
			metrics.NotifierSendsTotal.WithLabelValues(n.Name(), "ok").Inc()
			return nil
		} else {
			lastErr = err
			slog.Warn("[Notify] Delivery failed",
				"channel", n.Name(), "attempt", attempt, "error", err)
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.NotifierSendsTotal.WithLabelValues(n.Name(), "error").Inc()
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	metrics.NotifierSendsTotal.WithLabelValues(n.Name(), "error").Inc()
	return fmt.Errorf("%s delivery failed after %d attempts: %w", n.Name(), retryAttempts, lastErr)
}

// ConsoleNotifier logs alerts instead of delivering them. It stands in for
// any unconfigured channel.
type ConsoleNotifier struct {
	Channel string // reported channel name, e.g. "sms" or "email"
}

func (c *ConsoleNotifier) Name() string { return c.Channel }

func (c *ConsoleNotifier) Send(ctx context.Context, alert Alert) error {
	slog.Info("[Notify] Alert (console)",
		"channel", c.Channel,
		"truck_id", alert.TruckID,
		"incident_id", alert.IncidentID,
		"risk_level", alert.RiskLevel,
		"risk_score", alert.RiskScore,
		"rule", alert.RuleName)
	return nil
}
