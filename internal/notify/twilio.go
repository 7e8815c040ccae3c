package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioConfig carries the SMS gateway credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromPhone  string
	ToPhone    string
	// BaseURL overrides the Twilio API endpoint, for tests.
	BaseURL string
}

// Configured reports whether every required credential is present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromPhone != "" && c.ToPhone != ""
}

// TwilioNotifier sends SMS through the Twilio Messages API.
type TwilioNotifier struct {
	cfg    TwilioConfig
	client *http.Client
}

// NewTwilioNotifier constructs an SMS notifier.
func NewTwilioNotifier(cfg TwilioConfig) *TwilioNotifier {
	return &TwilioNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TwilioNotifier) Name() string { return "sms" }

func (t *TwilioNotifier) Send(ctx context.Context, alert Alert) error {
	base := t.cfg.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, t.cfg.AccountSID)

	form := url.Values{}
	form.Set("From", t.cfg.FromPhone)
	form.Set("To", t.cfg.ToPhone)
	form.Set("Body", alert.Body())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
