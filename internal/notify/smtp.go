package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPConfig carries the email relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Configured reports whether the relay and recipient are set.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != "" && c.To != ""
}

// SMTPNotifier sends email alerts through a plain SMTP relay.
type SMTPNotifier struct {
	cfg SMTPConfig
	// sendMail is replaceable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier constructs an email notifier.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPNotifier) Name() string { return "email" }

func (s *SMTPNotifier) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", s.cfg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", alert.Subject())
	b.WriteString("\r\n")
	b.WriteString(alert.Body())
	b.WriteString("\r\n")

	if err := s.sendMail(addr, auth, s.cfg.From, []string{s.cfg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
