// Package jobs contains the background workers of the management console:
// periodic scans that warn about subscriptions and API keys approaching
// their expiration date.
package jobs

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/apim-console/management/internal/config"
)

// Mailer sends expiry warning emails through the configured SMTP server.
type Mailer struct {
	cfg config.SMTPConfig
}

// NewMailer creates a mailer over the given SMTP configuration.
func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Enabled reports whether email delivery is configured at all.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != ""
}

// Send delivers a plain-text email to a single recipient.
func (m *Mailer) Send(to, subject, body string) error {
	if !m.Enabled() {
		return fmt.Errorf("smtp host not configured")
	}

	headers := map[string]string{
		"From":         m.cfg.From,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/plain; charset=\"utf-8\"",
	}

	var msg strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, v)
	}
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if m.cfg.UseTLS && m.cfg.Port == 465 {
		return m.sendImplicitTLS(addr, auth, to, []byte(msg.String()))
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String()))
}

// sendImplicitTLS handles SMTPS (port 465), where the TLS handshake happens
// before any SMTP traffic. smtp.SendMail only speaks STARTTLS.
func (m *Mailer) sendImplicitTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}
