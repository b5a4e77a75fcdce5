package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/torale/core/internal/model"
)

// emailTimeout bounds the SMTP round trip; spec.md gives no email-specific
// deadline so this mirrors webhookTimeout.
const emailTimeout = 30 * time.Second

// SMTPConfig configures the outbound relay used for email notifications.
// There is no richer SMTP client in the retrieved corpus, so this talks to
// net/smtp directly rather than wrapping a third-party mailer (see
// DESIGN.md's ambient-stdlib justification for notify/email.go).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// emailSender sends one notification over SMTP.
type emailSender struct {
	cfg SMTPConfig
}

func newEmailSender(cfg SMTPConfig) *emailSender {
	return &emailSender{cfg: cfg}
}

// send delivers a single plain-text email and classifies the result. A
// missing address or an unconfigured SMTP host is permanent. Every error
// from the SMTP exchange itself (connection, auth, 4xx or 5xx replies,
// timeout) is treated as transient and retried per the dispatcher's
// RetryPolicy until attempts are exhausted.
func (s *emailSender) send(ctx context.Context, channel model.NotificationChannel, payload WebhookPayload) (deliveryOutcome, error) {
	if channel.Address == "" {
		return outcomePermanent, errors.New("notify: email channel missing address")
	}
	if s.cfg.Host == "" {
		return outcomePermanent, errors.New("notify: smtp host not configured")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	msg := buildMessage(s.cfg.From, channel.Address, payload)

	done := make(chan error, 1)
	go func() {
		done <- s.dial(addr, channel.Address, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return outcomeTransient, err
		}
		return outcomeSuccess, nil
	case <-ctx.Done():
		return outcomeTransient, ctx.Err()
	case <-time.After(emailTimeout):
		return outcomeTransient, fmt.Errorf("notify: smtp send to %s timed out after %s", channel.Address, emailTimeout)
	}
}

func (s *emailSender) dial(addr, to string, msg []byte) error {
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if !s.cfg.UseTLS {
		return smtp.SendMail(addr, auth, s.cfg.From, []string{to}, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// buildMessage renders a minimal RFC 5322 message for one notification.
func buildMessage(from, to string, payload WebhookPayload) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: Torale: %s\r\n", payload.TaskName)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(payload.Notification)
	buf.WriteString("\r\n\r\n")
	if len(payload.Sources) > 0 {
		buf.WriteString("Sources:\r\n")
		for _, src := range payload.Sources {
			if src.Title != "" {
				fmt.Fprintf(&buf, "- %s (%s)\r\n", src.Title, src.URI)
			} else {
				fmt.Fprintf(&buf, "- %s\r\n", src.URI)
			}
		}
	}
	return []byte(strings.ReplaceAll(buf.String(), "\n.", "\n.."))
}
