package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/billstream/billstream/pkg/fault"
)

// DefaultSMTPTimeout bounds one delivery, dial included.
const DefaultSMTPTimeout = 10 * time.Second

// SMTPNotifier delivers mail through a plain SMTP endpoint.
type SMTPNotifier struct {
	addr    string // host:port
	from    string
	timeout time.Duration
	logger  *slog.Logger
}

// SMTPOption adjusts SMTPNotifier construction.
type SMTPOption func(*SMTPNotifier)

// WithSMTPTimeout overrides the delivery timeout.
func WithSMTPTimeout(d time.Duration) SMTPOption {
	return func(n *SMTPNotifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewSMTPNotifier builds a mailer for the given endpoint and sender.
func NewSMTPNotifier(addr, from string, logger *slog.Logger, opts ...SMTPOption) *SMTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &SMTPNotifier{
		addr:    addr,
		from:    from,
		timeout: DefaultSMTPTimeout,
		logger:  logger.With("component", "notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send renders the template and delivers it in one SMTP session. Failures
// are transient: the caller's consumer retry and dead-letter discipline
// decides how often to try again.
func (n *SMTPNotifier) Send(ctx context.Context, templateName string, recipients []string, vars map[string]string) error {
	if len(recipients) == 0 {
		n.logger.Warn("no recipients configured, dropping notification", "template", templateName)
		return nil
	}
	subject, body, err := Render(templateName, vars)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: n.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return fault.Transient("smtp dial failed", err)
	}
	// One deadline over the whole session.
	_ = conn.SetDeadline(time.Now().Add(n.timeout))

	host, _, _ := net.SplitHostPort(n.addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fault.Transient("smtp handshake failed", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Mail(n.from); err != nil {
		return fault.Transient("smtp mail from rejected", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fault.Transient("smtp recipient rejected", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fault.Transient("smtp data failed", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		n.from, strings.Join(recipients, ", "), subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return fault.Transient("smtp write failed", err)
	}
	if err := w.Close(); err != nil {
		return fault.Transient("smtp commit failed", err)
	}
	if err := client.Quit(); err != nil {
		n.logger.Debug("smtp quit failed", "cause", err)
	}

	n.logger.Info("notification sent",
		"template", templateName, "recipients", len(recipients), "subject", subject)
	return nil
}
