package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

// sendEmail delivers over the daemon-level SMTP transport. The context bounds
// the attempt only loosely (net/smtp has no context support); the sender's
// per-attempt deadline still applies to the retry loop as a whole.
func (s *Sender) sendEmail(ctx context.Context, target *alerting.EmailTarget, msg *Message) error {
	if !s.SMTP.Configured() {
		return &hardError{errors.New("smtp transport not configured")}
	}
	if len(target.Recipients) == 0 {
		return &hardError{errors.New("email target has no recipients")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := renderSubject(target.SubjectTemplate, msg)
	body := renderEmailBody(msg)

	var headers strings.Builder
	fmt.Fprintf(&headers, "From: %s\r\n", s.SMTP.From)
	fmt.Fprintf(&headers, "To: %s\r\n", strings.Join(target.Recipients, ", "))
	fmt.Fprintf(&headers, "Subject: %s\r\n", subject)
	headers.WriteString("MIME-Version: 1.0\r\n")
	headers.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	headers.WriteString("\r\n")
	headers.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.SMTP.Host, s.SMTP.Port)
	var auth smtp.Auth
	if s.SMTP.Username != "" {
		auth = smtp.PlainAuth("", s.SMTP.Username, s.SMTP.Password, s.SMTP.Host)
	}

	if err := s.smtpSend(addr, auth, s.SMTP.From, target.Recipients, []byte(headers.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// smtpSend is indirected for tests.
func (s *Sender) smtpSend(addr string, auth smtp.Auth, from string, to []string, body []byte) error {
	if s.smtpSendFn != nil {
		return s.smtpSendFn(addr, auth, from, to, body)
	}
	return smtp.SendMail(addr, auth, from, to, body)
}

// renderSubject substitutes {alert_name} and {status} in the declared
// template; the default is "[STATUS] name".
func renderSubject(template string, msg *Message) string {
	if template == "" {
		return fmt.Sprintf("[%s] %s", msg.Status, msg.AlertName)
	}
	out := strings.ReplaceAll(template, "{alert_name}", msg.AlertName)
	out = strings.ReplaceAll(out, "{status}", msg.Status)
	return out
}

// renderEmailBody produces the structured text block: the contract fields
// first, then every context key in sorted order.
func renderEmailBody(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert:     %s\n", msg.AlertName)
	fmt.Fprintf(&b, "Status:    %s\n", msg.Status)
	if msg.Resolution {
		b.WriteString("Event:     resolved\n")
	}
	fmt.Fprintf(&b, "Time:      %s\n", msg.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	if msg.ActualValue != nil {
		fmt.Fprintf(&b, "Actual:    %v\n", *msg.ActualValue)
	}
	if msg.Threshold != nil {
		fmt.Fprintf(&b, "Threshold: %v\n", *msg.Threshold)
	}
	if len(msg.Context) > 0 {
		b.WriteString("\nContext:\n")
		for _, k := range msg.sortedContextKeys() {
			fmt.Fprintf(&b, "  %s: %v\n", k, msg.Context[k])
		}
	}
	return b.String()
}
