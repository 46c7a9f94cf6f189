// Package notify delivers rendered alert messages over email, Slack-style
// chat webhooks, and generic webhooks. Every channel shares one retry policy:
// three attempts with exponential backoff, stopping early on hard failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
)

const (
	maxAttempts       = 3
	initialBackoff    = time.Second
	perAttemptTimeout = 10 * time.Second
)

// Message is the rendered payload fanned out to every target of one run.
// It is rendered once per run and never mutated by a channel.
type Message struct {
	AlertName   string         `json:"alert_name"`
	Status      string         `json:"status"`
	ActualValue *float64       `json:"actual_value,omitempty"`
	Threshold   *float64       `json:"threshold,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context"`
	Resolution  bool           `json:"resolution,omitempty"`
}

// sortedContextKeys gives deterministic ordering for text renderings.
func (m *Message) sortedContextKeys() []string {
	keys := make([]string, 0, len(m.Context))
	for k := range m.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SMTPConfig is the daemon-level mail transport shared by all email targets.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Configured reports whether the mail transport is usable.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// Sender dispatches one message to one target with retries.
type Sender struct {
	SMTP    SMTPConfig
	Client  *http.Client
	Metrics *metrics.Registry

	// sleep and smtpSendFn are swapped out in tests.
	sleep      func(time.Duration)
	smtpSendFn func(addr string, auth smtp.Auth, from string, to []string, body []byte) error
}

// NewSender builds a Sender with a per-attempt HTTP timeout.
func NewSender(smtp SMTPConfig, reg *metrics.Registry) *Sender {
	return &Sender{
		SMTP:    smtp,
		Client:  &http.Client{Timeout: perAttemptTimeout},
		Metrics: reg,
		sleep:   time.Sleep,
	}
}

// Send delivers msg to a single target, retrying per policy. It returns the
// number of attempts made and the final error, if any.
func (s *Sender) Send(ctx context.Context, target alerting.Target, msg *Message) (int, error) {
	start := time.Now()
	attempts, err := s.sendWithRetry(ctx, target, msg)
	s.Metrics.RecordNotification(string(target.Channel), err == nil, time.Since(start))

	if err != nil {
		log.Warn().
			Err(err).
			Str("alert", msg.AlertName).
			Str("channel", string(target.Channel)).
			Int("attempts", attempts).
			Msg("Notification failed")
	}
	return attempts, err
}

func (s *Sender) sendWithRetry(ctx context.Context, target alerting.Target, msg *Message) (int, error) {
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Debug().
				Str("alert", msg.AlertName).
				Str("channel", string(target.Channel)).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying notification after backoff")
			s.sleep(backoff)
			backoff *= 2
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return attempt - 1, lastErr
		}

		err := s.sendOnce(ctx, target, msg)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return attempt, err
		}
	}
	return maxAttempts, fmt.Errorf("notification failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Sender) sendOnce(ctx context.Context, target alerting.Target, msg *Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	switch target.Channel {
	case alerting.ChannelEmail:
		if target.Email == nil {
			return &hardError{errors.New("email target missing configuration")}
		}
		return s.sendEmail(attemptCtx, target.Email, msg)
	case alerting.ChannelSlack:
		if target.Slack == nil {
			return &hardError{errors.New("slack target missing configuration")}
		}
		return s.sendSlack(attemptCtx, target.Slack, msg)
	case alerting.ChannelWebhook:
		if target.Webhook == nil {
			return &hardError{errors.New("webhook target missing configuration")}
		}
		return s.sendWebhook(attemptCtx, target.Webhook, msg)
	default:
		return &hardError{fmt.Errorf("unknown notification channel %q", target.Channel)}
	}
}

// statusError carries an HTTP response code for retry classification.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.code)
}

// hardError marks failures that retrying cannot fix.
type hardError struct {
	err error
}

func (e *hardError) Error() string { return e.err.Error() }
func (e *hardError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var hard *hardError
	if errors.As(err, &hard) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code >= 500:
			return true
		case se.code == http.StatusRequestTimeout, se.code == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified transport errors (SMTP hiccups, DNS) are worth retrying.
	return true
}
