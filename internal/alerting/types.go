// Package alerting defines the core data model of the alert pipeline:
// declared alerts, their persisted state, and the per-run execution record.
package alerting

import (
	"time"
)

// Status is the persisted condition of an alert between runs.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusAlert   Status = "alert"
	StatusError   Status = "error"
)

// Outcome classifies a single execution for the history store.
type Outcome string

const (
	OutcomeOK      Outcome = "OK"
	OutcomeAlert   Outcome = "ALERT"
	OutcomeError   Outcome = "ERROR"
	OutcomeSkipped Outcome = "SKIPPED"
)

// Trigger records what started an execution.
type Trigger string

const (
	TriggerCron   Trigger = "CRON"
	TriggerManual Trigger = "MANUAL"
)

// ErrorKind is the error taxonomy surfaced on execution records.
type ErrorKind string

const (
	KindConfigError       ErrorKind = "CONFIG_ERROR"
	KindCredentialError   ErrorKind = "CREDENTIAL_ERROR"
	KindConnectivity      ErrorKind = "CONNECTIVITY"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindQueryError        ErrorKind = "QUERY_ERROR"
	KindContractViolation ErrorKind = "CONTRACT_VIOLATION"
	KindResultTooLarge    ErrorKind = "RESULT_TOO_LARGE"
	KindNotificationError ErrorKind = "NOTIFICATION_FAILED"
	KindCancelled         ErrorKind = "CANCELLED"
	KindSkippedOverlap    ErrorKind = "SKIPPED_OVERLAP"
	KindSkippedSilenced   ErrorKind = "SKIPPED_SILENCED"
)

// Channel identifies a notification target variant.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// EmailTarget delivers over SMTP to a recipient list.
type EmailTarget struct {
	Recipients      []string
	SubjectTemplate string
}

// SlackTarget posts a color-coded payload to an incoming webhook.
type SlackTarget struct {
	WebhookURL string
	Channel    string
	Username   string
}

// WebhookTarget delivers the rendered message as JSON to an arbitrary endpoint.
type WebhookTarget struct {
	URL     string
	Method  string
	Headers map[string]string
}

// Target is a tagged union over the three notification variants; exactly one
// of the pointers matching Channel is set.
type Target struct {
	Channel Channel
	Email   *EmailTarget
	Slack   *SlackTarget
	Webhook *WebhookTarget
}

// Definition is one declared alert. Immutable within a config generation.
type Definition struct {
	Name        string
	Description string
	Enabled     bool
	Query       string
	Schedule    string // 5-field cron expression
	Timezone    string // IANA zone; empty means UTC
	Timeout     time.Duration
	DatabaseRef string
	Targets     []Target
}

// State is the mutable per-alert row the dedup machine operates on.
type State struct {
	Name              string
	CurrentStatus     Status
	LastExecutionAt   *time.Time
	LastAlertAt       *time.Time
	ConsecutiveAlerts int
	ConsecutiveOKs    int
	SilencedUntil     *time.Time
}

// NewState returns the lazily-created state for a first execution.
func NewState(name string) *State {
	return &State{Name: name, CurrentStatus: StatusUnknown}
}

// Silenced reports whether the alert is silenced at the given instant.
func (s *State) Silenced(now time.Time) bool {
	return s.SilencedUntil != nil && s.SilencedUntil.After(now)
}

// ExecutionRecord is one append-only history row. The JSON shape is the
// machine-readable form the CLI prints.
type ExecutionRecord struct {
	ID                     string    `json:"id"`
	AlertName              string    `json:"alert_name"`
	ExecutedAt             time.Time `json:"executed_at"`
	DurationMS             int64     `json:"duration_ms"`
	Outcome                Outcome   `json:"outcome"`
	ErrorKind              ErrorKind `json:"error_kind,omitempty"`
	ActualValue            *float64  `json:"actual_value,omitempty"`
	Threshold              *float64  `json:"threshold,omitempty"`
	QueryText              string    `json:"query_text"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	TriggeredBy            Trigger   `json:"triggered_by"`
	NotificationsAttempted int       `json:"notifications_attempted"`
	NotificationsFailed    int       `json:"notifications_failed"`
	ContextJSON            string    `json:"context_json,omitempty"`
	DryRun                 bool      `json:"dry_run,omitempty"`
}
