package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

const (
	colorAlert = "#d63031"
	colorOK    = "#00b894"
)

// sendSlack posts a color-coded attachment to an incoming webhook. The
// payload format is Slack's but compatible chat services (Mattermost, Rocket)
// accept it unchanged.
func (s *Sender) sendSlack(ctx context.Context, target *alerting.SlackTarget, msg *Message) error {
	color := colorOK
	title := fmt.Sprintf("Resolved: %s", msg.AlertName)
	if msg.Status == string(alerting.OutcomeAlert) && !msg.Resolution {
		color = colorAlert
		title = fmt.Sprintf("Alert: %s", msg.AlertName)
	}

	fields := []slack.AttachmentField{
		{Title: "Status", Value: msg.Status, Short: true},
	}
	if msg.ActualValue != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Actual", Value: fmt.Sprintf("%v", *msg.ActualValue), Short: true,
		})
	}
	if msg.Threshold != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Threshold", Value: fmt.Sprintf("%v", *msg.Threshold), Short: true,
		})
	}
	for _, k := range msg.sortedContextKeys() {
		fields = append(fields, slack.AttachmentField{
			Title: k, Value: fmt.Sprintf("%v", msg.Context[k]), Short: true,
		})
	}

	payload := &slack.WebhookMessage{
		Username: target.Username,
		Channel:  target.Channel,
		Attachments: []slack.Attachment{{
			Color:  color,
			Title:  title,
			Fields: fields,
			Ts:     jsonNumber(msg.Timestamp.Unix()),
		}},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, target.WebhookURL, s.Client, payload); err != nil {
		if serr, ok := err.(slack.StatusCodeError); ok {
			return &statusError{code: serr.Code}
		}
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func jsonNumber(v int64) json.Number {
	return json.Number(strconv.FormatInt(v, 10))
}
