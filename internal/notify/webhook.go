package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

const userAgent = "sqlwatch/1.0"

// sendWebhook delivers the rendered message verbatim as JSON using the
// declared method and headers. GET carries no body; the message fields are
// flattened into query parameters instead.
func (s *Sender) sendWebhook(ctx context.Context, target *alerting.WebhookTarget, msg *Message) error {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, withQueryParams(target.URL, msg), nil)
	} else {
		var payload []byte
		payload, err = json.Marshal(msg)
		if err != nil {
			return &hardError{fmt.Errorf("marshal webhook payload: %w", err)}
		}
		req, err = http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(payload))
	}
	if err != nil {
		return &hardError{fmt.Errorf("build webhook request: %w", err)}
	}

	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}
	if method != http.MethodGet && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func withQueryParams(rawURL string, msg *Message) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("alert_name", msg.AlertName)
	q.Set("status", msg.Status)
	q.Set("timestamp", msg.Timestamp.UTC().Format(time.RFC3339))
	if msg.ActualValue != nil {
		q.Set("actual_value", fmt.Sprintf("%v", *msg.ActualValue))
	}
	if msg.Threshold != nil {
		q.Set("threshold", fmt.Sprintf("%v", *msg.Threshold))
	}
	for _, k := range msg.sortedContextKeys() {
		q.Set(k, fmt.Sprintf("%v", msg.Context[k]))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
