package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionCountsByOutcome(t *testing.T) {
	r := NewRegistry()

	r.RecordExecution("r1", "ALERT", 200*time.Millisecond)
	r.RecordExecution("r1", "ALERT", 300*time.Millisecond)
	r.RecordExecution("r1", "OK", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.executions.WithLabelValues("r1", "ALERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executions.WithLabelValues("r1", "OK")))
}

func TestRecordNotificationSplitsResults(t *testing.T) {
	r := NewRegistry()

	r.RecordNotification("webhook", true, 10*time.Millisecond)
	r.RecordNotification("webhook", false, 10*time.Millisecond)
	r.RecordNotification("webhook", false, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues("webhook", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.notifications.WithLabelValues("webhook", "error")))
}

func TestScheduledJobsGauge(t *testing.T) {
	r := NewRegistry()
	r.SetScheduledJobs(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(r.scheduledJobs))
	r.SetScheduledJobs(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.scheduledJobs))
}

func TestUptimeAccumulates(t *testing.T) {
	r := NewRegistry()
	r.AddUptime(1)
	r.AddUptime(1)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.uptimeSeconds))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.RecordExecution("r1", "OK", time.Second)
	r.RecordNotification("email", true, time.Second)
	r.SetScheduledJobs(1)
	r.AddUptime(1)
}

func TestHandlerServesTextFormat(t *testing.T) {
	r := NewRegistry()
	r.RecordExecution("r1", "ALERT", time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sqlwatch_alert_executions_total{name="r1",outcome="ALERT"} 1`)
	assert.Contains(t, body, "sqlwatch_alert_execution_seconds_bucket")
}
