package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Path = filepath.Join(filepath.Dir(cfg.Path), "test.db")
	cfg.HistoryRetention = 0 // no background sweeps in tests
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(name string, executedAt time.Time) *alerting.ExecutionRecord {
	return &alerting.ExecutionRecord{
		ID:          uuid.NewString(),
		AlertName:   name,
		ExecutedAt:  executedAt,
		DurationMS:  12,
		Outcome:     alerting.OutcomeAlert,
		QueryText:   "SELECT 'ALERT' AS status",
		TriggeredBy: alerting.TriggerCron,
		ContextJSON: `{"region":"eu-west"}`,
	}
}

func TestLoadStateNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	alertAt := now.Add(-time.Minute)
	st := &alerting.State{
		Name:              "r1",
		CurrentStatus:     alerting.StatusAlert,
		LastExecutionAt:   &now,
		LastAlertAt:       &alertAt,
		ConsecutiveAlerts: 3,
	}
	require.NoError(t, s.SaveState(ctx, st))

	got, err := s.LoadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, alerting.StatusAlert, got.CurrentStatus)
	assert.Equal(t, 3, got.ConsecutiveAlerts)
	assert.Zero(t, got.ConsecutiveOKs)
	require.NotNil(t, got.LastExecutionAt)
	assert.Equal(t, now, *got.LastExecutionAt)
	require.NotNil(t, got.LastAlertAt)
	assert.Equal(t, alertAt, *got.LastAlertAt)
	assert.Nil(t, got.SilencedUntil)
}

func TestSaveStateUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := alerting.NewState("r1")
	st.CurrentStatus = alerting.StatusOK
	st.ConsecutiveOKs = 1
	require.NoError(t, s.SaveState(ctx, st))

	st.ConsecutiveOKs = 2
	require.NoError(t, s.SaveState(ctx, st))

	got, err := s.LoadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveOKs)
}

func TestAppendAndRecentHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		rec := testRecord("r1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.AppendHistory(ctx, rec))
	}
	require.NoError(t, s.AppendHistory(ctx, testRecord("r2", base)))

	recs, err := s.RecentHistory(ctx, "r1", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, base.Add(4*time.Second), recs[0].ExecutedAt)
	assert.True(t, recs[0].ExecutedAt.After(recs[1].ExecutedAt))
	assert.Equal(t, `{"region":"eu-west"}`, recs[0].ContextJSON)

	all, err := s.RecentHistory(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestHistoryPreservesNullableFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	actual, threshold := 42.0, 50.0
	rec := testRecord("r1", time.Now().UTC())
	rec.ActualValue = &actual
	rec.Threshold = &threshold
	rec.ErrorKind = alerting.KindQueryError
	rec.ErrorMessage = "syntax error"
	require.NoError(t, s.AppendHistory(ctx, rec))

	recs, err := s.RecentHistory(ctx, "r1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].ActualValue)
	assert.Equal(t, 42.0, *recs[0].ActualValue)
	require.NotNil(t, recs[0].Threshold)
	assert.Equal(t, 50.0, *recs[0].Threshold)
	assert.Equal(t, alerting.KindQueryError, recs[0].ErrorKind)
	assert.Equal(t, "syntax error", recs[0].ErrorMessage)
}

func TestSilenceIsIdempotentAndCreatesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Silence(ctx, "r1", until))
	require.NoError(t, s.Silence(ctx, "r1", until))

	got, err := s.LoadState(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.SilencedUntil)
	assert.Equal(t, until, *got.SilencedUntil)
	assert.Equal(t, alerting.StatusUnknown, got.CurrentStatus)

	require.NoError(t, s.Unsilence(ctx, "r1"))
	require.NoError(t, s.Unsilence(ctx, "r1"))
	got, err = s.LoadState(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got.SilencedUntil)
}

func TestSilencePreservesExistingState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := alerting.NewState("r1")
	st.CurrentStatus = alerting.StatusAlert
	st.ConsecutiveAlerts = 2
	require.NoError(t, s.SaveState(ctx, st))

	require.NoError(t, s.Silence(ctx, "r1", time.Now().Add(time.Hour)))
	got, err := s.LoadState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, alerting.StatusAlert, got.CurrentStatus)
	assert.Equal(t, 2, got.ConsecutiveAlerts)
}

func TestPruneHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		rec := testRecord("r1", base.Add(time.Duration(i-4)*time.Hour))
		require.NoError(t, s.AppendHistory(ctx, rec))
	}

	pruned, err := s.PruneHistory(ctx, base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)

	recs, err := s.RecentHistory(ctx, "r1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestHealthReportsLatency(t *testing.T) {
	s := openTestStore(t)
	latency, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestHistoryAppendOnlyUniqueIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("r1", time.Now().UTC())
	require.NoError(t, s.AppendHistory(ctx, rec))
	err := s.AppendHistory(ctx, rec)
	require.Error(t, err, fmt.Sprintf("duplicate id %s must be rejected", rec.ID))
}
