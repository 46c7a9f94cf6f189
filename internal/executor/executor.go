// Package executor orchestrates one alert run: query, contract check, state
// transition, notification fan-out, and the history write. Execute never
// returns an error; every failure is captured on the execution record.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
	"github.com/sqlwatch/sqlwatch/internal/notify"
	"github.com/sqlwatch/sqlwatch/internal/query"
	"github.com/sqlwatch/sqlwatch/internal/store"
)

// DefaultQueryTimeout bounds a query when the alert declares no timeout.
const DefaultQueryTimeout = 120 * time.Second

// persistTimeout bounds history/state writes. Detached from the run context
// so a cancelled run still leaves its record behind.
const persistTimeout = 5 * time.Second

// AdapterSource resolves a database ref to its adapter. *query.Pool satisfies
// it; the daemon swaps sources atomically on config reload.
type AdapterSource interface {
	Get(ref string) (query.Adapter, bool)
}

// Executor runs alerts. It is stateless and safe for concurrent use across
// distinct alert names; per-name serialization is the scheduler's job.
type Executor struct {
	Store        store.Store
	Adapters     AdapterSource
	Sender       *notify.Sender
	Metrics      *metrics.Registry
	QueryTimeout time.Duration

	now func() time.Time
}

// New wires an executor with the default query deadline.
func New(st store.Store, adapters AdapterSource, sender *notify.Sender, reg *metrics.Registry) *Executor {
	return &Executor{
		Store:        st,
		Adapters:     adapters,
		Sender:       sender,
		Metrics:      reg,
		QueryTimeout: DefaultQueryTimeout,
		now:          time.Now,
	}
}

// Execute processes one (definition, trigger) pair. With dryRun set, the
// query runs and the transition is computed, but nothing is persisted and no
// notification is sent.
func (e *Executor) Execute(ctx context.Context, def *alerting.Definition, trigger alerting.Trigger, dryRun bool) *alerting.ExecutionRecord {
	now := e.now().UTC()
	rec := &alerting.ExecutionRecord{
		ID:          uuid.NewString(),
		AlertName:   def.Name,
		ExecutedAt:  now,
		QueryText:   def.Query,
		TriggeredBy: trigger,
		DryRun:      dryRun,
	}

	st, err := e.loadState(ctx, def.Name)
	if err != nil {
		rec.Outcome = alerting.OutcomeError
		rec.ErrorKind = alerting.KindConnectivity
		rec.ErrorMessage = fmt.Sprintf("load state: %v", err)
		e.finish(rec, nil)
		return rec
	}

	if st.Silenced(now) {
		rec.Outcome = alerting.OutcomeSkipped
		rec.ErrorKind = alerting.KindSkippedSilenced
		st.LastExecutionAt = &now
		e.finish(rec, st)
		return rec
	}

	adapter, ok := e.Adapters.Get(def.DatabaseRef)
	if !ok {
		rec.Outcome = alerting.OutcomeError
		rec.ErrorKind = alerting.KindConfigError
		rec.ErrorMessage = fmt.Sprintf("unknown database ref %q", def.DatabaseRef)
		st.CurrentStatus = alerting.StatusError
		st.LastExecutionAt = &now
		e.finish(rec, st)
		return rec
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.QueryTimeout
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	// Timing starts just before the query and ends after fan-out.
	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, timeout)
	rows, qerr := adapter.Execute(qctx, def.Query)
	cancel()

	if qerr != nil {
		rec.Outcome = alerting.OutcomeError
		rec.ErrorKind = alerting.ErrorKind(query.KindOf(qerr))
		rec.ErrorMessage = qerr.Error()
		rec.DurationMS = time.Since(start).Milliseconds()
		alerting.Transition(st, alerting.StatusError, now)
		st.LastExecutionAt = &now
		e.finish(rec, st)
		return rec
	}

	observed, actual, threshold, contextCols, cerr := evaluateContract(rows)
	if cerr != nil {
		rec.Outcome = alerting.OutcomeError
		rec.ErrorKind = alerting.KindContractViolation
		rec.ErrorMessage = cerr.Error()
		rec.DurationMS = time.Since(start).Milliseconds()
		alerting.Transition(st, alerting.StatusError, now)
		st.LastExecutionAt = &now
		e.finish(rec, st)
		return rec
	}

	rec.ActualValue = actual
	rec.Threshold = threshold
	rec.ContextJSON = encodeContext(contextCols)
	if observed == alerting.StatusAlert {
		rec.Outcome = alerting.OutcomeAlert
	} else {
		rec.Outcome = alerting.OutcomeOK
	}

	decision := alerting.Transition(st, observed, now)
	st.LastExecutionAt = &now

	if decision.Notify && !dryRun {
		msg := &notify.Message{
			AlertName:   def.Name,
			Status:      string(rec.Outcome),
			ActualValue: actual,
			Threshold:   threshold,
			Timestamp:   now,
			Context:     contextCols,
			Resolution:  decision.Resolution,
		}
		attempted, failed := e.Sender.FanOut(ctx, def.Targets, msg)
		rec.NotificationsAttempted = attempted
		rec.NotificationsFailed = failed
		if failed > 0 {
			rec.ErrorKind = alerting.KindNotificationError
			rec.ErrorMessage = fmt.Sprintf("%d of %d notifications failed", failed, attempted)
		}
	}
	rec.DurationMS = time.Since(start).Milliseconds()

	e.finish(rec, st)
	return rec
}

// Skip records a fire that never ran, most commonly because the previous run
// of the same alert is still in flight.
func (e *Executor) Skip(def *alerting.Definition, trigger alerting.Trigger, kind alerting.ErrorKind) *alerting.ExecutionRecord {
	rec := &alerting.ExecutionRecord{
		ID:          uuid.NewString(),
		AlertName:   def.Name,
		ExecutedAt:  e.now().UTC(),
		Outcome:     alerting.OutcomeSkipped,
		ErrorKind:   kind,
		QueryText:   def.Query,
		TriggeredBy: trigger,
	}
	e.finish(rec, nil)
	return rec
}

// loadState fetches the state row, lazily creating one for a first run.
func (e *Executor) loadState(ctx context.Context, name string) (*alerting.State, error) {
	st, err := e.Store.LoadState(ctx, name)
	if err == nil {
		return st, nil
	}
	if err == store.ErrNotFound {
		return alerting.NewState(name), nil
	}
	return nil, err
}

// finish persists the record (history first, then state) and updates
// metrics. Dry runs skip persistence entirely.
func (e *Executor) finish(rec *alerting.ExecutionRecord, st *alerting.State) {
	e.Metrics.RecordExecution(rec.AlertName, string(rec.Outcome),
		time.Duration(rec.DurationMS)*time.Millisecond)

	evt := log.Debug()
	if rec.Outcome == alerting.OutcomeError {
		evt = log.Warn()
	}
	evt.
		Str("alert", rec.AlertName).
		Str("outcome", string(rec.Outcome)).
		Str("error_kind", string(rec.ErrorKind)).
		Int64("duration_ms", rec.DurationMS).
		Bool("dry_run", rec.DryRun).
		Msg("Alert executed")

	if rec.DryRun {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.Store.AppendHistory(ctx, rec); err != nil {
		log.Error().Err(err).Str("alert", rec.AlertName).Msg("Failed to append execution history")
	}
	if st != nil {
		if err := e.Store.SaveState(ctx, st); err != nil {
			log.Error().Err(err).Str("alert", rec.AlertName).Msg("Failed to save alert state")
		}
	}
}

// evaluateContract checks the first row of the result set against the query
// contract: a text column literally named "status" holding "ALERT" or "OK",
// optional numeric actual_value and threshold, everything else as context.
func evaluateContract(rows []query.Row) (alerting.Status, *float64, *float64, map[string]any, error) {
	if len(rows) == 0 {
		return "", nil, nil, nil, fmt.Errorf("query returned no rows")
	}
	first := rows[0]

	raw, ok := first["status"]
	if !ok {
		return "", nil, nil, nil, fmt.Errorf("result set has no status column")
	}
	text, ok := raw.(string)
	if !ok {
		return "", nil, nil, nil, fmt.Errorf("status column is %T, want text", raw)
	}

	var observed alerting.Status
	switch text {
	case "ALERT":
		observed = alerting.StatusAlert
	case "OK":
		observed = alerting.StatusOK
	default:
		return "", nil, nil, nil, fmt.Errorf("status value %q is not ALERT or OK", text)
	}

	actual := toFloat(first["actual_value"])
	threshold := toFloat(first["threshold"])

	extra := make(map[string]any)
	for col, v := range first {
		switch col {
		case "status", "actual_value", "threshold":
		default:
			extra[col] = v
		}
	}
	return observed, actual, threshold, extra, nil
}

func encodeContext(cols map[string]any) string {
	if len(cols) == 0 {
		return ""
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return ""
	}
	return string(b)
}

func toFloat(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case int:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}
