package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
)

// Config holds configuration for the SQLite store.
type Config struct {
	Path             string
	HistoryRetention time.Duration // 0 disables the background sweeper
	SweepInterval    time.Duration
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Path:             filepath.Join(dataDir, "sqlwatch.db"),
		HistoryRetention: 90 * 24 * time.Hour,
		SweepInterval:    time.Hour,
	}
}

// SQLite is the reference Store backed by a local database file.
type SQLite struct {
	db     *sql.DB
	config Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Open opens (or creates) the store and starts the retention sweeper.
func Open(config Config) (*SQLite, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	// WAL mode for concurrent readers; a single writer keeps SQLite happy.
	db, err := sql.Open("sqlite", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{
		db:     db,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}

	go s.retentionSweeper()

	log.Info().
		Str("path", config.Path).
		Dur("retention", config.HistoryRetention).
		Msg("State store opened")
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alert_state (
			name TEXT PRIMARY KEY,
			current_status TEXT NOT NULL,
			last_execution_at INTEGER,
			last_alert_at INTEGER,
			consecutive_alerts INTEGER NOT NULL DEFAULT 0,
			consecutive_oks INTEGER NOT NULL DEFAULT 0,
			silenced_until INTEGER
		);

		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			alert_name TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT,
			actual_value REAL,
			threshold REAL,
			query_text TEXT NOT NULL,
			error_message TEXT,
			triggered_by TEXT NOT NULL,
			notifications_attempted INTEGER NOT NULL DEFAULT 0,
			notifications_failed INTEGER NOT NULL DEFAULT 0,
			context_json TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_history_name_time
		ON execution_history(alert_name, executed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_history_time
		ON execution_history(executed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadState returns the state row for an alert, or ErrNotFound.
func (s *SQLite) LoadState(ctx context.Context, name string) (*alerting.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, current_status, last_execution_at, last_alert_at,
		       consecutive_alerts, consecutive_oks, silenced_until
		FROM alert_state WHERE name = ?`, name)

	var st alerting.State
	var lastExec, lastAlert, silenced sql.NullInt64
	err := row.Scan(&st.Name, &st.CurrentStatus, &lastExec, &lastAlert,
		&st.ConsecutiveAlerts, &st.ConsecutiveOKs, &silenced)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %q: %w", name, err)
	}

	st.LastExecutionAt = millisToTime(lastExec)
	st.LastAlertAt = millisToTime(lastAlert)
	st.SilencedUntil = millisToTime(silenced)
	return &st, nil
}

// SaveState upserts the state row atomically.
func (s *SQLite) SaveState(ctx context.Context, st *alerting.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_state
			(name, current_status, last_execution_at, last_alert_at,
			 consecutive_alerts, consecutive_oks, silenced_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			current_status = excluded.current_status,
			last_execution_at = excluded.last_execution_at,
			last_alert_at = excluded.last_alert_at,
			consecutive_alerts = excluded.consecutive_alerts,
			consecutive_oks = excluded.consecutive_oks,
			silenced_until = excluded.silenced_until`,
		st.Name, string(st.CurrentStatus), timeToMillis(st.LastExecutionAt),
		timeToMillis(st.LastAlertAt), st.ConsecutiveAlerts, st.ConsecutiveOKs,
		timeToMillis(st.SilencedUntil))
	if err != nil {
		return fmt.Errorf("save state for %q: %w", st.Name, err)
	}
	return nil
}

// AppendHistory writes one execution record.
func (s *SQLite) AppendHistory(ctx context.Context, rec *alerting.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_history
			(id, alert_name, executed_at, duration_ms, outcome, error_kind,
			 actual_value, threshold, query_text, error_message, triggered_by,
			 notifications_attempted, notifications_failed, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AlertName, rec.ExecutedAt.UnixMilli(), rec.DurationMS,
		string(rec.Outcome), nullString(string(rec.ErrorKind)),
		nullFloat(rec.ActualValue), nullFloat(rec.Threshold),
		rec.QueryText, nullString(rec.ErrorMessage), string(rec.TriggeredBy),
		rec.NotificationsAttempted, rec.NotificationsFailed, rec.ContextJSON)
	if err != nil {
		return fmt.Errorf("append history for %q: %w", rec.AlertName, err)
	}
	return nil
}

// RecentHistory returns records newest-first; name "" matches all alerts.
func (s *SQLite) RecentHistory(ctx context.Context, name string, limit int) ([]alerting.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, alert_name, executed_at, duration_ms, outcome, error_kind,
		       actual_value, threshold, query_text, error_message, triggered_by,
		       notifications_attempted, notifications_failed, context_json
		FROM execution_history`
	args := []any{}
	if name != "" {
		q += ` WHERE alert_name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY executed_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []alerting.ExecutionRecord
	for rows.Next() {
		var rec alerting.ExecutionRecord
		var executedAt int64
		var errorKind, errorMessage sql.NullString
		var actual, threshold sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.AlertName, &executedAt, &rec.DurationMS,
			&rec.Outcome, &errorKind, &actual, &threshold, &rec.QueryText,
			&errorMessage, &rec.TriggeredBy, &rec.NotificationsAttempted,
			&rec.NotificationsFailed, &rec.ContextJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.ExecutedAt = time.UnixMilli(executedAt).UTC()
		rec.ErrorKind = alerting.ErrorKind(errorKind.String)
		rec.ErrorMessage = errorMessage.String
		if actual.Valid {
			v := actual.Float64
			rec.ActualValue = &v
		}
		if threshold.Valid {
			v := threshold.Float64
			rec.Threshold = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Silence sets the silence window, creating the state row when missing.
func (s *SQLite) Silence(ctx context.Context, name string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_state (name, current_status, silenced_until)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET silenced_until = excluded.silenced_until`,
		name, string(alerting.StatusUnknown), until.UnixMilli())
	if err != nil {
		return fmt.Errorf("silence %q: %w", name, err)
	}
	return nil
}

// Unsilence clears the silence window; a missing row is not an error.
func (s *SQLite) Unsilence(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_state SET silenced_until = NULL WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("unsilence %q: %w", name, err)
	}
	return nil
}

// PruneHistory deletes records executed before the cutoff.
func (s *SQLite) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_history WHERE executed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Health measures a round-trip against the database file.
func (s *SQLite) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return 0, fmt.Errorf("state store probe: %w", err)
	}
	return time.Since(start), nil
}

// Close stops the sweeper and closes the database.
func (s *SQLite) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return s.db.Close()
}

func (s *SQLite) retentionSweeper() {
	defer close(s.doneCh)
	if s.config.HistoryRetention <= 0 {
		return
	}
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.HistoryRetention)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pruned, err := s.PruneHistory(ctx, cutoff)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("History retention sweep failed")
			} else if pruned > 0 {
				log.Debug().Int64("pruned", pruned).Msg("History retention sweep")
			}
		case <-s.stopCh:
			return
		}
	}
}

func millisToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func timeToMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
