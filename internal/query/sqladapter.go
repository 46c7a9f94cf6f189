package query

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// sqlAdapter is the generic relational family built on database/sql. It
// serves any driver registered with the stdlib; postgres and sqlite are the
// two wired back-ends.
type sqlAdapter struct {
	db      *sql.DB
	maxRows int
}

func openPostgres(connString string) (Adapter, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &sqlAdapter{db: db, maxRows: MaxRows}, nil
}

func openSQLite(u *url.URL) (Adapter, error) {
	path := u.Opaque
	if path == "" {
		path = u.Host + u.Path
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite connection string %q has no path", u.String())
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite works best with a single writer; queries here are read-only but
	// the same discipline keeps the driver happy under concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &sqlAdapter{db: db, maxRows: MaxRows}, nil
}

func (a *sqlAdapter) Execute(ctx context.Context, query string) ([]Row, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &Error{Kind: classifySQLError(ctx, err), Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{Kind: KindQueryError, Err: err}
	}
	if len(cols) == 0 {
		return nil, &Error{Kind: KindContractViolation, Err: errors.New("statement returned no result columns")}
	}

	var out []Row
	for rows.Next() {
		if len(out) >= a.maxRows {
			return nil, &Error{Kind: KindResultTooLarge, Err: fmt.Errorf("result exceeds %d rows", a.maxRows)}
		}

		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &Error{Kind: KindQueryError, Err: err}
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: classifySQLError(ctx, err), Err: err}
	}
	return out, nil
}

func (a *sqlAdapter) DryRun(ctx context.Context, query string) (int64, error) {
	return 0, ErrDryRunUnsupported
}

func (a *sqlAdapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return &Error{Kind: KindConnectivity, Err: err}
	}
	return nil
}

func (a *sqlAdapter) Close() error {
	return a.db.Close()
}

// normalizeValue converts driver byte slices to strings so rows carry
// printable values regardless of back-end.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func classifySQLError(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, driver.ErrBadConn):
		return KindConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectivity
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "no such host", "network unreachable", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return KindConnectivity
		}
	}
	return KindQueryError
}
