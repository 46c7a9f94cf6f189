// Package query executes read-only SQL against the configured back-ends and
// returns rows as column-keyed maps. Back-ends are selected by the
// connection-string scheme; unknown schemes fail at load time.
package query

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Kind classifies adapter failures for the execution record.
type Kind string

const (
	KindConnectivity      Kind = "CONNECTIVITY"
	KindTimeout           Kind = "TIMEOUT"
	KindQueryError        Kind = "QUERY_ERROR"
	KindContractViolation Kind = "CONTRACT_VIOLATION"
	KindResultTooLarge    Kind = "RESULT_TOO_LARGE"
	KindCancelled         Kind = "CANCELLED"
)

// Error wraps a back-end failure with its taxonomy kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Kind)), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an adapter error.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindQueryError
}

// ErrDryRunUnsupported is returned by back-ends that cannot estimate cost.
var ErrDryRunUnsupported = errors.New("dry run not supported by this back-end")

// MaxRows caps how many result rows an adapter will materialize.
const MaxRows = 10_000

// Row is one result row keyed by column name. Values are typed per back-end:
// integers, floats, strings, booleans, timestamps, or nil.
type Row map[string]any

// Adapter executes queries against one database.
type Adapter interface {
	// Execute runs a read-only query and materializes the full result set.
	// Queries that return no result columns are rejected.
	Execute(ctx context.Context, sql string) ([]Row, error)
	// DryRun estimates the bytes a query would process, when the back-end
	// can; otherwise it returns ErrDryRunUnsupported.
	DryRun(ctx context.Context, sql string) (int64, error)
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
	Close() error
}

// Open resolves the connection-string scheme to a back-end implementation.
func Open(connString string) (Adapter, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return openPostgres(connString)
	case "sqlite":
		return openSQLite(u)
	case "bigquery":
		return openBigQuery(u)
	default:
		return nil, fmt.Errorf("unknown database scheme %q", u.Scheme)
	}
}

// Pool holds one adapter per database ref so alerts sharing a ref share a
// connection pool.
type Pool struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewPool opens an adapter for every resolved connection string. Any failure
// closes the adapters opened so far.
func NewPool(databases map[string]string) (*Pool, error) {
	p := &Pool{adapters: make(map[string]Adapter, len(databases))}
	for ref, connString := range databases {
		a, err := Open(connString)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("database %q: %w", ref, err)
		}
		p.adapters[ref] = a
	}
	return p, nil
}

// Get returns the adapter for a ref.
func (p *Pool) Get(ref string) (Adapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[ref]
	return a, ok
}

// Refs lists the configured database refs.
func (p *Pool) Refs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	refs := make([]string, 0, len(p.adapters))
	for ref := range p.adapters {
		refs = append(refs, ref)
	}
	return refs
}

// Close releases every adapter. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for ref, a := range p.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database %q: %w", ref, err)
		}
		delete(p.adapters, ref)
	}
	return firstErr
}
