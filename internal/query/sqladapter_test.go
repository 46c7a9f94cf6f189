package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter_test.db")
	a, err := Open("sqlite://" + path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestExecuteReturnsTypedRows(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	rows, err := a.Execute(ctx, `SELECT 'ALERT' AS status, 42 AS actual_value, 50.5 AS threshold, NULL AS note`)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "ALERT", row["status"])
	assert.EqualValues(t, 42, row["actual_value"])
	assert.Equal(t, 50.5, row["threshold"])
	assert.Nil(t, row["note"])
}

func TestExecuteMultipleRowsPreserved(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	rows, err := a.Execute(ctx, `SELECT 'ALERT' AS status UNION ALL SELECT 'OK'`)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExecuteRejectsStatementsWithoutColumns(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, `CREATE TABLE t (id INTEGER)`)
	require.Error(t, err)
	// Depending on the driver, DDL surfaces as zero columns or a query error;
	// either way it must not pass the adapter boundary silently.
	kind := KindOf(err)
	assert.Contains(t, []Kind{KindContractViolation, KindQueryError}, kind)
}

func TestExecuteSyntaxErrorIsQueryError(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, `SELEC broken`)
	require.Error(t, err)
	assert.Equal(t, KindQueryError, KindOf(err))
}

func TestExecuteRowCap(t *testing.T) {
	a := openTestAdapter(t)
	sa := a.(*sqlAdapter)
	sa.maxRows = 3
	ctx := context.Background()

	var stmt string
	for i := 0; i < 5; i++ {
		if i > 0 {
			stmt += " UNION ALL "
		}
		stmt += fmt.Sprintf("SELECT %d AS n", i)
	}

	_, err := a.Execute(ctx, stmt)
	require.Error(t, err)
	assert.Equal(t, KindResultTooLarge, KindOf(err))
}

func TestExecuteHonorsCancellation(t *testing.T) {
	a := openTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, `SELECT 'OK' AS status`)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestDryRunUnsupportedForRelationalFamily(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.DryRun(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, ErrDryRunUnsupported)
}

func TestOpenUnknownSchemeFails(t *testing.T) {
	_, err := Open("mongodb://somewhere/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database scheme")
}

func TestPoolSharesAdaptersByRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool_test.db")
	pool, err := NewPool(map[string]string{"main": "sqlite://" + path})
	require.NoError(t, err)
	defer pool.Close()

	a, ok := pool.Get("main")
	require.True(t, ok)
	require.NotNil(t, a)

	_, ok = pool.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"main"}, pool.Refs())
}

func TestPoolFailsFastOnUnknownScheme(t *testing.T) {
	_, err := NewPool(map[string]string{"bad": "wat://nope"})
	require.Error(t, err)
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindQueryError, KindOf(errors.New("anything else")))
}
