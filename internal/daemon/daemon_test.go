package daemon

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlwatch/sqlwatch/internal/config"
	"github.com/sqlwatch/sqlwatch/internal/health"
)

func testConfigYAML(t *testing.T, alerts string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
daemon:
  data_dir: %s
databases:
  main: sqlite://%s
alerts:
%s`, filepath.Join(dir, "state"), filepath.Join(dir, "query.db"), alerts)

	path := filepath.Join(dir, "sqlwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const oneAlert = `
  - name: r1
    query: SELECT 'OK' AS status
    schedule: "* * * * *"
    database: main
    notify:
      - {channel: webhook, url: http://sink/hook}
`

const twoAlerts = oneAlert + `
  - name: r2
    query: SELECT 'ALERT' AS status
    schedule: "*/5 * * * *"
    database: main
    notify:
      - {channel: webhook, url: http://sink/hook}
`

func newTestDaemon(t *testing.T, alerts string) *Daemon {
	t.Helper()
	d, err := New(Options{ConfigPath: testConfigYAML(t, alerts)})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.scheduler.Stop(time.Second)
		d.store.Close()
		d.pool.Load().Close()
	})
	return d
}

func TestNewWiresComponents(t *testing.T) {
	d := newTestDaemon(t, oneAlert)

	_, ok := d.pool.Load().Get("main")
	assert.True(t, ok)
	require.NotNil(t, d.executor)
	require.NotNil(t, d.prober.Load())
	assert.Len(t, d.cfg.Alerts, 1)
}

func TestNewMissingConfigFile(t *testing.T) {
	_, err := New(Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.ErrorIs(t, err, ErrConfigLoad)
}

func TestNewUnwritableDataDir(t *testing.T) {
	path := testConfigYAML(t, oneAlert)
	// A regular file where the data directory should go.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := New(Options{ConfigPath: path, DataDir: filepath.Join(blocker, "nested")})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestApplyConfigSwapsJobsAndPool(t *testing.T) {
	d := newTestDaemon(t, oneAlert)
	d.scheduler.Start()

	require.NoError(t, d.scheduler.SetJobs(d.cfg.Alerts))
	require.Len(t, d.scheduler.Jobs(), 1)

	newCfg, errs := config.Load(testConfigYAML(t, twoAlerts))
	require.Empty(t, errs)
	d.applyConfig(newCfg)

	jobs := d.scheduler.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "r1", jobs[0].Name)
	assert.Equal(t, "r2", jobs[1].Name)

	_, ok := d.pool.Load().Get("main")
	assert.True(t, ok)
	assert.Len(t, d.cfg.Alerts, 2)
}

func TestHealthzHandler(t *testing.T) {
	d := newTestDaemon(t, oneAlert)

	rec := httptest.NewRecorder()
	d.handleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report health.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, health.StatusHealthy, report.Overall)
	assert.Contains(t, report.Components, "state_store")
	assert.Contains(t, report.Components, "database:main")
}
