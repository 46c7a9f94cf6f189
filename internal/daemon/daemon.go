// Package daemon wires the components together and owns their lifecycles:
// config loading and watching, the query pool, the scheduler, the metrics
// and health endpoints, and orderly shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sqlwatch/sqlwatch/internal/alerting"
	"github.com/sqlwatch/sqlwatch/internal/config"
	"github.com/sqlwatch/sqlwatch/internal/executor"
	"github.com/sqlwatch/sqlwatch/internal/health"
	"github.com/sqlwatch/sqlwatch/internal/metrics"
	"github.com/sqlwatch/sqlwatch/internal/notify"
	"github.com/sqlwatch/sqlwatch/internal/query"
	"github.com/sqlwatch/sqlwatch/internal/sched"
	"github.com/sqlwatch/sqlwatch/internal/store"
)

// Sentinel errors let the CLI map startup failures onto exit codes.
var (
	ErrConfigLoad       = errors.New("configuration load failed")
	ErrStoreUnavailable = errors.New("state store unavailable")
)

const (
	drainDeadline = 30 * time.Second
	// Old query pools linger briefly after a reload so in-flight runs finish
	// on the connections they started with.
	poolGracePeriod = 30 * time.Second
	defaultDataDir  = "data"
)

// Options are the CLI-level overrides for a daemon run.
type Options struct {
	ConfigPath string
	DataDir    string
	Listen     string
}

// Daemon is a fully wired alerting daemon.
type Daemon struct {
	opts      Options
	cfg       *config.Config
	store     *store.SQLite
	registry  *metrics.Registry
	executor  *executor.Executor
	scheduler *sched.Scheduler

	pool   atomic.Pointer[query.Pool]
	prober atomic.Pointer[health.Prober]

	httpServer *http.Server
	startedAt  time.Time
}

// poolSource lets the executor follow pool swaps across config reloads.
type poolSource struct{ d *Daemon }

func (s poolSource) Get(ref string) (query.Adapter, bool) {
	return s.d.pool.Load().Get(ref)
}

// runner adapts the executor to the scheduler's contract.
type runner struct{ exec *executor.Executor }

func (r runner) Run(ctx context.Context, def *alerting.Definition, trigger alerting.Trigger) {
	r.exec.Execute(ctx, def, trigger, false)
}

func (r runner) Skip(def *alerting.Definition, trigger alerting.Trigger) {
	r.exec.Skip(def, trigger, alerting.KindSkippedOverlap)
}

// New loads the configuration and builds every component. Returned errors
// wrap ErrConfigLoad or ErrStoreUnavailable for exit-code mapping.
func New(opts Options) (*Daemon, error) {
	cfg, errs := config.Load(opts.ConfigPath)
	for _, err := range errs {
		log.Error().Err(err).Msg("Config problem")
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigLoad, opts.ConfigPath)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.Daemon.DataDir
	}
	if dataDir == "" {
		dataDir = defaultDataDir
	}

	st, err := store.Open(store.DefaultConfig(dataDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pool, err := query.NewPool(cfg.Databases)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}

	reg := metrics.NewRegistry()
	sender := notify.NewSender(cfg.SMTP, reg)

	d := &Daemon{
		opts:      opts,
		cfg:       cfg,
		store:     st,
		registry:  reg,
		startedAt: time.Now(),
	}
	d.pool.Store(pool)

	d.executor = executor.New(st, poolSource{d}, sender, reg)
	if cfg.Daemon.QueryTimeout > 0 {
		d.executor.QueryTimeout = cfg.Daemon.QueryTimeout
	}

	d.scheduler = sched.New(runner{d.executor}, reg, cfg.Daemon.Workers)
	d.prober.Store(&health.Prober{
		Store:    st,
		Pool:     pool,
		SMTP:     cfg.SMTP,
		Channels: health.ChannelsOf(cfg.Alerts),
	})

	return d, nil
}

// Run starts everything and blocks until the context is cancelled or a
// termination signal arrives. SIGHUP forces an immediate config reload.
func (d *Daemon) Run(ctx context.Context) error {
	d.scheduler.Start()
	if err := d.scheduler.SetJobs(d.cfg.Alerts); err != nil {
		log.Error().Err(err).Msg("Some alerts could not be scheduled")
	}
	initialAlerts := len(d.cfg.Alerts)

	listen := d.opts.Listen
	if listen == "" {
		listen = d.cfg.Daemon.Listen
	}
	if listen != "" {
		d.serveHTTP(listen)
	}

	// The watcher goroutine owns d.cfg from here on.
	watcher, err := config.Watch(d.opts.ConfigPath, config.DefaultDebounce, d.cfg, d.applyConfig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}

	uptimeTicker := time.NewTicker(time.Second)
	defer uptimeTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	log.Info().Int("alerts", initialAlerts).Msg("Daemon started")

	for {
		select {
		case <-uptimeTicker.C:
			d.registry.AddUptime(1)

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info().Msg("SIGHUP received, forcing config reload")
				watcher.ForceReload()
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			d.shutdown(watcher)
			return nil

		case <-ctx.Done():
			d.shutdown(watcher)
			return nil
		}
	}
}

// applyConfig swaps in a new config generation: query pool first, then the
// job set, then the health prober. SMTP transport changes need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	newPool, err := query.NewPool(cfg.Databases)
	if err != nil {
		log.Error().Err(err).Msg("Reload rejected, could not open database pool")
		return
	}

	old := d.pool.Swap(newPool)
	if old != nil {
		go func() {
			time.Sleep(poolGracePeriod)
			old.Close()
		}()
	}

	if err := d.scheduler.SetJobs(cfg.Alerts); err != nil {
		log.Error().Err(err).Msg("Some alerts could not be scheduled")
	}

	d.prober.Store(&health.Prober{
		Store:    d.store,
		Pool:     newPool,
		SMTP:     cfg.SMTP,
		Channels: health.ChannelsOf(cfg.Alerts),
	})

	if cfg.SMTP != d.cfg.SMTP {
		log.Warn().Msg("SMTP settings changed; restart to apply")
	}
	d.cfg = cfg
}

func (d *Daemon) serveHTTP(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.Handler())
	mux.HandleFunc("/healthz", d.handleHealthz)

	d.httpServer = &http.Server{Addr: listen, Handler: mux}
	go func() {
		log.Info().Str("listen", listen).Msg("Serving metrics and health")
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := d.prober.Load().Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.Overall == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.Error().Err(err).Msg("Failed to write health report")
	}
}

// shutdown stops components in dependency order: no new fires, drain runs,
// stop watching, stop serving, then release storage and connections.
func (d *Daemon) shutdown(watcher *config.Watcher) {
	d.scheduler.Stop(drainDeadline)

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Config watcher close failed")
		}
	}

	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		cancel()
	}

	if err := d.store.Close(); err != nil {
		log.Warn().Err(err).Msg("State store close failed")
	}
	if pool := d.pool.Load(); pool != nil {
		if err := pool.Close(); err != nil {
			log.Warn().Err(err).Msg("Query pool close failed")
		}
	}

	log.Info().Dur("uptime", time.Since(d.startedAt).Round(time.Second)).Msg("Daemon stopped")
}
