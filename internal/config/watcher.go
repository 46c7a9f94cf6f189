package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is the quiet interval after the last file event before a
// reload runs, so rapid edits coalesce into one reload.
const DefaultDebounce = 2 * time.Second

// Watcher reloads the configuration when the file changes and hands every
// accepted generation to onChange. A reload that would drop every alert
// while the active set is nonempty is rejected and the old set kept.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)

	fsw     *fsnotify.Watcher
	forceCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu          sync.Mutex
	activeCount int
}

// Watch starts watching the config file. The initial generation sets the
// baseline for the rollback rule; onChange is only called for later reloads.
func Watch(path string, debounce time.Duration, initial *Config, onChange func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory, not the file: editors and orchestrators replace
	// config files via rename, which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		forceCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if initial != nil {
		w.activeCount = len(initial.Alerts)
	}

	go w.loop()
	log.Info().Str("path", path).Dur("debounce", debounce).Msg("Watching config file")
	return w, nil
}

// ForceReload bypasses the debounce window, reloading immediately. Used for
// SIGHUP.
func (w *Watcher) ForceReload() {
	select {
	case w.forceCh <- struct{}{}:
	default:
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-timer.C:
			pending = false
			w.reload()

		case <-w.forceCh:
			if pending {
				if !timer.Stop() {
					<-timer.C
				}
				pending = false
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, errs := Load(w.path)
	for _, err := range errs {
		log.Error().Err(err).Msg("Config reload problem")
	}
	if cfg == nil {
		log.Error().Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}

	w.mu.Lock()
	if len(cfg.Alerts) == 0 && w.activeCount > 0 {
		w.mu.Unlock()
		log.Error().
			Str("path", w.path).
			Msg("Config reload produced no valid alerts, keeping previous configuration")
		return
	}
	w.activeCount = len(cfg.Alerts)
	w.mu.Unlock()

	log.Info().
		Int("alerts", len(cfg.Alerts)).
		Int("problems", len(errs)).
		Msg("Configuration reloaded")
	w.onChange(cfg)
}
