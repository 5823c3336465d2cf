// ABOUTME: Runtime config reload via SIGHUP and file watching
// ABOUTME: Validates the new file before swapping, keeps the old config on error

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces rapid editor write/rename bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// Reloadable is implemented by components that can update their config at runtime.
type Reloadable interface {
	// OnConfigReload is called after a new config has been validated and
	// swapped in. The reloader logs errors but continues notifying other
	// subscribers.
	OnConfigReload(newCfg *Config) error
}

// Reloader watches the config file and coordinates runtime reloads.
// SIGHUP always triggers a reload; file watching is optional.
type Reloader struct {
	configPath  string
	current     atomic.Pointer[Config]
	subscribers []Reloadable
	logger      *slog.Logger
	watchFile   bool

	mu      sync.RWMutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	stopped chan struct{}
	sigChan chan os.Signal
}

// NewReloader creates a Reloader for the given config file path with
// initialCfg as the active configuration.
func NewReloader(configPath string, initialCfg *Config, watchFile bool, logger *slog.Logger) *Reloader {
	r := &Reloader{
		configPath: configPath,
		logger:     logger.With("component", "config-reloader"),
		watchFile:  watchFile,
		stopped:    make(chan struct{}),
	}
	r.current.Store(initialCfg)
	return r
}

// Register adds a component to receive reload notifications.
// Must be called before Start.
func (r *Reloader) Register(sub Reloadable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// Current returns the active configuration. Safe for concurrent use.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Start begins watching for SIGHUP and, when enabled, file changes.
// It returns once the watchers are installed; the watch loop runs until
// the context is cancelled or Stop is called.
func (r *Reloader) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGHUP)

	if r.watchFile {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		r.watcher = watcher

		if err := watcher.Add(r.configPath); err != nil {
			watcher.Close()
			return fmt.Errorf("watching config file %q: %w", r.configPath, err)
		}
		r.logger.Info("config file watcher started", "path", r.configPath)
	}

	go r.run(ctx)
	return nil
}

// Stop shuts down the reloader and waits for the watch loop to exit.
func (r *Reloader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Reload re-reads the config file, validates it, swaps it in, and notifies
// subscribers. An invalid file leaves the current config untouched.
func (r *Reloader) Reload() error {
	r.logger.Info("config reload triggered", "path", r.configPath)

	newCfg, err := Load(r.configPath)
	if err != nil {
		r.logger.Error("config reload failed, keeping current config",
			"error", err,
			"path", r.configPath,
		)
		return fmt.Errorf("config reload: %w", err)
	}

	oldCfg := r.current.Load()
	changed, restartOnly := diffConfigs(oldCfg, newCfg)
	if len(changed) == 0 && len(restartOnly) == 0 {
		r.logger.Info("config reload: no changes detected")
		return nil
	}

	for _, field := range changed {
		r.logger.Info("config change applied", "field", field)
	}
	for _, field := range restartOnly {
		r.logger.Warn("config change requires restart, ignored", "field", field)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	subs := make([]Reloadable, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.OnConfigReload(newCfg); err != nil {
			r.logger.Error("subscriber reload failed",
				"error", err,
				"subscriber", fmt.Sprintf("%T", sub),
			)
		}
	}

	r.logger.Info("config reloaded",
		"applied", len(changed),
		"restart_only", len(restartOnly),
		"path", r.configPath,
	)
	return nil
}

// diffConfigs reports which sections changed between two configs, split into
// those that take effect on reload and those that need a process restart.
// Listener addresses, the database path, the trust mode, and the Tailscale
// node settings are bound at startup and cannot be swapped live.
func diffConfigs(oldCfg, newCfg *Config) (changed, restartOnly []string) {
	if oldCfg.Server != newCfg.Server {
		restartOnly = append(restartOnly, "server")
	}
	if oldCfg.Tailscale != newCfg.Tailscale {
		restartOnly = append(restartOnly, "tailscale")
	}
	if oldCfg.Database != newCfg.Database {
		restartOnly = append(restartOnly, "database")
	}
	if oldCfg.Auth.Mode != newCfg.Auth.Mode {
		restartOnly = append(restartOnly, "auth.mode")
	}
	oldAuth, newAuth := oldCfg.Auth, newCfg.Auth
	oldAuth.Mode, newAuth.Mode = "", ""
	if !reflect.DeepEqual(oldAuth, newAuth) {
		changed = append(changed, "auth")
	}
	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
	}
	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		restartOnly = append(restartOnly, "metrics")
	}
	return changed, restartOnly
}

// run listens for SIGHUP and debounced file change events.
func (r *Reloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer signal.Stop(r.sigChan)
	if r.watcher != nil {
		defer r.watcher.Close()
	}

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case sig := <-r.sigChan:
			r.logger.Info("received signal, reloading config", "signal", sig)
			if err := r.Reload(); err != nil {
				r.logger.Error("SIGHUP reload failed", "error", err)
			}

		case event, ok := <-r.watcherEvents():
			if !ok {
				return
			}
			// Editors commonly replace the file via rename or create.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(reloadDebounce)
				debounceCh = debounceTimer.C
			}

		case err, ok := <-r.watcherErrors():
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			debounceTimer = nil
			r.logger.Info("config file changed, reloading", "path", r.configPath)
			if r.watcher != nil {
				// The file may have been replaced; re-add is best effort.
				_ = r.watcher.Add(r.configPath)
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("file watch reload failed", "error", err)
			}
		}
	}
}

// watcherEvents returns the watcher's event channel, or nil if file watching is off.
func (r *Reloader) watcherEvents() <-chan fsnotify.Event {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Events
}

// watcherErrors returns the watcher's error channel, or nil if file watching is off.
func (r *Reloader) watcherErrors() <-chan error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Errors
}
