package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/agentrun/internal/bus"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to the config files in a home directory.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches config.yaml and config.toml until ctx ends. Files that do not
// exist yet are picked up through the directory watch.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	watched := map[string]bool{
		YAMLPath(w.homeDir): true,
		TOMLPath(w.homeDir): true,
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watched[ev.Name] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// PublishReloads reloads the config on every change and publishes a new
// log_level on the bus. Other settings need a restart and are only logged.
func (w *Watcher) PublishReloads(b *bus.Bus, current Config) {
	go func() {
		fingerprint := current.Fingerprint()
		level := current.LogLevel
		for range w.events {
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload failed; keeping previous settings", "error", err)
				continue
			}
			if cfg.LogLevel != level {
				level = cfg.LogLevel
				b.Publish(bus.TopicConfigLogLevel, level)
			}
			if fp := cfg.Fingerprint(); fp != fingerprint {
				fingerprint = fp
				w.logger.Info("config changed; restart to apply", "fingerprint", fp)
			}
		}
	}()
}
