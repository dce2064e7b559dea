package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/config"
)

func TestWatcher_PublishesLogLevelChange(t *testing.T) {
	home := t.TempDir()
	path := config.YAMLPath(home)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicConfigLogLevel)
	defer b.Unsubscribe(sub)

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	w.PublishReloads(b, cfg)

	// Retry the write until the watcher is ready.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o644)

	for {
		select {
		case ev := <-sub.Ch():
			if ev.Payload != "debug" {
				t.Fatalf("payload = %#v, want debug", ev.Payload)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for log level event")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
