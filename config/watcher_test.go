package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
)

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, watcher.ConfigPath())
		}
		if watcher.IsRunning() {
			t.Error("watcher should not be running before Watch")
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("options", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, nil,
			WithDebounce(100*time.Millisecond),
			WithWatcherLogger(logger.Nop()),
			WithOverrides(map[string]interface{}{"log.level": "debug"}),
		)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
		if watcher.loader == nil {
			t.Error("expected default loader")
		}
		if watcher.overrides["log.level"] != "debug" {
			t.Error("expected overrides to be kept")
		}
	})
}

func TestWatcher_Watch(t *testing.T) {
	t.Run("reloads on change", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "log:\n  level: info\n")

		watcher, err := NewWatcher(configPath, NewLoader(),
			WithDebounce(50*time.Millisecond),
			WithWatcherLogger(logger.Nop()),
		)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		var (
			mu       sync.Mutex
			reloaded *Config
		)
		done := make(chan struct{}, 1)
		watcher.OnChange(func(cfg *Config) {
			mu.Lock()
			reloaded = cfg
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = watcher.Watch(ctx) }()

		deadline := time.Now().Add(time.Second)
		for !watcher.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)

		updated := "log:\n  level: debug\nsaga:\n  compensation_handlers:\n    payment.failed: refund\n"
		if err := os.WriteFile(configPath, []byte(updated), 0o644); err != nil {
			t.Fatalf("failed to update config: %v", err)
		}

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for reload")
		}

		mu.Lock()
		defer mu.Unlock()
		if reloaded.Log.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", reloaded.Log.Level)
		}
		if reloaded.Saga.CompensationHandlers["payment.failed"] != "refund" {
			t.Errorf("unexpected compensation handlers %v", reloaded.Saga.CompensationHandlers)
		}
	})

	t.Run("context cancel stops watch", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "app:\n  name: test\n")
		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- watcher.Watch(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Watch did not return after cancel")
		}
	})

	t.Run("stop returns nil", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "app:\n  name: test\n")
		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- watcher.Watch(context.Background()) }()

		time.Sleep(50 * time.Millisecond)
		if err := watcher.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if err := watcher.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}

		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("expected nil after Stop, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Watch did not return after Stop")
		}
	})

	t.Run("double watch", func(t *testing.T) {
		configPath := writeConfig(t, "eventmesh.yaml", "app:\n  name: test\n")
		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = watcher.Watch(ctx) }()

		deadline := time.Now().Add(time.Second)
		for !watcher.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if err := watcher.Watch(ctx); err == nil {
			t.Error("expected error for second Watch")
		}
	})
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Saga.CompensationHandlers = map[string]string{"payment.failed": "refund"}

	a := ExtractHotReloadable(cfg)
	b := ExtractHotReloadable(cfg)
	if a.Changed(b) {
		t.Error("identical configs should not report a change")
	}

	cfg.Saga.CompensationHandlers["payment.failed"] = "void"
	if !a.Changed(ExtractHotReloadable(cfg)) {
		t.Error("expected change in compensation handlers")
	}

	cfg.Log.Level = "debug"
	if !a.Changed(ExtractHotReloadable(cfg)) {
		t.Error("expected change in log level")
	}
}
