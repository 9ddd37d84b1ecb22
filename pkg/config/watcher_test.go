package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

const (
	oneTask  = `tasks: [{name: "disable_ipv6", action: "disable_ipv6.ps1"}]`
	twoTasks = `tasks: [
	{name: "disable_ipv6", action: "disable_ipv6.ps1"},
	{name: "restart_system", action: "restart_system.ps1"},
]`
)

func TestCatalogWatcherRejectsInvalidInitialCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.cue")
	writeFile(t, path, `tasks: [{name: "x"}]`)

	if _, err := NewCatalogWatcher(NewCatalogLoader(), path, zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCatalogWatcherReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.cue")
	writeFile(t, path, oneTask)

	w, err := NewCatalogWatcher(NewCatalogLoader(), path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var reloads atomic.Int32
	w.OnReload(func(*engine.Catalog) { reloads.Add(1) })

	writeFile(t, path, twoTasks)
	if err := w.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(w.Catalog().Tasks()) != 2 {
		t.Fatalf("expected 2 tasks after reload, got %d", len(w.Catalog().Tasks()))
	}

	writeFile(t, path, `tasks: [{name: "broken"`)
	if err := w.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if len(w.Catalog().Tasks()) != 2 {
		t.Errorf("previous catalog not kept: %d tasks", len(w.Catalog().Tasks()))
	}
	if reloads.Load() != 1 {
		t.Errorf("expected 1 reload hook call, got %d", reloads.Load())
	}
}

func TestCatalogWatcherWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.cue")
	writeFile(t, path, oneTask)

	w, err := NewCatalogWatcher(NewCatalogLoader(), path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// The watch is registered asynchronously, so keep rewriting until the
	// change is picked up.
	deadline := time.Now().Add(5 * time.Second)
	for len(w.Catalog().Tasks()) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("catalog change not picked up")
		}
		writeFile(t, path, twoTasks)
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watch did not stop")
	}
}
