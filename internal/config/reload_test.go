// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestHolderReload(t *testing.T) {
	t.Setenv("V2S_SHARED_STORAGE_ROOT", t.TempDir())
	path := writeConfigFile(t, "logLevel: info\n")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}

	holder := NewHolder(initial, loader, path)
	if holder.Get().LogLevel != "info" {
		t.Fatalf("initial LogLevel = %q", holder.Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("logLevel: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if holder.Get().LogLevel != "debug" {
		t.Errorf("LogLevel after reload = %q, want debug", holder.Get().LogLevel)
	}
}

func TestHolderReloadKeepsOldOnFailure(t *testing.T) {
	t.Setenv("V2S_SHARED_STORAGE_ROOT", t.TempDir())
	path := writeConfigFile(t, "logLevel: info\n")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	holder := NewHolder(initial, loader, path)

	// Unknown fields fail the strict parse; the old config must survive.
	if err := os.WriteFile(path, []byte("logLevel: debug\nbogusKey: true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error for invalid file")
	}
	if holder.Get().LogLevel != "info" {
		t.Errorf("LogLevel = %q, old config should be kept", holder.Get().LogLevel)
	}
}

func TestHolderNotifiesListeners(t *testing.T) {
	t.Setenv("V2S_SHARED_STORAGE_ROOT", t.TempDir())
	path := writeConfigFile(t, "logLevel: info\n")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	holder := NewHolder(initial, loader, path)

	ch := make(chan Config, 1)
	holder.RegisterListener(ch)

	if err := os.WriteFile(path, []byte("logLevel: error\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := holder.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	select {
	case got := <-ch:
		if got.LogLevel != "error" {
			t.Errorf("listener got LogLevel %q, want error", got.LogLevel)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never notified")
	}
}

func TestWatcherPicksUpFileChange(t *testing.T) {
	t.Setenv("V2S_SHARED_STORAGE_ROOT", t.TempDir())
	path := writeConfigFile(t, "logLevel: info\n")

	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	holder := NewHolder(initial, loader, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Config, 1)
	holder.RegisterListener(ch)

	if err := holder.StartWatcher(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer holder.Stop()

	if err := os.WriteFile(path, []byte("logLevel: warn\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// Debounce is 500ms; allow generous slack for fs event delivery.
	select {
	case got := <-ch:
		if got.LogLevel != "warn" {
			t.Errorf("watched reload LogLevel = %q, want warn", got.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never triggered a reload")
	}
}
