package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/flowerpilot/internal/ai/threadstore"
	"github.com/floegence/flowerpilot/internal/config"
	"github.com/floegence/flowerpilot/internal/lockfile"
	"github.com/floegence/flowerpilot/internal/settings"
)

func TestStarterConfig_SavesAndLoads(t *testing.T) {
	t.Parallel()

	cfg, err := starterConfig("messages", "claude-test", "", "read-only")
	if err != nil {
		t.Fatalf("starterConfig: %v", err)
	}
	for _, name := range []string{"config.json", "config.yaml", "config.toml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := config.Save(path, cfg); err != nil {
			t.Fatalf("Save(%s): %v", name, err)
		}
		got, err := config.Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if got.AI.Model != "claude-test" || got.AI.Protocol != "messages" {
			t.Fatalf("%s: ai=%+v", name, got.AI)
		}
		if cap := got.PermissionPolicy.ResolveCap("any"); cap != (config.PermissionSet{Read: true}) {
			t.Fatalf("%s: cap=%+v, want read only", name, cap)
		}
	}

	if _, err := starterConfig("messages", "", "", ""); err == nil || !strings.Contains(err.Error(), "missing model") {
		t.Fatalf("err=%v, want missing model", err)
	}
	if _, err := starterConfig("messages", "m", "", "root"); err == nil || !strings.Contains(err.Error(), "unknown permission policy preset") {
		t.Fatalf("err=%v, want unknown preset", err)
	}
}

func TestApplyPermissionPreset(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{AI: &config.AIConfig{Protocol: "responses", Model: "m"}}
	if err := applyPermissionPreset(cfg, ""); err != nil || cfg.PermissionPolicy != nil {
		t.Fatalf("empty preset: err=%v policy=%+v", err, cfg.PermissionPolicy)
	}
	if err := applyPermissionPreset(cfg, "execute_read"); err != nil {
		t.Fatalf("applyPermissionPreset: %v", err)
	}
	if cap := cfg.PermissionPolicy.ResolveCap("t"); cap != (config.PermissionSet{Read: true, Execute: true}) {
		t.Fatalf("cap=%+v", cap)
	}
}

func TestRunKey(t *testing.T) {
	t.Parallel()

	store := settings.NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	known := []string{"api.openai.com", "api.anthropic.com"}
	key := func(v string) func() (string, error) {
		return func() (string, error) { return v, nil }
	}

	var out bytes.Buffer
	if err := runKey(&out, store, "set", "api.openai.com", known, key("sk-first-1234\n")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := runKey(&out, store, "set", "api.openai.com", known, key("sk-second-5678")); err != nil {
		t.Fatalf("set again: %v", err)
	}
	want := "Stored key for api.openai.com (*********1234)\nReplaced key for api.openai.com (**********5678)\n"
	if out.String() != want {
		t.Fatalf("out=%q, want=%q", out.String(), want)
	}
	if got, _, _ := store.GetAPIKey("api.openai.com"); got != "sk-second-5678" {
		t.Fatalf("stored=%q", got)
	}

	out.Reset()
	if err := runKey(&out, store, "status", "127.0.0.1:8080", known, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasSuffix(lines[0], " not set") || !strings.HasSuffix(lines[1], " set") || strings.HasSuffix(lines[1], "not set") {
		t.Fatalf("status=%q", out.String())
	}

	out.Reset()
	if err := runKey(&out, store, "clear", "api.openai.com", known, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ok, _ := store.HasAPIKey("api.openai.com"); ok {
		t.Fatalf("key still stored after clear")
	}

	if err := runKey(&out, store, "set", "api.openai.com", known, key("  ")); err == nil {
		t.Fatalf("expected error for blank key")
	}
	if err := runKey(&out, store, "rotate", "api.openai.com", known, nil); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestManageThread(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	threads, err := threadstore.Open(filepath.Join(stateDir, "threads.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = threads.Close() })
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := threads.CreateThread(ctx, threadstore.Thread{ThreadID: id, Title: id}); err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}

	var out bytes.Buffer
	if err := manageThread(ctx, &out, threads, stateDir, "a", "Docs tour", false); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if th, _ := threads.GetThread(ctx, "a"); th == nil || th.Title != "Docs tour" {
		t.Fatalf("thread=%+v", th)
	}
	if err := manageThread(ctx, &out, threads, stateDir, "nope", "x", false); err == nil || !strings.Contains(err.Error(), `no thread "nope"`) {
		t.Fatalf("err=%v", err)
	}

	if err := manageThread(ctx, &out, threads, stateDir, "a", "", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if th, _ := threads.GetThread(ctx, "a"); th != nil {
		t.Fatalf("thread survived delete: %+v", th)
	}
	if out.String() != "Renamed a\nDeleted a\n" {
		t.Fatalf("out=%q", out.String())
	}

	lk, err := lockfile.AcquireThread(stateDir, "b")
	if err != nil {
		t.Fatalf("AcquireThread: %v", err)
	}
	defer func() { _ = lk.Release() }()
	if err := manageThread(ctx, &out, threads, stateDir, "b", "", true); !errors.Is(err, lockfile.ErrAlreadyLocked) {
		t.Fatalf("err=%v, want ErrAlreadyLocked", err)
	}
	if th, _ := threads.GetThread(ctx, "b"); th == nil {
		t.Fatalf("locked thread was deleted")
	}
}
