package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/threadstore"
	"github.com/floegence/flowerpilot/internal/config"
	"github.com/floegence/flowerpilot/internal/lockfile"
	"github.com/floegence/flowerpilot/internal/settings"
	"golang.org/x/term"
)

func initCmd(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Where to write the config (default: ~/.flowerpilot/config.json)")
	protocol := fs.String("protocol", "chat_completions", "chat_completions, responses or messages")
	model := fs.String("model", "", "Model name (required)")
	baseURL := fs.String("base-url", "", "Provider endpoint (default: the protocol's public API)")
	permission := fs.String("permission", "", "Permission preset: read_only, execute_read or execute_read_write")
	force := fs.Bool("force", false, "Overwrite an existing config")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	cfg, err := starterConfig(*protocol, *model, *baseURL, *permission)
	if err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func starterConfig(protocol, model, baseURL, preset string) (*config.Config, error) {
	cfg := &config.Config{
		LogFormat: "text",
		LogLevel:  "info",
		AI: &config.AIConfig{
			Protocol: strings.TrimSpace(protocol),
			Model:    strings.TrimSpace(model),
			BaseURL:  strings.TrimSpace(baseURL),
		},
	}
	if err := applyPermissionPreset(cfg, preset); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPermissionPreset replaces the configured policy for this process only.
func applyPermissionPreset(cfg *config.Config, preset string) error {
	if strings.TrimSpace(preset) == "" {
		return nil
	}
	pol, err := config.ParsePermissionPolicyPreset(preset)
	if err != nil {
		return err
	}
	cfg.PermissionPolicy = pol
	return nil
}

func keyCmd(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: flowerpilot key status|set|clear [flags]")
	}
	action := args[0]
	fs := flag.NewFlagSet("key "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default: ~/.flowerpilot/config.json)")
	provider := fs.String("provider", "", "Provider id (default: host of the configured base URL)")
	_ = fs.Parse(args[1:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	configured := providerID(cfg.AI.EffectiveBaseURL())
	id := strings.TrimSpace(*provider)
	if id == "" {
		id = configured
	}
	store := settings.NewSecretsStore(filepath.Join(cfg.EffectiveStateDir(), "secrets.json"))

	readKey := func() (string, error) {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return promptAPIKey()
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return line, nil
	}
	return runKey(os.Stdout, store, action, id, []string{configured, "api.openai.com", "api.anthropic.com"}, readKey)
}

// runKey performs one key subcommand against store. known lists the
// providers status reports on besides id.
func runKey(w io.Writer, store *settings.SecretsStore, action, id string, known []string, readKey func() (string, error)) error {
	switch action {
	case "set":
		had, err := store.HasAPIKey(id)
		if err != nil {
			return err
		}
		key, err := readKey()
		if err != nil {
			return err
		}
		if err := store.SetAPIKey(id, key); err != nil {
			return err
		}
		verb := "Stored"
		if had {
			verb = "Replaced"
		}
		fmt.Fprintf(w, "%s key for %s (%s)\n", verb, id, settings.Mask(strings.TrimSpace(key)))
		return nil
	case "clear":
		if err := store.ClearAPIKey(id); err != nil {
			return err
		}
		fmt.Fprintf(w, "Cleared key for %s\n", id)
		return nil
	case "status":
		ids := []string{id}
		for _, k := range known {
			if k != "" && !slices.Contains(ids, k) {
				ids = append(ids, k)
			}
		}
		set, err := store.APIKeySet(ids)
		if err != nil {
			return err
		}
		for _, k := range ids {
			state := "not set"
			if set[k] {
				state = "set"
			}
			fmt.Fprintf(w, "%-24s %s\n", k, state)
		}
		return nil
	default:
		return fmt.Errorf("unknown key action %q (want status, set or clear)", action)
	}
}

// manageThread renames or deletes one thread. Deleting takes the thread lock
// so a running chat keeps its snapshot.
func manageThread(ctx context.Context, w io.Writer, threads *threadstore.Store, stateDir, threadID, rename string, del bool) error {
	if rename != "" {
		if err := threads.RenameThread(ctx, threadID, rename); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no thread %q", threadID)
			}
			return err
		}
		fmt.Fprintf(w, "Renamed %s\n", threadID)
	}
	if del {
		lk, err := lockfile.AcquireThread(stateDir, threadID)
		if err != nil {
			return fmt.Errorf("thread %s is busy: %w", threadID, err)
		}
		defer func() { _ = lk.Release() }()
		if err := threads.DeleteThread(ctx, threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no thread %q", threadID)
			}
			return err
		}
		fmt.Fprintf(w, "Deleted %s\n", threadID)
	}
	return nil
}
