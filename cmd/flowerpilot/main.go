package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/flowerpilot/internal/config"
	"github.com/floegence/flowerpilot/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chat":
		err = chatCmd(os.Args[2:])
	case "compact":
		err = compactCmd(os.Args[2:])
	case "history":
		err = historyCmd(os.Args[2:])
	case "init":
		err = initCmd(os.Args[2:])
	case "key":
		err = keyCmd(os.Args[2:])
	case "version":
		fmt.Printf("flowerpilot %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowerpilot %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flowerpilot

Usage:
  flowerpilot chat [flags]
  flowerpilot compact [flags]
  flowerpilot history [flags]
  flowerpilot init -model <name> [flags]
  flowerpilot key status|set|clear [flags]
  flowerpilot version

Commands:
  chat      Talk to the model; it can browse pages and run commands through its tools.
  compact   Print the message plan a thread would send to the model on its next round.
  history   List saved threads; rename or delete one with -rename/-delete.
  init      Write a starter config.
  key       Show, store or clear provider API keys in the secrets file.
  version   Print build information.

`)
}

// commonFlags are shared by every subcommand that reads the config.
type commonFlags struct {
	configPath *string
	thread     *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Config file (.json, .yaml, .yml or .toml; default: ~/.flowerpilot/config.json)"),
		thread:     fs.String("thread", "default", "Thread id"),
	}
}

// loadConfig reads the config, loads .env files and builds the logger.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = config.DefaultConfigPath()
	}
	cfg, err := config.Load(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("no config at %s: %w", p, err)
		}
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stateDir := cfg.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("init state dir: %w", err)
	}
	if err := settings.LoadDotEnv(".env", filepath.Join(stateDir, ".env")); err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

// newLogger writes to stderr; stdout carries only assistant text.
func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
