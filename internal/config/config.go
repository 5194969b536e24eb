package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for flowerpilot.
//
// API keys never live here; see settings.SecretsStore.
type Config struct {
	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty" toml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`

	// StateDir holds threads, audit logs, locks and previews.
	// If empty, DefaultStateDir is used.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty" toml:"state_dir,omitempty"`

	AI *AIConfig `json:"ai" yaml:"ai" toml:"ai"`

	// PermissionPolicy caps which builtin tools are registered.
	PermissionPolicy *PermissionPolicy `json:"permission_policy,omitempty" yaml:"permission_policy,omitempty" toml:"permission_policy,omitempty"`
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log_format %q (want json or text)", c.LogFormat))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if c.AI == nil {
		errs = append(errs, errors.New("missing ai"))
	} else if err := c.AI.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid ai: %w", err))
	}
	if c.PermissionPolicy != nil {
		if err := c.PermissionPolicy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invalid permission_policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// EffectiveStateDir returns StateDir or the default location.
func (c *Config) EffectiveStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return dir
		}
	}
	return DefaultStateDir()
}

// DefaultStateDir returns ~/.flowerpilot.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".flowerpilot"
	}
	return filepath.Join(home, ".flowerpilot")
}

// DefaultConfigPath returns the default config path:
//
//	~/.flowerpilot/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.json")
}

// Format names a config encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// Load reads and validates the config at path. The decoder is picked by
// extension; unknown fields are rejected in every format.
func Load(path string) (*Config, error) {
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b, f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes b in the given format ("json", "yaml" or "toml") and validates it.
func Parse(b []byte, f Format) (*Config, error) {
	var cfg Config
	switch f {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(b), &cfg)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode toml: unknown field %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", f)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg atomically in the format implied by path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	f, err := FormatFor(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
	default:
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
