package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// KeySource tells where KeyResolver.Resolve found the key.
type KeySource string

const (
	KeySourceEnv     KeySource = "env"
	KeySourceSecrets KeySource = "secrets"
	KeySourcePrompt  KeySource = "prompt"
)

// ErrNoAPIKey is returned when no source produced a key.
var ErrNoAPIKey = errors.New("no api key configured")

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables that are already set win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// KeyResolver looks up the API key for one provider.
type KeyResolver struct {
	// EnvVars are consulted in order.
	EnvVars    []string
	Store      *SecretsStore
	ProviderID string
	// Prompt is called last; nil disables prompting. A prompted key is saved to Store.
	Prompt func() (string, error)
}

func (r KeyResolver) Resolve() (string, KeySource, error) {
	for _, name := range r.EnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, KeySourceEnv, nil
		}
	}
	if r.Store != nil && strings.TrimSpace(r.ProviderID) != "" {
		key, ok, err := r.Store.GetAPIKey(r.ProviderID)
		if err != nil {
			return "", "", fmt.Errorf("read secrets: %w", err)
		}
		if ok {
			return key, KeySourceSecrets, nil
		}
	}
	if r.Prompt == nil {
		return "", "", ErrNoAPIKey
	}
	key, err := r.Prompt()
	if err != nil {
		return "", "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", ErrNoAPIKey
	}
	if r.Store != nil && strings.TrimSpace(r.ProviderID) != "" {
		if err := r.Store.SetAPIKey(r.ProviderID, key); err != nil {
			return "", "", fmt.Errorf("save api key: %w", err)
		}
	}
	return key, KeySourcePrompt, nil
}
