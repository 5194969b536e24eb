package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore persists provider API keys to a local file, separate from the
// config so configs can be shared. Keys are indexed by provider id, which the
// CLI derives from the base URL host (for example "api.openai.com").
//
// Secrets must never be printed back in plaintext; callers show Mask(key).
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	APIKeys       map[string]string `json:"api_keys,omitempty"`
}

func (s *SecretsStore) getAPIKeyLocked(providerID string) (string, bool, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.APIKeys[providerID])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *SecretsStore) HasAPIKey(providerID string) (bool, error) {
	_, ok, err := s.GetAPIKey(providerID)
	return ok, err
}

func (s *SecretsStore) GetAPIKey(providerID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAPIKeyLocked(providerID)
}

func (s *SecretsStore) SetAPIKey(providerID string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.ApplyAPIKeyPatches([]APIKeyPatch{{ProviderID: providerID, APIKey: &apiKey}})
}

func (s *SecretsStore) ClearAPIKey(providerID string) error {
	return s.ApplyAPIKeyPatches([]APIKeyPatch{{ProviderID: providerID}})
}

type APIKeyPatch struct {
	ProviderID string
	// APIKey is the new key to set. If nil, the key is cleared.
	APIKey *string
}

// ApplyAPIKeyPatches applies all patches or none.
func (s *SecretsStore) ApplyAPIKeyPatches(patches []APIKeyPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.APIKeys == nil {
		sf.APIKeys = make(map[string]string)
	}
	for _, p := range patches {
		providerID := strings.TrimSpace(p.ProviderID)
		if providerID == "" {
			return errors.New("missing provider id")
		}
		if p.APIKey == nil {
			delete(sf.APIKeys, providerID)
			continue
		}
		key := strings.TrimSpace(*p.APIKey)
		if key == "" {
			return errors.New("missing api key")
		}
		sf.APIKeys[providerID] = key
	}
	if len(sf.APIKeys) == 0 {
		sf.APIKeys = nil
	}
	return s.saveLocked(sf)
}

// APIKeySet reports which of providerIDs have a stored key.
func (s *SecretsStore) APIKeySet(providerIDs []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(sf.APIKeys[id]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	path := strings.TrimSpace(s.path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Mask keeps the last four characters of a key.
func Mask(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
