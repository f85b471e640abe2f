package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const apiTokenKey = "api_token"

// SecretStore reads and writes secrets.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// secretsFile is a SecretStore backed by a 0600 YAML file.
type secretsFile struct {
	mu   sync.Mutex
	path string
}

func newSecretsFile(path string) *secretsFile {
	return &secretsFile{path: path}
}

// NewSecretStore returns the default secrets file in the data directory.
func NewSecretStore() SecretStore {
	return newSecretsFile(secretsFilePath())
}

func (f *secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f *secretsFile) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return val, nil
}

func (f *secretsFile) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token protecting the HTTP API. MIDOT_API_TOKEN
// wins when set; otherwise the stored token is used, generating and saving a
// new one on first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv("MIDOT_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := store.Get(apiTokenKey); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := store.Set(apiTokenKey, tok); err != nil {
		return "", fmt.Errorf("saving api token: %w", err)
	}
	return tok, nil
}
