package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const secretsService = "jmj"

// ErrSecretNotFound is returned when a service/account pair has no value.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain reads and writes secrets.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// FileKeychain keeps secrets in a 0600 JSON file under the data directory.
type FileKeychain struct {
	path string
}

// NewKeychain returns the default file-backed keychain.
func NewKeychain() *FileKeychain {
	return &FileKeychain{path: secretsFilePath()}
}

// NewFileKeychain returns a keychain stored at path.
func NewFileKeychain(path string) *FileKeychain {
	return &FileKeychain{path: path}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "jmj", "secrets.json")
}

func (k *FileKeychain) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return make(map[string]map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	return secrets, nil
}

func (k *FileKeychain) Get(service, account string) (string, error) {
	secrets, err := k.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, service, account)
	}
	return val, nil
}

func (k *FileKeychain) Set(service, account, value string) error {
	secrets, err := k.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the local API, generating
// and storing one on first use. JMJ_API_TOKEN overrides the stored value.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("JMJ_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := kc.Get(secretsService, "api_token")
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(secretsService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
