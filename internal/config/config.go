package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Cache   CacheConfig
	Janitor JanitorConfig
	Replay  ReplayConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTL string
}

type JanitorConfig struct {
	Interval string
}

// ReplayConfig controls the offline-queue drainer. An empty Endpoint
// disables replay.
type ReplayConfig struct {
	Endpoint     string
	APIKey       string
	PollInterval string
	MaxAttempts  int
	// MaxPerMinute caps submissions sent to the endpoint. Zero means no cap.
	MaxPerMinute int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTL: "24h",
		},
		Janitor: JanitorConfig{
			Interval: "1h",
		},
		Replay: ReplayConfig{
			PollInterval: "5s",
			MaxAttempts:  5,
			MaxPerMinute: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/jmj/config.json, then applies JMJ_* environment
// variable overrides. The replay API key falls back to the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Replay.APIKey == "" {
		if key, err := kc.Get(secretsService, "replay_api_key"); err == nil && key != "" {
			cfg.Replay.APIKey = strings.TrimSpace(key)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Replay.MaxPerMinute < 0 {
		return fmt.Errorf("invalid config: replay.max_per_minute %d is negative", c.Replay.MaxPerMinute)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	if c.Replay.Endpoint != "" && !strings.HasPrefix(c.Replay.Endpoint, "http://") && !strings.HasPrefix(c.Replay.Endpoint, "https://") {
		return fmt.Errorf("invalid config: replay.endpoint %q must be an http(s) URL", c.Replay.Endpoint)
	}
	return nil
}
