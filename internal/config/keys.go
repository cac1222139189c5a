package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "JMJ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "JMJ_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "JMJ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.ttl", typ: kString, env: "JMJ_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "janitor.interval", typ: kString, env: "JMJ_JANITOR_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Janitor.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Janitor.Interval },
	},
	{
		key: "replay.endpoint", typ: kString, env: "JMJ_REPLAY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Replay.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Replay.Endpoint },
	},
	{
		key: "replay.api_key", typ: kString, env: "JMJ_REPLAY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Replay.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Replay.APIKey },
	},
	{
		key: "replay.poll_interval", typ: kString, env: "JMJ_REPLAY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Replay.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Replay.PollInterval },
	},
	{
		key: "replay.max_attempts", typ: kInt, env: "JMJ_REPLAY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Replay.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Replay.MaxAttempts },
	},
	{
		key: "replay.max_per_minute", typ: kInt, env: "JMJ_REPLAY_MAX_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Replay.MaxPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Replay.MaxPerMinute },
	},
	{
		key: "log.level", typ: kString, env: "JMJ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
