package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
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
		key: "server.port", typ: kInt, env: "MIDOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MIDOT_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MIDOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "inference.backend", typ: kString, env: "MIDOT_INFERENCE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Inference.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Backend },
	},
	{
		key: "inference.base_url", typ: kString, env: "MIDOT_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.model", typ: kString, env: "MIDOT_INFERENCE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Model },
	},
	{
		key: "inference.timeout", typ: kDuration, env: "MIDOT_INFERENCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.Timeout },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "MIDOT_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.model", typ: kString, env: "MIDOT_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "analysis.interval", typ: kDuration, env: "MIDOT_ANALYSIS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Analysis.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.Interval },
	},
	{
		key: "analysis.batch_size", typ: kInt, env: "MIDOT_ANALYSIS_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.BatchSize },
	},
	{
		key: "analysis.max_concurrent_requests", typ: kInt, env: "MIDOT_ANALYSIS_MAX_CONCURRENT_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.MaxConcurrent },
	},
	{
		key: "analysis.rate_limit_delay", typ: kDuration, env: "MIDOT_ANALYSIS_RATE_LIMIT_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Analysis.RateLimitDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.RateLimitDelay },
	},
	{
		key: "analysis.max_retries", typ: kInt, env: "MIDOT_ANALYSIS_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Analysis.MaxRetries },
	},
	{
		key: "analysis.base_delay", typ: kDuration, env: "MIDOT_ANALYSIS_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Analysis.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.BaseDelay },
	},
	{
		key: "analysis.max_retry_delay", typ: kDuration, env: "MIDOT_ANALYSIS_MAX_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Analysis.MaxRetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.MaxRetryDelay },
	},
	{
		key: "analysis.processing_timeout", typ: kDuration, env: "MIDOT_ANALYSIS_PROCESSING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Analysis.ProcessingTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analysis.ProcessingTimeout },
	},
	{
		key: "events.mqtt_broker", typ: kString, env: "MIDOT_EVENTS_MQTT_BROKER",
		apply:   func(cfg *Config, v any) { cfg.Events.MQTTBroker = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.MQTTBroker },
	},
	{
		key: "events.mqtt_topic", typ: kString, env: "MIDOT_EVENTS_MQTT_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Events.MQTTTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.MQTTTopic },
	},
	{
		key: "log.level", typ: kString, env: "MIDOT_LOG_LEVEL",
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
