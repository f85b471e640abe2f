package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Inference  InferenceConfig
	OpenRouter OpenRouterConfig
	Analysis   AnalysisConfig
	Events     EventsConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type InferenceConfig struct {
	Backend string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type AnalysisConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxConcurrent     int
	RateLimitDelay    time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxRetryDelay     time.Duration
	ProcessingTimeout time.Duration
}

type EventsConfig struct {
	MQTTBroker string
	MQTTTopic  string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4000,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Inference: InferenceConfig{
			Backend: "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5vl:7b",
			Timeout: 90 * time.Second,
		},
		OpenRouter: OpenRouterConfig{
			Model: "google/gemini-2.0-flash-001",
		},
		Analysis: AnalysisConfig{
			Interval:          5 * time.Minute,
			BatchSize:         10,
			MaxConcurrent:     5,
			RateLimitDelay:    2 * time.Second,
			MaxRetries:        3,
			BaseDelay:         time.Second,
			MaxRetryDelay:     30 * time.Second,
			ProcessingTimeout: 30 * time.Minute,
		},
		Events: EventsConfig{
			MQTTTopic: "midot/detections",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in layers: defaults, the YAML file backend at
// $XDG_CONFIG_HOME/midot/config.yaml, a .env file in the working directory,
// MIDOT_* environment variables and finally the secrets file.
//
// Values from .env never override variables already set in the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), newSecretsFile(secretsFilePath()), ".env")
}

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", envFile, err)
		}
	}
	applyEnvOverrides(&cfg)

	if cfg.OpenRouter.APIKey == "" {
		if key, err := secrets.Get("openrouter_api_key"); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Inference.Backend {
	case "ollama":
	case "openrouter":
		if c.OpenRouter.APIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable MIDOT_OPENROUTER_API_KEY or switch inference.backend to ollama")
		}
	default:
		return fmt.Errorf("invalid inference.backend %q (want ollama or openrouter)", c.Inference.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}

func xdgDir(env, fallback string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, fallback)
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "midot")
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.yaml")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.yaml")
}
