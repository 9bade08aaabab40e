package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type AuthConfig struct {
	HMACSecret     string        `yaml:"hmac_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowAnonymous bool          `yaml:"allow_anonymous"`
}

type FirestoreConfig struct {
	ProjectID string `yaml:"project_id"`
}

type PostgresConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"` // change-feed polling
}

type StorageConfig struct {
	Driver    string          `yaml:"driver"` // firestore | postgres
	Firestore FirestoreConfig `yaml:"firestore"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // pointer mirror lifetime
}

type AIConfig struct {
	GeminiKey       string `yaml:"gemini_key"`
	GeminiURL       string `yaml:"gemini_url"`
	OpenAIKey       string `yaml:"openai_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	DefaultModel    string `yaml:"default_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	ConcurrentLimit int    `yaml:"concurrent_limit"` // max concurrent AI calls
}

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	AI      AIConfig      `yaml:"ai"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads and validates the YAML config. A missing credential here is
// fatal at startup: the process must not come up half-configured with
// interactive operations enabled.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "firestore"
	}
	if cfg.Storage.Postgres.PollInterval <= 0 {
		cfg.Storage.Postgres.PollInterval = 2 * time.Second
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gemini-2.0-flash"
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 4096
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}

	// Minimal validation
	if cfg.Auth.HMACSecret == "" {
		return nil, errors.New("auth.hmac_secret is required")
	}
	switch cfg.Storage.Driver {
	case "firestore":
		if cfg.Storage.Firestore.ProjectID == "" {
			return nil, errors.New("storage.firestore.project_id is required")
		}
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return nil, errors.New("storage.postgres.url is required")
		}
	default:
		return nil, fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.AI.GeminiKey == "" && cfg.AI.OpenAIKey == "" {
		return nil, errors.New("no AI provider configured: set ai.gemini_key or ai.openai_key")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}
