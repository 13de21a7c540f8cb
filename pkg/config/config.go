package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "GENCACHE_"

// Config holds all gencache configuration.
type Config struct {
	Listen    string           `yaml:"listen" env:"LISTEN" validate:"required"`
	DBPath    string           `yaml:"db_path" env:"DB_PATH" validate:"required"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Cache     CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Memory    PolicyConfig     `yaml:"memory" envPrefix:"MEMORY_"`
	Local     LocalConfig      `yaml:"local" envPrefix:"LOCAL_"`
	Remote    RemoteConfig     `yaml:"remote" envPrefix:"REMOTE_"`
	Cleanup   CleanupConfig    `yaml:"cleanup" envPrefix:"CLEANUP_"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Templates []TemplateConfig `yaml:"templates" validate:"dive"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
}

// CacheConfig holds record lifetimes and generation timeouts.
type CacheConfig struct {
	PendingTTL    time.Duration `yaml:"pending_ttl" env:"PENDING_TTL" validate:"gt=0"`
	FailedTTL     time.Duration `yaml:"failed_ttl" env:"FAILED_TTL" validate:"gt=0"`
	CompletedTTL  time.Duration `yaml:"completed_ttl" env:"COMPLETED_TTL" validate:"gt=0"`
	RetryAfter    time.Duration `yaml:"retry_after" env:"RETRY_AFTER" validate:"gte=0"`
	TextTimeout   time.Duration `yaml:"text_timeout" env:"TEXT_TIMEOUT" validate:"gt=0"`
	SpeechTimeout time.Duration `yaml:"speech_timeout" env:"SPEECH_TIMEOUT" validate:"gt=0"`
}

// PolicyConfig is the eviction policy of one tier. Capacity is a
// human-readable size such as "64MiB"; "0" means unbounded.
type PolicyConfig struct {
	Capacity      string        `yaml:"capacity" env:"CAPACITY" validate:"bytesize"`
	TargetRatio   float64       `yaml:"target_ratio" env:"TARGET_RATIO" validate:"gt=0,lte=1"`
	ProtectWindow time.Duration `yaml:"protect_window" env:"PROTECT_WINDOW" validate:"gte=0"`
}

// CapacityBytes parses Capacity.
func (p PolicyConfig) CapacityBytes() (int64, error) {
	n, err := humanize.ParseBytes(p.Capacity)
	if err != nil {
		return 0, fmt.Errorf("parse capacity %q: %w", p.Capacity, err)
	}
	return int64(n), nil
}

// LocalConfig configures the on-device tier.
type LocalConfig struct {
	PolicyConfig     `yaml:",inline"`
	Dir              string `yaml:"dir" env:"DIR" validate:"required"`
	IndexPath        string `yaml:"index_path" env:"INDEX_PATH" validate:"required"`
	CompressionLevel int    `yaml:"compression_level" env:"COMPRESSION_LEVEL" validate:"gte=0,lte=4"`
}

// RemoteConfig selects and configures the shared tier.
type RemoteConfig struct {
	Backend  string        `yaml:"backend" env:"BACKEND" validate:"oneof=none memory dynamo redis"`
	Region   string        `yaml:"region" env:"REGION"`
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	Dynamo   DynamoConfig  `yaml:"dynamo" envPrefix:"DYNAMO_"`
	S3       S3Config      `yaml:"s3" envPrefix:"S3_"`
	Redis    RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	Breaker  BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
}

// DynamoConfig names the metadata table.
type DynamoConfig struct {
	Table string `yaml:"table" env:"TABLE"`
}

// S3Config names the payload bucket. An empty bucket keeps payloads text only.
type S3Config struct {
	Bucket string `yaml:"bucket" env:"BUCKET"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// RedisConfig points at a Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// BreakerConfig tunes the circuit breaker around remote calls.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests" env:"MAX_REQUESTS"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FailureThreshold float64       `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests" env:"MIN_REQUESTS"`
}

// CleanupConfig controls the periodic janitor.
type CleanupConfig struct {
	Interval         time.Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`
	TrackerRetention time.Duration `yaml:"tracker_retention" env:"TRACKER_RETENTION" validate:"gte=0"`
}

// ProviderConfig defines an upstream generation provider.
// Type is "openai" (default) for text or "elevenlabs" for speech.
type ProviderConfig struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type" validate:"omitempty,oneof=openai elevenlabs"`
}

// TemplateConfig defines a content template. Prompt is a text/template
// rendered with the normalized generation inputs. Kind defaults to text.
type TemplateConfig struct {
	ID           string        `yaml:"id" validate:"required"`
	Kind         string        `yaml:"kind" validate:"omitempty,oneof=text speech"`
	Prompt       string        `yaml:"prompt" validate:"required"`
	System       string        `yaml:"system"`
	DefaultVoice string        `yaml:"default_voice"`
	ContentType  string        `yaml:"content_type"`
	MaxTokens    int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	Targets      []RouteTarget `yaml:"targets" validate:"dive"`
}

// RouteTarget identifies a provider and model in a template's fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider" validate:"required"`
	Model    string `yaml:"model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "gencache.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			PendingTTL:    5 * time.Minute,
			FailedTTL:     3 * time.Minute,
			CompletedTTL:  21 * 24 * time.Hour,
			RetryAfter:    2 * time.Second,
			TextTimeout:   45 * time.Second,
			SpeechTimeout: 120 * time.Second,
		},
		Memory: PolicyConfig{
			Capacity:      "64MiB",
			TargetRatio:   0.9,
			ProtectWindow: time.Minute,
		},
		Local: LocalConfig{
			PolicyConfig: PolicyConfig{
				Capacity:      "512MiB",
				TargetRatio:   0.9,
				ProtectWindow: 24 * time.Hour,
			},
			Dir:              "gencache-payloads",
			IndexPath:        "gencache-index.db",
			CompressionLevel: 2,
		},
		Remote: RemoteConfig{
			Backend: "none",
			Timeout: 3 * time.Second,
			Redis: RedisConfig{
				Prefix: "gencache",
			},
			S3: S3Config{
				Prefix: "gencache",
			},
		},
		Cleanup: CleanupConfig{
			Interval:         10 * time.Minute,
			TrackerRetention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// GENCACHE_* overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default
// otherwise. Environment overrides apply in both cases.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("bytesize", validateByteSize); err != nil {
		return fmt.Errorf("register validator: %w", err)
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Remote.Backend {
	case "dynamo":
		if c.Remote.Dynamo.Table == "" {
			return errors.New("invalid config: remote.dynamo.table is required for the dynamo backend")
		}
	case "redis":
		if c.Remote.Redis.Addr == "" {
			return errors.New("invalid config: remote.redis.addr is required for the redis backend")
		}
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		providers[p.Name] = true
	}
	for _, t := range c.Templates {
		for _, target := range t.Targets {
			if !providers[target.Provider] {
				return fmt.Errorf("invalid config: template %q targets unknown provider %q", t.ID, target.Provider)
			}
		}
	}
	return nil
}

func validateByteSize(fl validator.FieldLevel) bool {
	_, err := humanize.ParseBytes(fl.Field().String())
	return err == nil
}
