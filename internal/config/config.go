// Package config loads the process-wide configuration exactly once from
// the environment, with an optional TOML file for local overrides. Per the
// "Global configuration" design note, nothing here reloads after startup;
// constructors elsewhere take the individual values they need as explicit
// parameters, so tests pass their own values rather than mutating the
// package-level instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every environment-derived setting the core consumes.
type Config struct {
	// Object store / ingestion.
	UploadBucket string `toml:"upload_bucket"`
	ParserURL    string `toml:"parser_url"`
	MaxTokens    int    `toml:"max_tokens"`

	Region      string `toml:"region"`
	AccessKey   string `toml:"access_key"`
	AccessKeyID string `toml:"access_key_id"`

	DatabaseURL string `toml:"database_url"`

	APIKey string `toml:"api_key"`

	// Model.
	ModelID         string `toml:"model_id"`
	ModelRevision   string `toml:"model_revision"`
	DtypeOverride   string `toml:"dtype"`
	PoolingOverride string `toml:"pooling"`
	DefaultPrompt   string `toml:"default_prompt"`

	// Inference dispatch.
	TokenizationWorkers   int  `toml:"tokenization_workers"`
	MaxBatchTokens        int  `toml:"max_batch_tokens"`
	MaxBatchRequests      int  `toml:"max_batch_requests"`
	MaxConcurrentRequests int  `toml:"max_concurrent_requests"`
	AutoTruncate          bool `toml:"auto_truncate"`
	MaxClientBatchSize    int  `toml:"max_client_batch_size"`

	// Scheduler.
	RegistryPath string `toml:"registry_path"`
}

// Default returns the baseline configuration applied before environment
// and file overrides are layered on.
func Default() Config {
	return Config{
		MaxTokens:             512,
		TokenizationWorkers:   0, // 0 => runtime.NumCPU at construction time
		MaxBatchTokens:        16384,
		MaxBatchRequests:      32,
		MaxConcurrentRequests: 128,
		AutoTruncate:          false,
		MaxClientBatchSize:    32,
		RegistryPath:          "./emberd-jobs.json",
	}
}

var (
	once     sync.Once
	instance Config
	loadErr  error
)

// Load returns the process-wide Config, parsing it from environment
// variables (and, if present, an `emberd.toml` file in the working
// directory) on first call. Subsequent calls return the cached value.
func Load() (Config, error) {
	once.Do(func() {
		instance, loadErr = load()
	})
	return instance, loadErr
}

func load() (Config, error) {
	cfg := Default()

	if b, err := os.ReadFile("emberd.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing emberd.toml: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.UploadBucket == "" {
		return cfg, fmt.Errorf("config: UPLOAD_BUCKET is required")
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("UPLOAD_BUCKET", &cfg.UploadBucket)
	str("PARSER_URL", &cfg.ParserURL)
	num("MAX_TOKENS", &cfg.MaxTokens)
	str("AM_REGION", &cfg.Region)
	str("AM_ACCESS_KEY", &cfg.AccessKey)
	str("AM_ACCESS_KEY_ID", &cfg.AccessKeyID)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("API_KEY", &cfg.APIKey)
	str("MODEL_ID", &cfg.ModelID)
	str("MODEL_REVISION", &cfg.ModelRevision)
	str("MODEL_DTYPE", &cfg.DtypeOverride)
	str("MODEL_POOLING", &cfg.PoolingOverride)
	str("MODEL_DEFAULT_PROMPT", &cfg.DefaultPrompt)
	num("TOKENIZATION_WORKERS", &cfg.TokenizationWorkers)
	num("MAX_BATCH_TOKENS", &cfg.MaxBatchTokens)
	num("MAX_BATCH_REQUESTS", &cfg.MaxBatchRequests)
	num("MAX_CONCURRENT_REQUESTS", &cfg.MaxConcurrentRequests)
	boolean("AUTO_TRUNCATE", &cfg.AutoTruncate)
	num("MAX_CLIENT_BATCH_SIZE", &cfg.MaxClientBatchSize)
	str("JOB_REGISTRY_PATH", &cfg.RegistryPath)
}
